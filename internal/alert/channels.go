package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/assurance/internal/core"
)

// Publisher is a message bus channel. infra.GoRedisAdapter implements it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

// Redis publishes alerts on a pub/sub channel.
type Redis struct {
	pub     Publisher
	channel string
}

// NewRedis builds a Redis alerter.
func NewRedis(pub Publisher, channel string) *Redis {
	return &Redis{pub: pub, channel: channel}
}

func (r *Redis) Alert(ctx context.Context, evt *core.SecurityEvent) error {
	payload, err := Encode(evt)
	if err != nil {
		return err
	}
	if err := r.pub.Publish(ctx, r.channel, payload); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	return nil
}

// PubSub publishes alerts to a Google Cloud Pub/Sub topic.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSub connects to projectID and creates topicID if it does not exist.
func NewPubSub(ctx context.Context, projectID, topicID string) (*PubSub, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("[Alert] Created Pub/Sub topic", "topic_id", topicID)
	}
	// per-user ordering
	topic.EnableMessageOrdering = true

	slog.Info("[Alert] Connected to Pub/Sub topic", "project", projectID, "topic", topicID)
	return &PubSub{client: client, topic: topic}, nil
}

func (p *PubSub) Alert(ctx context.Context, evt *core.SecurityEvent) error {
	payload, err := Encode(evt)
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_id":   evt.ID,
			"event_type": string(evt.Type),
			"severity":   evt.Severity.String(),
		},
		OrderingKey: evt.UserID,
	})
	serverID, err := result.Get(ctx)
	if err != nil {
		if evt.UserID != "" {
			p.topic.ResumePublish(evt.UserID)
		}
		return fmt.Errorf("pubsub publish: %w", err)
	}
	slog.Info("[Alert] Published to Pub/Sub", "event_id", evt.ID, "msg_id", serverID)
	return nil
}

// Close flushes pending messages and releases the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// Webhook POSTs alerts to an HTTP endpoint. With a secret, the body is
// signed with HMAC-SHA256 in X-Assurance-Signature.
type Webhook struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhook builds a Webhook alerter. A nil client gets a 5s timeout.
func NewWebhook(url, secret string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Webhook{url: url, secret: secret, client: client}
}

// SignPayload returns the hex HMAC-SHA256 of payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (w *Webhook) Alert(ctx context.Context, evt *core.SecurityEvent) error {
	payload, err := Encode(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Assurance-Event-Type", string(evt.Type))
	req.Header.Set("X-Assurance-Event-ID", evt.ID)
	if w.secret != "" {
		req.Header.Set("X-Assurance-Signature", "sha256="+SignPayload(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
