package threat

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/ocx/assurance/internal/confidence"
	"github.com/ocx/assurance/internal/kv"
)

// Profiles are stored as one JSON value per key. Concurrent evaluations of
// the same identity may overwrite each other; the data is heuristic.

type geoProfile struct {
	Lat     float64   `json:"lat"`
	Lon     float64   `json:"lon"`
	Country string    `json:"country"`
	SeenAt  time.Time `json:"seen_at"`
}

type behaviorProfile struct {
	Hours  []int    `json:"hours"`
	Agents []string `json:"agents"`
}

func (p *behaviorProfile) knowsHour(hour int) bool {
	return slices.Contains(p.Hours, hour)
}

// knowsAgent is true for a seen agent or one of the same browser and OS
// family as a seen agent.
func (p *behaviorProfile) knowsAgent(agent string) bool {
	if slices.Contains(p.Agents, agent) {
		return true
	}
	browser, os := confidence.ParseUserAgent(agent)
	for _, known := range p.Agents {
		b, o := confidence.ParseUserAgent(known)
		if b == browser && o == os {
			return true
		}
	}
	return false
}

// observe records hour and agent, keeping the most recent entries.
func (p *behaviorProfile) observe(hour int, agent string) {
	if !p.knowsHour(hour) {
		p.Hours = append(p.Hours, hour)
		if len(p.Hours) > maxKnownHours {
			p.Hours = p.Hours[len(p.Hours)-maxKnownHours:]
		}
	}
	if agent == "" {
		return
	}
	if i := slices.Index(p.Agents, agent); i >= 0 {
		p.Agents = slices.Delete(p.Agents, i, i+1)
	}
	p.Agents = append(p.Agents, agent)
	if len(p.Agents) > maxKnownAgents {
		p.Agents = p.Agents[len(p.Agents)-maxKnownAgents:]
	}
}

func loadJSON(ctx context.Context, store kv.Store, key string, into any) (bool, error) {
	raw, err := store.Get(ctx, key)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func storeJSON(ctx context.Context, store kv.Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(raw), ttl)
}
