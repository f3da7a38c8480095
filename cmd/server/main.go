package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/assurance/internal/aal"
	"github.com/ocx/assurance/internal/alert"
	"github.com/ocx/assurance/internal/api"
	"github.com/ocx/assurance/internal/confidence"
	"github.com/ocx/assurance/internal/config"
	"github.com/ocx/assurance/internal/database"
	"github.com/ocx/assurance/internal/infra"
	"github.com/ocx/assurance/internal/kv"
	"github.com/ocx/assurance/internal/metrics"
	"github.com/ocx/assurance/internal/mfa"
	"github.com/ocx/assurance/internal/middleware"
	"github.com/ocx/assurance/internal/ratelimit"
	"github.com/ocx/assurance/internal/security"
	"github.com/ocx/assurance/internal/session"
	"github.com/ocx/assurance/internal/stream"
	"github.com/ocx/assurance/internal/threat"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "base configuration file")
	overlayPath := flag.String("overlay", os.Getenv("CONFIG_OVERLAY_PATH"), "environment overlay file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *overlayPath)
	if err != nil {
		slog.Error("[Server] Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(config.NewLogger(cfg.Logging, os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("[Server] Exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Shared store: Redis when configured, in-memory otherwise
	var (
		backend   kv.Store
		publisher alert.Publisher
	)
	if cfg.Redis.Addr != "" {
		rdb, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix)
		if err != nil {
			slog.Warn("[Server] Redis unavailable, falling back to in-memory store", "error", err)
		} else {
			defer rdb.Close()
			backend, publisher = rdb, rdb
		}
	}
	if backend == nil {
		slog.Warn("[Server] Using in-memory key-value store; limits and profiles are per-process")
		backend = kv.NewMemoryStore()
	}
	store := kv.NewResilient(backend, kv.ResilientConfig{
		Attempts:       cfg.Store.RetryAttempts,
		Backoff:        cfg.Store.RetryBackoff,
		BreakerTimeout: cfg.Store.BreakerTimeout,
		CallTimeout:    cfg.Store.CallTimeout,
	})

	db, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	alerters, closeAlerters := buildAlerters(ctx, cfg.Alert, publisher)
	defer closeAlerters()

	hub := stream.NewHub(stream.AllowOrigins(cfg.Server.AllowedOrigins))
	seclog, err := security.New(db, store, cfg.SecurityLog,
		security.WithAlerter(alerters),
		security.WithMetrics(m),
		security.WithObservers(hub),
	)
	if err != nil {
		return err
	}

	scorer, err := confidence.NewScorer(cfg.Confidence, confidence.WithMetrics(m))
	if err != nil {
		return err
	}
	limiter := ratelimit.New(store, cfg.RateLimit, ratelimit.WithMetrics(m))

	var manager *aal.Manager
	verifier, err := mfa.New(db, cfg.MFA,
		mfa.WithEvents(seclog),
		mfa.WithMetrics(m),
		mfa.WithDisableHook(func(ctx context.Context, userID string) error {
			_, err := manager.DowngradeUser(ctx, userID, aal.ReasonMFADisable)
			return err
		}),
	)
	if err != nil {
		return err
	}
	manager, err = aal.New(db, verifier, cfg.AAL, aal.WithEvents(seclog), aal.WithMetrics(m))
	if err != nil {
		return err
	}

	responder := threat.NewResponder(cfg.Threat)
	responder.Limiter = limiter
	responder.Downgrader = manager
	responder.Alerter = alerters
	responder.Store = store
	responder.Metrics = m
	responder.AlreadyAlerted = seclog.Alerts

	var geo threat.GeoResolver
	if cfg.Threat.GeoLookupURL != "" {
		geo = security.NewHTTPGeoResolver(cfg.Threat.GeoLookupURL, &http.Client{Timeout: 3 * time.Second})
	}
	engine, err := threat.New(store, geo, cfg.Threat,
		threat.WithResponder(responder),
		threat.WithEvents(seclog),
		threat.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	seclog.AddObserver(engine)

	sessions := session.NewService(db, scorer, cfg.Session.TTL, session.WithEvents(seclog))
	sweeper := session.NewSweeper(db, cfg.Session.SweepInterval, m)
	sweeper.Start()
	defer sweeper.Stop()

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Run(hubCtx)

	srv := api.NewServer(api.Deps{
		MFA:         verifier,
		AAL:         manager,
		Sessions:    sessions,
		Limits:      limiter,
		RateLimiter: middleware.NewRateLimiter(limiter, db, seclog),
		Threats:     engine,
		Events:      seclog,
		Stream:      http.HandlerFunc(hub.HandleWebSocket),
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Health:      []api.Pinger{db, store},
	})

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[Server] Listening", "addr", server.Addr, "env", cfg.Server.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("[Server] Received shutdown signal, shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("[Server] Graceful shutdown failed", "error", err)
	}
	stopHub()
	seclog.Wait()
	slog.Info("[Server] Stopped")
	return nil
}

// buildAlerters fans critical events out to every configured channel. The
// log channel is always present.
func buildAlerters(ctx context.Context, cfg config.AlertConfig, publisher alert.Publisher) (alert.Multi, func()) {
	alerters := alert.Multi{alert.Log{}}
	closers := []func() error{}

	if cfg.RedisChannel != "" && publisher != nil {
		alerters = append(alerters, alert.NewRedis(publisher, cfg.RedisChannel))
	}
	if cfg.PubSubProject != "" && cfg.PubSubTopic != "" {
		ps, err := alert.NewPubSub(ctx, cfg.PubSubProject, cfg.PubSubTopic)
		if err != nil {
			slog.Warn("[Server] Pub/Sub alert channel disabled", "error", err)
		} else {
			alerters = append(alerters, ps)
			closers = append(closers, ps.Close)
		}
	}
	if cfg.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, &http.Client{Timeout: 5 * time.Second}))
	}

	return alerters, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Warn("[Server] Failed to close alert channel", "error", err)
			}
		}
	}
}
