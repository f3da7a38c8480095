package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/assurance/internal/metrics"
)

// Sweeper periodically deletes expired sessions. Failures are logged and
// only delay cleanup.
type Sweeper struct {
	store    Store
	interval time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewSweeper builds a Sweeper. Call Start to run it.
func NewSweeper(store Store, interval time.Duration, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		metrics:  m,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop in a goroutine.
func (sw *Sweeper) Start() {
	go sw.run()
}

// Stop ends the loop and waits for an in-flight sweep.
func (sw *Sweeper) Stop() {
	sw.stopOnce.Do(func() { close(sw.stopCh) })
	<-sw.done
}

func (sw *Sweeper) run() {
	defer close(sw.done)
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	slog.Info("[SessionSweeper] Started", "interval", sw.interval)
	for {
		select {
		case <-ticker.C:
			sw.Sweep(context.Background())
		case <-sw.stopCh:
			slog.Info("[SessionSweeper] Stopped")
			return
		}
	}
}

// Sweep deletes expired sessions once and returns how many were removed.
func (sw *Sweeper) Sweep(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := sw.store.DeleteExpiredSessions(ctx, sw.now().UTC())
	if err != nil {
		slog.Warn("[SessionSweeper] Sweep failed", "error", err)
		return 0
	}
	sw.metrics.RecordSwept(n)
	if n > 0 {
		slog.Info("[SessionSweeper] Removed expired sessions", "count", n)
	}
	return n
}
