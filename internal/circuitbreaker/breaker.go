// Package circuitbreaker guards calls to shared infrastructure (the
// key-value store) so a dead dependency fails fast instead of stacking
// timeouts on every request.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"CLOSED", "OPEN", "HALF_OPEN"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrTrialLimit  = errors.New("circuit breaker trial limit reached")
)

// Settings tune a Breaker. Zero values take the defaults below.
type Settings struct {
	Name string
	// FailureThreshold consecutive failures open the circuit. Default 5.
	FailureThreshold int
	// OpenFor is how long calls are rejected before trial calls. Default 30s.
	OpenFor time.Duration
	// Trials is how many half-open calls may run, and how many must succeed
	// to close again. Default 3.
	Trials int
	// OnTransition observes state changes. Default logs a warning.
	OnTransition func(name string, from, to State)
	Clock        func() time.Time
}

func (s *Settings) applyDefaults() {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}
	if s.Trials <= 0 {
		s.Trials = 3
	}
	if s.OnTransition == nil {
		s.OnTransition = func(name string, from, to State) {
			slog.Warn("[CircuitBreaker] State change", "name", name, "from", from.String(), "to", to.String())
		}
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
}

// Breaker trips after a run of failures and heals through half-open trial calls.
type Breaker struct {
	settings Settings

	mu        sync.Mutex
	state     State
	epoch     uint64 // bumped on every transition; stale results are ignored
	failures  int
	inFlight  int
	successes int
	openUntil time.Time
}

func New(settings Settings) *Breaker {
	settings.applyDefaults()
	return &Breaker{settings: settings}
}

func (b *Breaker) Name() string { return b.settings.Name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh(b.settings.Clock())
	return b.state
}

// Execute runs fn if the circuit allows it and records the outcome.
// Cancellation by the caller and Permanent errors count as successes.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) (err error) {
	epoch, err := b.admit()
	if err != nil {
		return err
	}

	ok := false
	defer func() { b.record(epoch, ok) }()

	err = fn(ctx)
	ok = err == nil || IsPermanent(err) || ctx.Err() != nil
	return err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh(b.settings.Clock())
	switch b.state {
	case StateOpen:
		return b.epoch, ErrCircuitOpen
	case StateHalfOpen:
		if b.inFlight >= b.settings.Trials {
			return b.epoch, ErrTrialLimit
		}
		b.inFlight++
	}
	return b.epoch, nil
}

func (b *Breaker) record(epoch uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.settings.Clock()
	b.refresh(now)
	if epoch != b.epoch {
		return
	}

	switch b.state {
	case StateClosed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.moveTo(StateOpen, now)
		}
	case StateHalfOpen:
		if !ok {
			b.moveTo(StateOpen, now)
			return
		}
		b.successes++
		if b.successes >= b.settings.Trials {
			b.moveTo(StateClosed, now)
		}
	}
}

// refresh moves an open circuit to half-open once OpenFor has elapsed.
func (b *Breaker) refresh(now time.Time) {
	if b.state == StateOpen && !now.Before(b.openUntil) {
		b.moveTo(StateHalfOpen, now)
	}
}

func (b *Breaker) moveTo(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.epoch++
	b.failures, b.inFlight, b.successes = 0, 0, 0
	if to == StateOpen {
		b.openUntil = now.Add(b.settings.OpenFor)
	}
	b.settings.OnTransition(b.settings.Name, from, to)
}
