package circuitbreaker

import (
	"context"
	"errors"
	"time"
)

// permanentError marks a result that retrying cannot change (a cache miss,
// a type mismatch). It passes through the breaker as a success.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryPolicy bounds attempts with exponential backoff.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Retry runs fn through the breaker up to Attempts times. An open circuit,
// a permanent error or a cancelled context stop retrying early. The
// returned error is unwrapped from Permanent.
func Retry(ctx context.Context, cb *Breaker, policy RetryPolicy, fn func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := policy.Backoff
	maxBackoff := policy.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = time.Second
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cb != nil {
			err = cb.Execute(ctx, fn)
		} else {
			err = fn(ctx)
		}
		if err == nil {
			return nil
		}

		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTrialLimit) || ctx.Err() != nil {
			return err
		}
		if attempt == attempts || backoff <= 0 {
			continue
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return err
}
