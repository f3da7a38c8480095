package core

import (
	"errors"
	"fmt"
)

// Error kinds. Callers compare with errors.Is.
var (
	// ErrValidation is malformed verification or setup input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is an unknown session, user or enrollment.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable means persistence or the shared cache is unreachable.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrAuthFactorInvalid is a wrong TOTP or backup code.
	ErrAuthFactorInvalid = errors.New("authentication factor invalid")

	// ErrFactorNotEligible is a factor that cannot raise the assurance level.
	ErrFactorNotEligible = errors.New("factor not eligible for AAL upgrade")

	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("invalid configuration")
)

// Error attaches the failing operation to an error kind.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// E builds an *Error.
func E(op string, kind error, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}
