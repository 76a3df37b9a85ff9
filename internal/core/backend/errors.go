package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is a valid absence reported by the backend (HTTP 404).
	ErrNotFound = errors.New("not found")
	// ErrValidation marks bad input. It is never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNetwork marks transport failures that survived every retry.
	ErrNetwork = errors.New("backend unreachable")
	// ErrServer marks 5xx responses and unreadable bodies.
	ErrServer = errors.New("backend server error")
	// ErrConfiguration marks a missing endpoint or rejected credentials.
	ErrConfiguration = errors.New("backend configuration error")
)

type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindValidation    Kind = "validation"
	KindNetwork       Kind = "network"
	KindServer        Kind = "server"
	KindConfiguration Kind = "configuration"
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindValidation:
		return ErrValidation
	case KindNetwork:
		return ErrNetwork
	case KindServer:
		return ErrServer
	case KindConfiguration:
		return ErrConfiguration
	}
	return ErrServer
}

// Error is returned by Client for every failed call. errors.Is matches both
// the kind sentinel and the underlying cause.
type Error struct {
	Kind      Kind
	Endpoint  string
	Status    int
	Attempts  int
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Endpoint, e.Kind.sentinel())
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// KindOf returns the kind of err, or "" when err did not come from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	}
	return ""
}

// Validation wraps a local input error so it reads like a backend validation failure.
func Validation(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, reason)
}
