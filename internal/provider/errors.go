package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable indicates the backend could not be reached at all.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrTimeout indicates the backend did not answer within the deadline.
	ErrTimeout = errors.New("provider timeout")
	// ErrProvider wraps an opaque backend failure passed through unchanged.
	ErrProvider = errors.New("provider error")
	// ErrUnknownModel is returned by the registry for an unmapped model id.
	ErrUnknownModel = errors.New("unknown model")
)

type passthroughError struct {
	cause error
}

func (e passthroughError) Error() string {
	return fmt.Sprintf("provider error: %v", e.cause)
}

func (e passthroughError) Unwrap() error {
	return e.cause
}

func (e passthroughError) Is(target error) bool {
	return target == ErrProvider
}

// WrapOpaque wraps a backend failure so callers can match ErrProvider while
// the original cause stays reachable through errors.Unwrap.
func WrapOpaque(err error) error {
	if err == nil {
		return nil
	}
	return passthroughError{cause: err}
}
