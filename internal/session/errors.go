package session

import (
	"errors"
	"fmt"
)

var (
	// ErrContextOverflow is returned before any provider call when prompt,
	// prefill, and the token budget cannot fit the context window.
	ErrContextOverflow = errors.New("context window overflow")
	// ErrInvalidTokenSelection is returned when a selected token is not in
	// the fetched candidate set.
	ErrInvalidTokenSelection = errors.New("token not in candidate set")
	// ErrModelMismatch is returned by high-fidelity continuation when the
	// completion was produced by a different provider or model.
	ErrModelMismatch = errors.New("model mismatch")
	// ErrBadState is returned when a stepper operation is called from a
	// state that does not permit it.
	ErrBadState = errors.New("invalid stepper state")
	// ErrLowFidelityOnly is returned when exact continuation is requested
	// but the provider cannot resume from raw tokens.
	ErrLowFidelityOnly = errors.New("provider cannot continue from exact tokens")
)

type overflowError struct {
	need  int
	limit int
}

func (e overflowError) Error() string {
	return fmt.Sprintf("context window overflow: need %d tokens, limit %d", e.need, e.limit)
}

func (e overflowError) Is(target error) bool {
	return target == ErrContextOverflow
}

type badStateError struct {
	op   string
	from StepState
}

func (e badStateError) Error() string {
	return fmt.Sprintf("invalid stepper state: cannot %s from %s", e.op, e.from)
}

func (e badStateError) Is(target error) bool {
	return target == ErrBadState
}
