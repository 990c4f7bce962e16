package token

import (
	"errors"
	"fmt"
)

// ErrSequenceMismatch is returned when a token's provider-reported preceding
// context does not match the tail of the sequence it is being appended to.
var ErrSequenceMismatch = errors.New("token sequence mismatch")

type mismatchError struct {
	pos  int
	want int
	got  int
}

func (e mismatchError) Error() string {
	return fmt.Sprintf("token at position %d expects preceding id %d, sequence tail is %d", e.pos, e.want, e.got)
}

func (e mismatchError) Unwrap() error {
	return ErrSequenceMismatch
}

func newMismatch(pos, want, got int) error {
	return mismatchError{pos: pos, want: want, got: got}
}
