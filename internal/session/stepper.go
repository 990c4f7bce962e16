package session

import (
	"context"

	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/provider"
	"github.com/loomkit/loom/internal/token"
)

// StepState is the stepper's position in its lifecycle.
type StepState string

const (
	// StepIdle means the stepper is between positions and can fetch
	// candidates for the next one.
	StepIdle StepState = "idle"
	// StepFetching means a candidate fetch is in flight.
	StepFetching StepState = "fetching_candidates"
	// StepAwaitingSelection means candidates are held and one must be
	// selected before stepping on.
	StepAwaitingSelection StepState = "awaiting_selection"
	// StepAppending means a selected token is being committed.
	StepAppending StepState = "appending"
	// StepFinished means the walk ended: end token, budget, or cancel.
	StepFinished StepState = "finished"
	// StepError means a provider call failed; Err holds the cause.
	StepError StepState = "error"
)

// Stepper walks a completion one token at a time: fetch candidates for the
// next position, select one, repeat. A failed selection leaves the stepper
// exactly where it was. Steppers are not safe for concurrent use.
type Stepper struct {
	session    *Session
	state      StepState
	sequence   token.Sequence
	candidates []token.Token
	finish     completion.FinishReason
	err        error
}

func newStepper(s *Session) *Stepper {
	return &Stepper{session: s, state: StepIdle}
}

func (st *Stepper) State() StepState { return st.state }

// Sequence returns the tokens committed so far.
func (st *Stepper) Sequence() token.Sequence { return st.sequence }

// Candidates returns the candidate set held while awaiting selection.
func (st *Stepper) Candidates() []token.Token { return st.candidates }

// Err returns the provider failure that moved the stepper into the error
// state, or nil.
func (st *Stepper) Err() error { return st.err }

// FetchCandidates retrieves up to k candidates for the next position. Valid
// from idle, and from awaiting-selection to refresh with a different k. A
// provider failure moves the stepper into the error state.
func (st *Stepper) FetchCandidates(ctx context.Context, k int) ([]token.Token, error) {
	if st.state != StepIdle && st.state != StepAwaitingSelection {
		return nil, badStateError{op: "fetch candidates", from: st.state}
	}
	if err := st.session.checkBudget(st.sequence.Len()); err != nil {
		return nil, err
	}
	st.state = StepFetching
	cands, err := st.session.provider.FetchNextTokenCandidates(ctx, provider.CandidateRequest{
		ModelID:   st.session.cfg.ModelID,
		PromptRef: st.session.cfg.PromptRef,
		Prompt:    st.session.cfg.Prompt,
		Prefill:   st.session.cfg.Prefill,
		Prefix:    st.sequence,
		K:         k,
	})
	if err != nil {
		st.state = StepError
		st.err = err
		return nil, err
	}
	st.candidates = cands
	st.state = StepAwaitingSelection
	return cands, nil
}

// Select commits one candidate as the next token. The token must come from
// the held candidate set, matched by id and text; anything else fails with
// ErrInvalidTokenSelection and changes nothing. Selecting an end token, or
// filling the token budget, finishes the walk.
func (st *Stepper) Select(t token.Token) error {
	if st.state != StepAwaitingSelection {
		return badStateError{op: "select", from: st.state}
	}
	chosen, ok := st.findCandidate(t)
	if !ok {
		return ErrInvalidTokenSelection
	}
	st.state = StepAppending
	seq, err := st.sequence.Append(chosen)
	if err != nil {
		// Candidates were fetched for this exact prefix, so an append
		// mismatch means the provider broke its contract.
		st.state = StepError
		st.err = err
		return err
	}
	st.sequence = seq
	st.candidates = nil

	switch {
	case chosen.EndOfSequence:
		st.finish = completion.FinishStop
		st.state = StepFinished
	case st.session.cfg.Params.MaxTokens > 0 && st.sequence.Len() >= st.session.cfg.Params.MaxTokens:
		st.finish = completion.FinishLength
		st.state = StepFinished
	default:
		st.state = StepIdle
	}
	return nil
}

func (st *Stepper) findCandidate(t token.Token) (token.Token, bool) {
	for _, c := range st.candidates {
		if c.ID == t.ID && c.Text == t.Text {
			return c, true
		}
	}
	return token.Token{}, false
}

// Continue hands the rest of the walk back to the provider: the committed
// sequence becomes a high-fidelity prefix and the provider generates the
// remainder in one call. The walk finishes with the continued completion;
// a provider failure moves the stepper into the error state, keeping the
// partial sequence.
func (st *Stepper) Continue(ctx context.Context) (*completion.State, error) {
	if st.state != StepIdle && st.state != StepAwaitingSelection {
		return nil, badStateError{op: "continue", from: st.state}
	}
	st.candidates = nil
	state, err := st.session.ResumeFrom(ctx, st.sequence)
	if err != nil {
		st.state = StepError
		st.err = err
		if state != nil {
			st.sequence = state.Generated()
		}
		return state, err
	}
	st.sequence = state.Generated()
	st.finish = state.Finish()
	st.state = StepFinished
	return state, nil
}

// Cancel abandons the walk, keeping what was committed. The resulting
// completion finalizes as truncated.
func (st *Stepper) Cancel() error {
	if st.state != StepIdle && st.state != StepAwaitingSelection {
		return badStateError{op: "cancel", from: st.state}
	}
	st.candidates = nil
	st.finish = completion.FinishLength
	st.state = StepFinished
	return nil
}

// Finalize builds the completion from a finished walk.
func (st *Stepper) Finalize() (*completion.State, error) {
	if st.state != StepFinished {
		return nil, badStateError{op: "finalize", from: st.state}
	}
	cfg := st.session.cfg
	state := completion.New(completion.Config{
		ModelID:   cfg.ModelID,
		PromptRef: cfg.PromptRef,
		Prefill:   cfg.Prefill,
		Generated: st.sequence,
		Params:    cfg.Params,
		Finish:    st.finish,
		Metadata:  map[string]string{completion.MetaProvider: st.session.provider.Name()},
	})
	return st.session.normalize(state), nil
}
