package session

import (
	"context"
	"fmt"

	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/provider"
)

// Continue extends an existing completion with exact token fidelity: the
// provider resumes from the completion's raw tokens and every original
// token survives unchanged in the result. It requires the completion to
// have been produced by this session's provider and model; anything else
// is ErrModelMismatch, because token ids are only meaningful within one
// tokenizer.
func (s *Session) Continue(ctx context.Context, prior *completion.State) (*completion.State, error) {
	if prior.ModelID() != s.cfg.ModelID {
		return nil, fmt.Errorf("%w: completion from model %q, session model %q",
			ErrModelMismatch, prior.ModelID(), s.cfg.ModelID)
	}
	if origin := prior.Meta(completion.MetaProvider); origin != "" && origin != s.provider.Name() {
		return nil, fmt.Errorf("%w: completion from provider %q, session provider %q",
			ErrModelMismatch, origin, s.provider.Name())
	}
	if !s.provider.SupportsHighFidelity(s.cfg.ModelID) {
		return nil, ErrLowFidelityOnly
	}
	if err := s.checkBudgetFor(prior.Prefill().Len(), prior.Generated().Len()); err != nil {
		return nil, err
	}

	state, err := s.provider.ContinueGeneration(ctx, provider.ContinueRequest{
		ModelID:   s.cfg.ModelID,
		PromptRef: s.cfg.PromptRef,
		Prompt:    s.cfg.Prompt,
		Prefill:   prior.Prefill(),
		Existing:  prior.Generated(),
		Params:    s.cfg.Params,
	})
	if err != nil {
		if state != nil {
			state = state.WithTruncation(true, completion.FinishError)
		}
		return state, err
	}
	if !state.Generated().HasPrefix(prior.Generated()) {
		return nil, fmt.Errorf("%w: continuation altered existing tokens", provider.ErrProvider)
	}
	state = s.normalize(state).WithMeta(completion.MetaContinuedFrom, prior.ID())
	s.log.Debug("continued completion",
		"from", prior.ID(),
		"tokens", state.Generated().Len())
	return state, nil
}

// ContinueLowFidelity extends a completion across a tokenizer boundary: the
// prior completion's rendered text is re-scored by this session's model to
// rebuild a token prefix, and generation resumes from that. Token identity
// with the original is not guaranteed, so the result is tagged low
// fidelity and callers must treat it as a fresh root rather than a child
// of the original.
func (s *Session) ContinueLowFidelity(ctx context.Context, prior *completion.State) (*completion.State, error) {
	ev, ok := s.provider.(provider.CompletionEvaluator)
	if !ok {
		return nil, fmt.Errorf("%w: provider %q cannot re-score text", ErrLowFidelityOnly, s.provider.Name())
	}
	reseeded, err := ev.EvaluateCompletion(ctx, s.cfg.ModelID, s.cfg.Prompt, prior.Text())
	if err != nil {
		return nil, err
	}
	if err := s.checkBudgetFor(0, reseeded.Len()); err != nil {
		return nil, err
	}

	state, err := s.provider.ContinueGeneration(ctx, provider.ContinueRequest{
		ModelID:   s.cfg.ModelID,
		PromptRef: s.cfg.PromptRef,
		Prompt:    s.cfg.Prompt,
		Existing:  reseeded,
		Params:    s.cfg.Params,
	})
	if err != nil {
		if state != nil {
			state = state.WithTruncation(true, completion.FinishError)
		}
		return state, err
	}
	state = s.normalize(state).
		WithMeta(completion.MetaLowFidelity, "1").
		WithMeta(completion.MetaContinuedFrom, prior.ID())
	return state, nil
}
