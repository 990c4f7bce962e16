// Package session drives generation against a resolved provider: whole
// completions, the token-by-token stepper, and continuation of existing
// completions. The session owns the context budget pre-check and the
// truncation decision; providers only report what they did.
package session

import (
	"context"
	"fmt"

	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/logger"
	"github.com/loomkit/loom/internal/provider"
	"github.com/loomkit/loom/internal/token"
)

// Config describes one generation session: a fixed model, prompt, prefill,
// and sampling configuration. All completions a session produces share
// them.
type Config struct {
	ModelID   string
	PromptRef string
	Prompt    string
	Prefill   token.Sequence
	Params    completion.SamplingParams
	Logger    logger.Logger
}

// Session binds a prompt to a provider resolved from the registry.
type Session struct {
	cfg      Config
	provider provider.GenerationProvider
	log      logger.Logger
}

// New resolves the session's model against the registry and runs the
// context budget pre-check, so a session that cannot possibly generate is
// rejected before any provider call.
func New(reg *provider.Registry, cfg Config) (*Session, error) {
	p, err := reg.Resolve(cfg.ModelID)
	if err != nil {
		return nil, err
	}
	s := &Session{cfg: cfg, provider: p, log: logger.Or(cfg.Logger)}
	if err := s.checkBudget(0); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) ModelID() string { return s.cfg.ModelID }

func (s *Session) Prefill() token.Sequence { return s.cfg.Prefill }

func (s *Session) Params() completion.SamplingParams { return s.cfg.Params }

func (s *Session) Provider() provider.GenerationProvider { return s.provider }

// CandidatesAt fetches up to k next-token candidates for the position
// following prefix, which extends the session prefill.
func (s *Session) CandidatesAt(ctx context.Context, prefix token.Sequence, k int) ([]token.Token, error) {
	if err := s.checkBudget(prefix.Len()); err != nil {
		return nil, err
	}
	return s.provider.FetchNextTokenCandidates(ctx, provider.CandidateRequest{
		ModelID:   s.cfg.ModelID,
		PromptRef: s.cfg.PromptRef,
		Prompt:    s.cfg.Prompt,
		Prefill:   s.cfg.Prefill,
		Prefix:    prefix,
		K:         k,
	})
}

// ResumeFrom generates a completion whose first tokens are exactly
// existing, extended until stop or budget. The result is normalized like
// any other generation; existing tokens surviving unchanged is verified.
func (s *Session) ResumeFrom(ctx context.Context, existing token.Sequence) (*completion.State, error) {
	if err := s.checkBudget(existing.Len()); err != nil {
		return nil, err
	}
	state, err := s.provider.ContinueGeneration(ctx, provider.ContinueRequest{
		ModelID:   s.cfg.ModelID,
		PromptRef: s.cfg.PromptRef,
		Prompt:    s.cfg.Prompt,
		Prefill:   s.cfg.Prefill,
		Existing:  existing,
		Params:    s.cfg.Params,
	})
	if err != nil {
		if state != nil {
			state = state.WithTruncation(true, completion.FinishError)
		}
		return state, err
	}
	if !state.Generated().HasPrefix(existing) {
		return nil, fmt.Errorf("%w: continuation altered existing tokens", provider.ErrProvider)
	}
	return s.normalize(state), nil
}

// checkBudget verifies prompt + prefill + generated-so-far + remaining
// budget fits the context window. A zero ContextLength disables the check.
func (s *Session) checkBudget(generated int) error {
	return s.checkBudgetFor(s.cfg.Prefill.Len(), generated)
}

// checkBudgetFor is checkBudget with an explicit prefill length, for the
// continuation paths that send a prior completion's prefill instead of
// the session's own.
func (s *Session) checkBudgetFor(prefill, generated int) error {
	limit := s.cfg.Params.ContextLength
	if limit <= 0 {
		return nil
	}
	need := s.provider.CountTokens(s.cfg.Prompt) + prefill + generated + s.cfg.Params.MaxTokens
	if need > limit {
		return overflowError{need: need, limit: limit}
	}
	return nil
}

// Generate runs one whole completion. On provider failure with a partial
// result, the partial completion is returned alongside the error, marked
// truncated with finish reason error.
func (s *Session) Generate(ctx context.Context) (*completion.State, error) {
	if err := s.checkBudget(0); err != nil {
		return nil, err
	}
	state, err := s.provider.Generate(ctx, provider.GenerateRequest{
		ModelID:   s.cfg.ModelID,
		PromptRef: s.cfg.PromptRef,
		Prompt:    s.cfg.Prompt,
		Prefill:   s.cfg.Prefill,
		Params:    s.cfg.Params,
	})
	if err != nil {
		if state != nil {
			state = state.WithTruncation(true, completion.FinishError)
		}
		s.log.Error("generation failed", "model", s.cfg.ModelID, "error", err)
		return state, err
	}
	state = s.normalize(state)
	s.log.Debug("generation finished",
		"model", s.cfg.ModelID,
		"tokens", state.Generated().Len(),
		"truncated", state.Truncated())
	return state, nil
}

// normalize applies the session's truncation rule: a completion is
// truncated unless it stopped naturally, or it filled the budget exactly
// and still ended with an explicit end token. A budget-filling completion
// without an end token is truncated no matter what the provider reported.
func (s *Session) normalize(state *completion.State) *completion.State {
	gen := state.Generated()
	finish := state.Finish()
	truncated := finish != completion.FinishStop
	max := s.cfg.Params.MaxTokens
	switch {
	case finish == completion.FinishLength && gen.EndsWithEOS():
		truncated = false
		finish = completion.FinishStop
	case max > 0 && gen.Len() >= max && !gen.EndsWithEOS():
		truncated = true
		finish = completion.FinishLength
	}
	return state.WithTruncation(truncated, finish)
}

// Stepper starts a token-by-token stepper over this session's prompt.
func (s *Session) Stepper() *Stepper {
	return newStepper(s)
}
