// Package provider defines the capability interface for model backends and
// the registry that maps model ids onto provider instances. The engine
// never talks to a backend except through these interfaces.
package provider

import (
	"context"

	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/token"
)

// DefaultMaxCandidates caps the k accepted by FetchNextTokenCandidates when
// a provider is configured without an explicit limit.
const DefaultMaxCandidates = 100

// GenerateRequest describes one whole-completion generation call.
type GenerateRequest struct {
	ModelID   string
	PromptRef string
	// Prompt is the flat prompt text; tokenization is the backend's
	// concern, never the engine's.
	Prompt  string
	Prefill token.Sequence
	Params  completion.SamplingParams
}

// ContinueRequest resumes generation from an exact token sequence. Existing
// holds the already-generated tokens; the provider must not re-tokenize any
// of them.
type ContinueRequest struct {
	ModelID   string
	PromptRef string
	Prompt    string
	Prefill   token.Sequence
	Existing  token.Sequence
	Params    completion.SamplingParams
}

// GenerationProvider is the capability set a model backend exposes to the
// engine. Generate and ContinueGeneration may block for a full generation
// and must honor ctx cancellation at call boundaries.
//
// When a call fails partway through, implementations should return the
// partial completion alongside the error, marked truncated with finish
// reason error, so partial work is never silently discarded.
type GenerationProvider interface {
	// Name identifies the provider instance. Continuation fidelity is
	// keyed on (provider name, model id).
	Name() string

	Generate(ctx context.Context, req GenerateRequest) (*completion.State, error)

	// FetchNextTokenCandidates returns up to k candidate tokens for the
	// position following prefix, ordered by non-increasing logprob. Ties
	// keep the backend's emission order; the engine never invents a
	// secondary key. k is clamped to the provider's configured maximum.
	FetchNextTokenCandidates(ctx context.Context, req CandidateRequest) ([]token.Token, error)

	ContinueGeneration(ctx context.Context, req ContinueRequest) (*completion.State, error)

	// CountTokens estimates the token count of raw text, used for the
	// context budget pre-check. A heuristic is acceptable.
	CountTokens(text string) int

	// SupportsHighFidelity reports whether ContinueGeneration resumes
	// from exact tokens for the given model.
	SupportsHighFidelity(modelID string) bool
}

// CandidateRequest describes a next-token candidate fetch over an exact
// token prefix.
type CandidateRequest struct {
	ModelID   string
	PromptRef string
	Prompt    string
	Prefill   token.Sequence
	Prefix    token.Sequence
	K         int
}

// CompletionEvaluator is an optional capability: score existing text
// against the model to recover per-token logprobs. The low-fidelity
// continuation path uses it to rebuild a scored prefix from rendered text.
type CompletionEvaluator interface {
	EvaluateCompletion(ctx context.Context, modelID, prompt, text string) (token.Sequence, error)
}

// ClampK bounds a candidate count to [1, max], substituting defaults for
// unset values.
func ClampK(k, max int) int {
	if max <= 0 {
		max = DefaultMaxCandidates
	}
	if k <= 0 {
		k = 1
	}
	if k > max {
		return max
	}
	return k
}
