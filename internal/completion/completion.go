// Package completion holds the immutable record of one generation result:
// the prefill and generated token sequences plus the metadata needed to
// audit, continue, or persist it.
package completion

import (
	"time"

	"github.com/google/uuid"

	"github.com/loomkit/loom/internal/token"
)

// FinishReason describes why generation stopped.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishError  FinishReason = "error"
)

// Metadata keys recognized by the engine.
const (
	// MetaBeamToken records the forced branch token a beam expansion
	// started from.
	MetaBeamToken = "beam_token"
	// MetaLowFidelity marks completions produced by the text-reseeded
	// continuation path, where token identity with the parent is not
	// guaranteed by the provider.
	MetaLowFidelity = "low_fidelity_continuation"
	// MetaProvider records the provider instance that produced the
	// completion. Continuation fidelity is keyed on it.
	MetaProvider = "provider"
	// MetaContinuedFrom links a continuation to the completion it
	// extends.
	MetaContinuedFrom = "continued_from"
)

// SamplingParams is the request-scoped sampling configuration, snapshotted
// onto every State produced with it.
type SamplingParams struct {
	Temperature   float64
	TopK          int
	TopP          float64
	Seed          int64
	MaxTokens     int
	ContextLength int
}

// State is one concrete generation result. It is immutable once
// constructed: a continuation produces a new State and never touches the
// original.
type State struct {
	id        string
	modelID   string
	promptRef string
	prefill   token.Sequence
	generated token.Sequence
	params    SamplingParams
	truncated bool
	finish    FinishReason
	createdAt time.Time
	metadata  map[string]string
}

// Config carries the fields for constructing a State.
type Config struct {
	ModelID   string
	PromptRef string
	Prefill   token.Sequence
	Generated token.Sequence
	Params    SamplingParams
	Truncated bool
	Finish    FinishReason
	Metadata  map[string]string
}

// New constructs an immutable State with a fresh id. The metadata map is
// copied.
func New(cfg Config) *State {
	var meta map[string]string
	if len(cfg.Metadata) > 0 {
		meta = make(map[string]string, len(cfg.Metadata))
		for k, v := range cfg.Metadata {
			meta[k] = v
		}
	}
	return &State{
		id:        uuid.NewString(),
		modelID:   cfg.ModelID,
		promptRef: cfg.PromptRef,
		prefill:   cfg.Prefill,
		generated: cfg.Generated,
		params:    cfg.Params,
		truncated: cfg.Truncated,
		finish:    cfg.Finish,
		createdAt: time.Now().UTC(),
		metadata:  meta,
	}
}

func (s *State) ID() string                { return s.id }
func (s *State) ModelID() string           { return s.modelID }
func (s *State) PromptRef() string         { return s.promptRef }
func (s *State) Prefill() token.Sequence   { return s.prefill }
func (s *State) Generated() token.Sequence { return s.generated }
func (s *State) Params() SamplingParams    { return s.params }
func (s *State) Truncated() bool           { return s.truncated }
func (s *State) Finish() FinishReason      { return s.finish }
func (s *State) CreatedAt() time.Time      { return s.createdAt }

// Meta returns the metadata value for key, or "" when unset.
func (s *State) Meta(key string) string {
	return s.metadata[key]
}

// Metadata returns a copy of the metadata map.
func (s *State) Metadata() map[string]string {
	if len(s.metadata) == 0 {
		return nil
	}
	cp := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		cp[k] = v
	}
	return cp
}

// WithTruncation returns a State with the truncation decision applied,
// keeping id, sequences, and timestamps. The generation session owns the
// truncation decision, not the provider; this is how it overrides a
// provider-reported finish. Returns the receiver when nothing changes.
func (s *State) WithTruncation(truncated bool, finish FinishReason) *State {
	if s.truncated == truncated && s.finish == finish {
		return s
	}
	cp := *s
	cp.truncated = truncated
	cp.finish = finish
	return &cp
}

// WithMeta returns a State with key set to value in its metadata, keeping
// everything else including the id. The receiver's map is never mutated.
func (s *State) WithMeta(key, value string) *State {
	if s.metadata[key] == value {
		return s
	}
	cp := *s
	cp.metadata = make(map[string]string, len(s.metadata)+1)
	for k, v := range s.metadata {
		cp.metadata[k] = v
	}
	cp.metadata[key] = value
	return &cp
}

// Text renders prefill plus generated fragments.
func (s *State) Text() string {
	return s.prefill.RenderText() + s.generated.RenderText()
}

// GeneratedText renders only the generated fragments.
func (s *State) GeneratedText() string {
	return s.generated.RenderText()
}

// MinLogprob scores the completion by its weakest generated token.
func (s *State) MinLogprob() float64 {
	return s.generated.MinLogprob()
}

// LowFidelity reports whether this State came from the text-reseeded
// continuation path.
func (s *State) LowFidelity() bool {
	return s.metadata[MetaLowFidelity] != ""
}
