package provider

import (
	"context"

	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/localmodel"
	"github.com/loomkit/loom/internal/logits"
	"github.com/loomkit/loom/internal/token"
)

// LocalConfig configures the in-process model provider.
type LocalConfig struct {
	ModelID       string
	Seed          int64
	Hidden        int
	MaxCandidates int
}

// Local runs the embedded deterministic model in process. All three
// operations work on exact token ids, so it supports high-fidelity
// continuation natively.
type Local struct {
	cfg   LocalConfig
	model *localmodel.Model
}

// NewLocal builds a local provider around a freshly seeded model.
func NewLocal(cfg LocalConfig) *Local {
	if cfg.ModelID == "" {
		cfg.ModelID = "local-tiny"
	}
	return &Local{
		cfg:   cfg,
		model: localmodel.New(cfg.Seed, cfg.Hidden),
	}
}

func (l *Local) Name() string { return "local" }

func (l *Local) SupportsHighFidelity(string) bool { return true }

func (l *Local) CountTokens(text string) int {
	return len(l.model.Encode(text))
}

func (l *Local) Generate(ctx context.Context, req GenerateRequest) (*completion.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cond := l.conditioning(req.Prompt, req.Prefill, token.Sequence{})
	tail, finish, err := l.decode(ctx, cond, req.Params)
	if err != nil {
		return nil, err
	}
	generated, eerr := token.Sequence{}.Extend(tail)
	if eerr != nil {
		return nil, WrapOpaque(eerr)
	}
	return l.buildState(req.ModelID, req.PromptRef, req.Prefill, generated, req.Params, finish), nil
}

func (l *Local) ContinueGeneration(ctx context.Context, req ContinueRequest) (*completion.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cond := l.conditioning(req.Prompt, req.Prefill, req.Existing)
	tail, finish, err := l.decode(ctx, cond, l.paramsWithBudget(req.Params, req.Existing.Len()))
	if err != nil {
		return nil, err
	}
	generated, eerr := req.Existing.Extend(tail)
	if eerr != nil {
		return nil, WrapOpaque(eerr)
	}
	return l.buildState(req.ModelID, req.PromptRef, req.Prefill, generated, req.Params, finish), nil
}

func (l *Local) FetchNextTokenCandidates(ctx context.Context, req CandidateRequest) ([]token.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := ClampK(req.K, l.cfg.MaxCandidates)
	cond := l.conditioning(req.Prompt, req.Prefill, req.Prefix)
	vec := l.model.Logits(cond)
	lps := logits.Logprobs(vec)
	top := logits.TopIndices(vec, k)
	out := make([]token.Token, 0, len(top))
	for _, id := range top {
		out = append(out, l.vocabToken(id, lps[id]))
	}
	return out, nil
}

// decode samples tokens until an end token or the budget is exhausted.
// Cancellation is checked between steps.
func (l *Local) decode(ctx context.Context, cond []int, params completion.SamplingParams) ([]token.Token, completion.FinishReason, error) {
	sampler := logits.NewSampler(logits.SamplerConfig{
		Seed:        params.Seed,
		Temperature: params.Temperature,
		TopK:        params.TopK,
		TopP:        params.TopP,
	})

	budget := params.MaxTokens
	if budget <= 0 {
		budget = 64
	}

	var out []token.Token
	ids := append([]int(nil), cond...)
	for i := 0; i < budget; i++ {
		if err := ctx.Err(); err != nil {
			return nil, completion.FinishError, err
		}
		vec := l.model.Logits(ids)
		lps := logits.Logprobs(vec)
		next := sampler.Sample(vec)
		out = append(out, l.vocabToken(next, lps[next]))
		ids = append(ids, next)
		if next == l.model.EOSID() {
			return out, completion.FinishStop, nil
		}
	}
	return out, completion.FinishLength, nil
}

func (l *Local) vocabToken(id int, logprob float64) token.Token {
	t := token.New(id, l.model.TokenText(id), logprob)
	if id == l.model.EOSID() {
		t.Text = ""
		t.EndOfSequence = true
	}
	return t
}

// conditioning assembles the model context: encoded prompt text followed by
// the exact ids of prefill and existing tokens. Token ids are reused as-is
// when they belong to this model's vocabulary; alien tokens fall back to
// re-encoding their raw text.
func (l *Local) conditioning(prompt string, prefill, existing token.Sequence) []int {
	ids := l.model.Encode(prompt)
	for _, seq := range []token.Sequence{prefill, existing} {
		for _, t := range seq.Tokens() {
			if l.ownToken(t) {
				ids = append(ids, t.ID)
				continue
			}
			ids = append(ids, l.model.Encode(t.Text)...)
		}
	}
	return ids
}

func (l *Local) ownToken(t token.Token) bool {
	if t.EndOfSequence && t.ID == l.model.EOSID() {
		return true
	}
	return l.model.TokenText(t.ID) == t.Text && t.Text != ""
}

func (l *Local) paramsWithBudget(params completion.SamplingParams, used int) completion.SamplingParams {
	if params.MaxTokens > 0 {
		params.MaxTokens -= used
		if params.MaxTokens < 0 {
			params.MaxTokens = 0
		}
	}
	return params
}

func (l *Local) buildState(modelID, promptRef string, prefill, generated token.Sequence, params completion.SamplingParams, finish completion.FinishReason) *completion.State {
	return completion.New(completion.Config{
		ModelID:   modelID,
		PromptRef: promptRef,
		Prefill:   prefill,
		Generated: generated,
		Params:    params,
		Truncated: finish != completion.FinishStop,
		Finish:    finish,
		Metadata:  map[string]string{completion.MetaProvider: l.Name()},
	})
}
