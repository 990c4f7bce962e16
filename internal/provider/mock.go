package provider

import (
	"context"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync/atomic"

	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/token"
)

// MockModelID is the model id the mock provider serves by default.
const MockModelID = "mock-echo"

var mockOpeners = []string{
	"Sure,",
	"Okay,",
	"Here",
	"The",
	"When",
	"Given,",
}

var mockAlternatives = []string{
	" absolutely",
	" indeed",
	" however",
	" therefore",
	" moreover",
	" additionally",
	".",
	",",
	" the",
	" and",
	" to",
	" of",
}

// MockConfig configures the deterministic mock provider.
type MockConfig struct {
	ModelID string
	// EmitEndToken marks the final response token as an explicit end
	// token, so completions that fit the budget finish with reason stop.
	EmitEndToken bool
	// ForcedResponse overrides the echo response text when non-empty.
	ForcedResponse string
	// MaxCandidates caps FetchNextTokenCandidates k (default 100).
	MaxCandidates int
	// FailWith, when set, makes every provider call fail with this error.
	// Generate and ContinueGeneration return a partial completion of
	// FailAfter tokens alongside it.
	FailWith  error
	FailAfter int
}

// Mock is a deterministic echo provider. Responses are seeded from the
// prompt and prefill so results are reproducible across runs; per-token
// logprobs decay with position and candidate alternatives decay with rank.
// It also counts calls so tests can assert that failed validations never
// reached the provider.
type Mock struct {
	cfg MockConfig

	generateCalls  atomic.Int64
	candidateCalls atomic.Int64
	continueCalls  atomic.Int64
	evaluateCalls  atomic.Int64
}

// NewMock returns a mock provider. A zero config serves MockModelID with
// no end token.
func NewMock(cfg MockConfig) *Mock {
	if cfg.ModelID == "" {
		cfg.ModelID = MockModelID
	}
	return &Mock{cfg: cfg}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) SupportsHighFidelity(string) bool { return true }

// Calls reports how many times each provider operation ran.
func (m *Mock) Calls() (generate, candidates, cont int64) {
	return m.generateCalls.Load(), m.candidateCalls.Load(), m.continueCalls.Load()
}

func (m *Mock) CountTokens(text string) int {
	return len(splitFragments(text))
}

func (m *Mock) Generate(ctx context.Context, req GenerateRequest) (*completion.State, error) {
	m.generateCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	response := m.responseText(req.Prompt, req.Prefill)
	tokens := m.responseTokens(req.Prompt, req.Prefill, response)

	if m.cfg.FailWith != nil {
		partial := tokens
		if m.cfg.FailAfter < len(partial) {
			partial = partial[:m.cfg.FailAfter]
		}
		st, err := m.buildState(req.ModelID, req.PromptRef, req.Prefill, token.Sequence{}, partial, req.Params, true)
		if err != nil {
			return nil, err
		}
		return st.WithTruncation(true, completion.FinishError), m.cfg.FailWith
	}

	return m.buildState(req.ModelID, req.PromptRef, req.Prefill, token.Sequence{}, tokens, req.Params, false)
}

func (m *Mock) ContinueGeneration(ctx context.Context, req ContinueRequest) (*completion.State, error) {
	m.continueCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.cfg.FailWith != nil {
		st, err := m.buildState(req.ModelID, req.PromptRef, req.Prefill, req.Existing, nil, req.Params, true)
		if err != nil {
			return nil, err
		}
		return st.WithTruncation(true, completion.FinishError), m.cfg.FailWith
	}

	// The tail is seeded from the exact token ids of the existing
	// sequence, never from re-tokenized text.
	seed := m.continuationSeed(req.Prompt, req.Existing)
	rng := rand.New(rand.NewSource(seed))
	phrase := mockContinuations[rng.Intn(len(mockContinuations))]
	tail := m.tokenize(phrase, rng)

	return m.buildState(req.ModelID, req.PromptRef, req.Prefill, req.Existing, tail, req.Params, false)
}

func (m *Mock) FetchNextTokenCandidates(ctx context.Context, req CandidateRequest) ([]token.Token, error) {
	m.candidateCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.cfg.FailWith != nil {
		return nil, m.cfg.FailWith
	}

	k := ClampK(req.K, m.cfg.MaxCandidates)

	// Primary candidate: the token the echo response would emit at this
	// position, when the prefix tracks the response; otherwise a token
	// derived from the prefix hash.
	response := m.responseText(req.Prompt, req.Prefill)
	seed := m.generationSeed(req.Prompt, req.Prefill)
	rng := rand.New(rand.NewSource(seed ^ int64(req.Prefix.Len())))
	all := m.tokenize(response, rand.New(rand.NewSource(seed)))

	var primary token.Token
	if req.Prefix.Len() < len(all) && prefixMatches(req.Prefix, all) {
		primary = all[req.Prefix.Len()]
	} else {
		primary = m.fragmentToken(" next", -0.3+rng.Float64()*0.02)
	}

	out := make([]token.Token, 0, k)
	out = append(out, primary)
	seen := map[string]bool{primary.Text: true}
	rank := 1
	for _, alt := range mockAlternatives {
		if len(out) == k {
			break
		}
		if seen[alt] {
			continue
		}
		seen[alt] = true
		out = append(out, m.fragmentToken(alt, primary.Logprob-0.2*float64(rank)))
		rank++
	}
	// Pad with mutated fragments when k exceeds the canned alternatives.
	for len(out) < k {
		text := primary.Text + strings.Repeat("'", rank-len(mockAlternatives))
		out = append(out, m.fragmentToken(text, primary.Logprob-0.2*float64(rank)))
		rank++
	}
	return out, nil
}

// EvaluateCompletion recovers per-token logprobs for text by re-tokenizing
// it deterministically. Implements the optional CompletionEvaluator
// capability.
func (m *Mock) EvaluateCompletion(ctx context.Context, modelID, prompt, text string) (token.Sequence, error) {
	m.evaluateCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return token.Sequence{}, err
	}
	rng := rand.New(rand.NewSource(m.generationSeed(prompt, token.Sequence{})))
	return token.FromPrefill(m.tokenize(text, rng)), nil
}

var mockContinuations = []string{
	" and this continues the earlier thought through to a natural close.",
	" which is where the mock picks the thread back up and finishes it.",
	" so the remaining tokens complete the truncated answer.",
}

func (m *Mock) buildState(modelID, promptRef string, prefill, existing token.Sequence, tail []token.Token, params completion.SamplingParams, failed bool) (*completion.State, error) {
	budget := params.MaxTokens
	truncatedByBudget := false
	if budget > 0 {
		remaining := budget - existing.Len()
		if remaining < 0 {
			remaining = 0
		}
		if len(tail) > remaining {
			tail = tail[:remaining]
			truncatedByBudget = true
		}
	}

	if !truncatedByBudget && !failed && m.cfg.EmitEndToken && len(tail) > 0 {
		tail[len(tail)-1].EndOfSequence = true
	}

	generated, err := existing.Extend(tail)
	if err != nil {
		return nil, WrapOpaque(err)
	}

	finish := completion.FinishStop
	truncated := false
	if truncatedByBudget {
		finish = completion.FinishLength
		truncated = true
	}

	return completion.New(completion.Config{
		ModelID:   modelID,
		PromptRef: promptRef,
		Prefill:   prefill,
		Generated: generated,
		Params:    params,
		Truncated: truncated,
		Finish:    finish,
		Metadata:  map[string]string{completion.MetaProvider: m.Name()},
	}), nil
}

func (m *Mock) responseText(prompt string, prefill token.Sequence) string {
	if m.cfg.ForcedResponse != "" {
		return m.cfg.ForcedResponse
	}
	seed := m.generationSeed(prompt, prefill)
	rng := rand.New(rand.NewSource(seed))
	opener := mockOpeners[rng.Intn(len(mockOpeners))]

	turn := strings.Join(strings.Fields(prompt), " ")
	if len(turn) > 120 {
		turn = strings.TrimRight(turn[:117], " ") + "..."
	}
	if turn == "" {
		return opener + " this is a deterministic placeholder completion from the mock provider."
	}
	return opener + " you mentioned " + turn + ". Here is a deterministic walkthrough that mirrors token streaming."
}

func (m *Mock) responseTokens(prompt string, prefill token.Sequence, response string) []token.Token {
	seed := m.generationSeed(prompt, prefill)
	return m.tokenize(response, rand.New(rand.NewSource(seed)))
}

// tokenize splits text into word fragments with deterministic,
// position-decaying logprobs.
func (m *Mock) tokenize(text string, rng *rand.Rand) []token.Token {
	frags := splitFragments(text)
	out := make([]token.Token, 0, len(frags))
	for i, f := range frags {
		base := -0.45 - 0.05*float64(i)
		jitter := rng.Float64()*0.06 - 0.03
		out = append(out, m.fragmentToken(f, base+jitter))
	}
	return out
}

func (m *Mock) fragmentToken(text string, logprob float64) token.Token {
	return token.New(fragmentID(text), text, logprob)
}

func (m *Mock) generationSeed(prompt string, prefill token.Sequence) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(prefill.RenderText()))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

func (m *Mock) continuationSeed(prompt string, existing token.Sequence) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	for _, t := range existing.Tokens() {
		h.Write([]byte{byte(t.ID), byte(t.ID >> 8), byte(t.ID >> 16)})
	}
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

func fragmentID(text string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return int(h.Sum32() & 0x7fffff)
}

func prefixMatches(prefix token.Sequence, response []token.Token) bool {
	if prefix.Len() > len(response) {
		return false
	}
	for i := 0; i < prefix.Len(); i++ {
		if prefix.At(i).ID != response[i].ID || prefix.At(i).Text != response[i].Text {
			return false
		}
	}
	return true
}

// splitFragments cuts text into provider-native fragments: each fragment is
// a run of non-space bytes with its leading spaces attached, so
// concatenation reproduces the input byte for byte.
func splitFragments(s string) []string {
	if s == "" {
		return nil
	}
	var frags []string
	start := 0
	inWord := false
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			if inWord {
				frags = append(frags, s[start:i])
				start = i
				inWord = false
			}
			continue
		}
		inWord = true
	}
	frags = append(frags, s[start:])
	return frags
}
