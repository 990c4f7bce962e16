package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/loomkit/loom/internal/completion"
)

func mockGenReq(params completion.SamplingParams) GenerateRequest {
	return GenerateRequest{
		ModelID:   MockModelID,
		PromptRef: "p1",
		Prompt:    "What is the capital of France?",
		Params:    params,
	}
}

func TestMockGenerateDeterministic(t *testing.T) {
	m := NewMock(MockConfig{})
	ctx := context.Background()
	params := completion.SamplingParams{MaxTokens: 32, ContextLength: 1024}

	a, err := m.Generate(ctx, mockGenReq(params))
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Generate(ctx, mockGenReq(params))
	if err != nil {
		t.Fatal(err)
	}
	if !a.Generated().Equal(b.Generated()) {
		t.Fatalf("mock not deterministic: %q vs %q", a.GeneratedText(), b.GeneratedText())
	}
	if a.Generated().Len() == 0 {
		t.Fatal("empty generation")
	}
}

func TestMockGenerateTruncatesAtBudget(t *testing.T) {
	m := NewMock(MockConfig{EmitEndToken: true})
	st, err := m.Generate(context.Background(), mockGenReq(completion.SamplingParams{MaxTokens: 3}))
	if err != nil {
		t.Fatal(err)
	}
	if st.Generated().Len() != 3 {
		t.Fatalf("got %d tokens, want 3", st.Generated().Len())
	}
	if st.Finish() != completion.FinishLength {
		t.Fatalf("got finish %q, want length", st.Finish())
	}
	if st.Generated().EndsWithEOS() {
		t.Fatal("truncated completion must not carry an end token")
	}
}

func TestMockEmitsEndTokenWhenResponseFits(t *testing.T) {
	m := NewMock(MockConfig{EmitEndToken: true, ForcedResponse: " Paris"})
	st, err := m.Generate(context.Background(), mockGenReq(completion.SamplingParams{MaxTokens: 4}))
	if err != nil {
		t.Fatal(err)
	}
	if st.Generated().Len() != 1 {
		t.Fatalf("got %d tokens, want 1", st.Generated().Len())
	}
	if !st.Generated().EndsWithEOS() {
		t.Fatal("expected end token on final fragment")
	}
	if st.Finish() != completion.FinishStop {
		t.Fatalf("got finish %q, want stop", st.Finish())
	}
}

func TestMockCandidatesNonIncreasing(t *testing.T) {
	m := NewMock(MockConfig{})
	cands, err := m.FetchNextTokenCandidates(context.Background(), CandidateRequest{
		ModelID: MockModelID,
		Prompt:  "hello",
		K:       5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 5 {
		t.Fatalf("got %d candidates, want 5", len(cands))
	}
	for i := 1; i < len(cands); i++ {
		if cands[i].Logprob > cands[i-1].Logprob {
			t.Fatalf("candidates increase at %d: %v then %v", i, cands[i-1].Logprob, cands[i].Logprob)
		}
	}
}

func TestMockCandidatesClampK(t *testing.T) {
	m := NewMock(MockConfig{MaxCandidates: 4})
	cands, err := m.FetchNextTokenCandidates(context.Background(), CandidateRequest{
		ModelID: MockModelID,
		Prompt:  "hello",
		K:       50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 4 {
		t.Fatalf("got %d candidates, want clamped 4", len(cands))
	}
}

func TestMockContinuationExtendsExactTokens(t *testing.T) {
	m := NewMock(MockConfig{})
	ctx := context.Background()
	first, err := m.Generate(ctx, mockGenReq(completion.SamplingParams{MaxTokens: 4}))
	if err != nil {
		t.Fatal(err)
	}
	if !first.Truncated() {
		t.Fatal("expected truncated first pass")
	}

	cont, err := m.ContinueGeneration(ctx, ContinueRequest{
		ModelID:  MockModelID,
		Prompt:   "What is the capital of France?",
		Existing: first.Generated(),
		Params:   completion.SamplingParams{MaxTokens: 32},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !cont.Generated().HasPrefix(first.Generated()) {
		t.Fatalf("continuation does not preserve tokens: %q vs prefix %q",
			cont.GeneratedText(), first.GeneratedText())
	}
	if cont.Generated().Len() <= first.Generated().Len() {
		t.Fatal("continuation added no tokens")
	}
}

func TestMockFailurePreservesPartial(t *testing.T) {
	m := NewMock(MockConfig{FailWith: ErrUnavailable, FailAfter: 2})
	st, err := m.Generate(context.Background(), mockGenReq(completion.SamplingParams{MaxTokens: 16}))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
	if st == nil {
		t.Fatal("partial completion discarded")
	}
	if st.Generated().Len() != 2 {
		t.Fatalf("got %d partial tokens, want 2", st.Generated().Len())
	}
	if !st.Truncated() || st.Finish() != completion.FinishError {
		t.Fatalf("partial not marked truncated/error: %v %q", st.Truncated(), st.Finish())
	}
}

func TestMockCallCounters(t *testing.T) {
	m := NewMock(MockConfig{})
	ctx := context.Background()
	if _, err := m.Generate(ctx, mockGenReq(completion.SamplingParams{MaxTokens: 2})); err != nil {
		t.Fatal(err)
	}
	if _, err := m.FetchNextTokenCandidates(ctx, CandidateRequest{Prompt: "x", K: 3}); err != nil {
		t.Fatal(err)
	}
	g, c, co := m.Calls()
	if g != 1 || c != 1 || co != 0 {
		t.Fatalf("got calls %d/%d/%d, want 1/1/0", g, c, co)
	}
}

func TestSplitFragmentsRoundTrips(t *testing.T) {
	cases := []string{
		"Sure, you mentioned things.",
		"  leading and trailing  ",
		"one",
		" two words",
	}
	for _, text := range cases {
		var sb string
		for _, f := range splitFragments(text) {
			sb += f
		}
		if sb != text {
			t.Fatalf("fragments of %q reassemble to %q", text, sb)
		}
	}
}

func TestMockEvaluateCompletionMatchesText(t *testing.T) {
	m := NewMock(MockConfig{})
	seq, err := m.EvaluateCompletion(context.Background(), MockModelID, "prompt", "Sure, a reply")
	if err != nil {
		t.Fatal(err)
	}
	if seq.RenderText() != "Sure, a reply" {
		t.Fatalf("got %q", seq.RenderText())
	}
	if seq.Len() == 0 || !seq.At(0).HasLogprob {
		t.Fatal("expected scored tokens")
	}
}

var _ CompletionEvaluator = (*Mock)(nil)
var _ GenerationProvider = (*Mock)(nil)
var _ GenerationProvider = (*Local)(nil)
var _ GenerationProvider = (*Remote)(nil)

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	mock := NewMock(MockConfig{})
	reg.Register(MockModelID, mock)

	p, err := reg.Resolve(MockModelID)
	if err != nil {
		t.Fatal(err)
	}
	if p != GenerationProvider(mock) {
		t.Fatal("wrong provider resolved")
	}

	if _, err := reg.Resolve("nope"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("got %v, want ErrUnknownModel", err)
	}

	models := reg.Models()
	if len(models) != 1 || models[0] != MockModelID {
		t.Fatalf("got models %v", models)
	}
}

func TestWrapOpaque(t *testing.T) {
	cause := errors.New("backend exploded")
	err := WrapOpaque(cause)
	if !errors.Is(err, ErrProvider) {
		t.Fatal("wrapped error does not match ErrProvider")
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause lost through wrapping")
	}
	if WrapOpaque(nil) != nil {
		t.Fatal("WrapOpaque(nil) should be nil")
	}
}
