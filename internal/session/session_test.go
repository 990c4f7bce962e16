package session

import (
	"context"
	"errors"
	"testing"

	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/provider"
	"github.com/loomkit/loom/internal/token"
)

func testRegistry(cfg provider.MockConfig) (*provider.Registry, *provider.Mock) {
	mock := provider.NewMock(cfg)
	reg := provider.NewRegistry()
	reg.Register(provider.MockModelID, mock)
	return reg, mock
}

func TestNewUnknownModel(t *testing.T) {
	reg, _ := testRegistry(provider.MockConfig{})
	_, err := New(reg, Config{ModelID: "nope", Prompt: "p"})
	if !errors.Is(err, provider.ErrUnknownModel) {
		t.Fatalf("got %v, want ErrUnknownModel", err)
	}
}

func TestBudgetCheckedBeforeProviderCall(t *testing.T) {
	reg, mock := testRegistry(provider.MockConfig{})
	_, err := New(reg, Config{
		ModelID: provider.MockModelID,
		Prompt:  "a fairly long prompt that does not fit",
		Params:  completion.SamplingParams{MaxTokens: 100, ContextLength: 5},
	})
	if !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("got %v, want ErrContextOverflow", err)
	}
	if g, c, ct := mock.Calls(); g+c+ct != 0 {
		t.Fatalf("provider was called: generate=%d candidates=%d continue=%d", g, c, ct)
	}
}

func TestGenerateNormalizesTruncation(t *testing.T) {
	tests := []struct {
		name          string
		cfg           provider.MockConfig
		maxTokens     int
		wantTruncated bool
		wantFinish    completion.FinishReason
	}{
		{
			name:          "budget cut without end token",
			cfg:           provider.MockConfig{},
			maxTokens:     3,
			wantTruncated: true,
			wantFinish:    completion.FinishLength,
		},
		{
			name:          "natural stop with end token",
			cfg:           provider.MockConfig{EmitEndToken: true},
			maxTokens:     64,
			wantTruncated: false,
			wantFinish:    completion.FinishStop,
		},
		{
			name:          "exact budget fill ending in end token",
			cfg:           provider.MockConfig{EmitEndToken: true, ForcedResponse: " Paris"},
			maxTokens:     1,
			wantTruncated: false,
			wantFinish:    completion.FinishStop,
		},
		{
			// The provider reports a natural stop, but the budget is
			// filled and no end token was emitted: still truncated.
			name:          "exact budget fill without end token",
			cfg:           provider.MockConfig{ForcedResponse: " Paris"},
			maxTokens:     1,
			wantTruncated: true,
			wantFinish:    completion.FinishLength,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg, _ := testRegistry(tc.cfg)
			s, err := New(reg, Config{
				ModelID: provider.MockModelID,
				Prompt:  "The capital of France is",
				Params:  completion.SamplingParams{MaxTokens: tc.maxTokens},
			})
			if err != nil {
				t.Fatal(err)
			}
			st, err := s.Generate(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if st.Truncated() != tc.wantTruncated || st.Finish() != tc.wantFinish {
				t.Fatalf("truncated=%v finish=%v, want %v/%v",
					st.Truncated(), st.Finish(), tc.wantTruncated, tc.wantFinish)
			}
		})
	}
}

func TestGenerateKeepsPartialOnFailure(t *testing.T) {
	wantErr := errors.New("backend fell over")
	reg, _ := testRegistry(provider.MockConfig{FailWith: wantErr, FailAfter: 2})
	s, err := New(reg, Config{
		ModelID: provider.MockModelID,
		Prompt:  "p",
		Params:  completion.SamplingParams{MaxTokens: 16},
	})
	if err != nil {
		t.Fatal(err)
	}
	st, err := s.Generate(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("got err %v", err)
	}
	if st == nil {
		t.Fatal("partial completion discarded")
	}
	if st.Generated().Len() != 2 || !st.Truncated() || st.Finish() != completion.FinishError {
		t.Fatalf("partial state: len=%d truncated=%v finish=%v",
			st.Generated().Len(), st.Truncated(), st.Finish())
	}
}

func TestStepperWalk(t *testing.T) {
	reg, _ := testRegistry(provider.MockConfig{})
	s, err := New(reg, Config{
		ModelID: provider.MockModelID,
		Prompt:  "Describe a lake.",
		Params:  completion.SamplingParams{MaxTokens: 3},
	})
	if err != nil {
		t.Fatal(err)
	}

	st := s.Stepper()
	if st.State() != StepIdle {
		t.Fatalf("initial state %s", st.State())
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cands, err := st.FetchCandidates(ctx, 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(cands) != 5 {
			t.Fatalf("step %d: %d candidates", i, len(cands))
		}
		if st.State() != StepAwaitingSelection {
			t.Fatalf("step %d: state %s", i, st.State())
		}
		if err := st.Select(cands[0]); err != nil {
			t.Fatal(err)
		}
	}
	if st.State() != StepFinished {
		t.Fatalf("state after budget %s", st.State())
	}

	out, err := st.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if out.Generated().Len() != 3 {
		t.Fatalf("finalized %d tokens", out.Generated().Len())
	}
	if !out.Truncated() || out.Finish() != completion.FinishLength {
		t.Fatalf("truncated=%v finish=%v", out.Truncated(), out.Finish())
	}
	if out.Meta(completion.MetaProvider) != "mock" {
		t.Fatalf("provider meta %q", out.Meta(completion.MetaProvider))
	}
}

func TestStepperWalkMatchesGenerate(t *testing.T) {
	// Selecting the primary candidate at every position reproduces the
	// whole-completion path token for token.
	reg, _ := testRegistry(provider.MockConfig{})
	cfg := Config{
		ModelID: provider.MockModelID,
		Prompt:  "Describe a lake.",
		Params:  completion.SamplingParams{MaxTokens: 4},
	}
	s, err := New(reg, cfg)
	if err != nil {
		t.Fatal(err)
	}
	whole, err := s.Generate(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	st := s.Stepper()
	ctx := context.Background()
	for st.State() != StepFinished {
		cands, err := st.FetchCandidates(ctx, 3)
		if err != nil {
			t.Fatal(err)
		}
		if err := st.Select(cands[0]); err != nil {
			t.Fatal(err)
		}
	}
	stepped, err := st.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if !stepped.Generated().Equal(whole.Generated()) {
		t.Fatalf("stepped %q, generated %q", stepped.GeneratedText(), whole.GeneratedText())
	}
}

func TestStepperRejectsForeignToken(t *testing.T) {
	reg, mock := testRegistry(provider.MockConfig{})
	s, err := New(reg, Config{
		ModelID: provider.MockModelID,
		Prompt:  "p",
		Params:  completion.SamplingParams{MaxTokens: 8},
	})
	if err != nil {
		t.Fatal(err)
	}

	st := s.Stepper()
	cands, err := st.FetchCandidates(context.Background(), 4)
	if err != nil {
		t.Fatal(err)
	}
	_, candBefore, _ := mock.Calls()

	foreign := token.New(999999, " nonsense", -0.1)
	if err := st.Select(foreign); !errors.Is(err, ErrInvalidTokenSelection) {
		t.Fatalf("got %v, want ErrInvalidTokenSelection", err)
	}
	if st.State() != StepAwaitingSelection {
		t.Fatalf("state changed to %s", st.State())
	}
	if st.Sequence().Len() != 0 {
		t.Fatal("rejected selection was committed")
	}
	if _, candAfter, _ := mock.Calls(); candAfter != candBefore {
		t.Fatal("rejected selection reached the provider")
	}

	// The held set is still selectable afterward.
	if err := st.Select(cands[1]); err != nil {
		t.Fatal(err)
	}
	if st.Sequence().Len() != 1 {
		t.Fatalf("sequence len %d", st.Sequence().Len())
	}
}

func TestStepperContinueFinishesWalk(t *testing.T) {
	reg, mock := testRegistry(provider.MockConfig{EmitEndToken: true})
	s, err := New(reg, Config{
		ModelID: provider.MockModelID,
		Prompt:  "Tell me a story.",
		Params:  completion.SamplingParams{MaxTokens: 64},
	})
	if err != nil {
		t.Fatal(err)
	}

	st := s.Stepper()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		cands, err := st.FetchCandidates(ctx, 3)
		if err != nil {
			t.Fatal(err)
		}
		if err := st.Select(cands[0]); err != nil {
			t.Fatal(err)
		}
	}
	stepped := st.Sequence()

	out, err := st.Continue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State() != StepFinished {
		t.Fatalf("state %s", st.State())
	}
	if !out.Generated().HasPrefix(stepped) {
		t.Fatal("continuation altered stepped tokens")
	}
	if out.Generated().Len() <= stepped.Len() {
		t.Fatal("continuation added nothing")
	}
	if out.Truncated() || out.Finish() != completion.FinishStop {
		t.Fatalf("truncated=%v finish=%v", out.Truncated(), out.Finish())
	}
	if _, _, c := mock.Calls(); c != 1 {
		t.Fatalf("continue calls %d", c)
	}

	// The finalized walk adopts the continued sequence.
	fin, err := st.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if !fin.Generated().Equal(out.Generated()) {
		t.Fatalf("finalized %q, continued %q", fin.GeneratedText(), out.GeneratedText())
	}

	if _, err := st.Continue(ctx); !errors.Is(err, ErrBadState) {
		t.Fatalf("continue from finished: %v", err)
	}
}

func TestStepperContinueProviderFailure(t *testing.T) {
	wantErr := errors.New("continue broke")
	reg, _ := testRegistry(provider.MockConfig{FailWith: wantErr})
	s, err := New(reg, Config{
		ModelID: provider.MockModelID,
		Prompt:  "p",
		Params:  completion.SamplingParams{MaxTokens: 16},
	})
	if err != nil {
		t.Fatal(err)
	}

	st := s.Stepper()
	out, err := st.Continue(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v", err)
	}
	if st.State() != StepError {
		t.Fatalf("state %s", st.State())
	}
	if !errors.Is(st.Err(), wantErr) {
		t.Fatalf("held err %v", st.Err())
	}
	if out == nil || out.Finish() != completion.FinishError || !out.Truncated() {
		t.Fatalf("partial state %+v", out)
	}
}

func TestStepperStateGuards(t *testing.T) {
	reg, _ := testRegistry(provider.MockConfig{})
	s, err := New(reg, Config{ModelID: provider.MockModelID, Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}

	st := s.Stepper()
	if err := st.Select(token.New(1, " a", -0.1)); !errors.Is(err, ErrBadState) {
		t.Fatalf("select from idle: %v", err)
	}
	if _, err := st.Finalize(); !errors.Is(err, ErrBadState) {
		t.Fatalf("finalize from idle: %v", err)
	}
	if err := st.Cancel(); err != nil {
		t.Fatal(err)
	}
	if err := st.Cancel(); !errors.Is(err, ErrBadState) {
		t.Fatalf("cancel from finished: %v", err)
	}
	if _, err := st.FetchCandidates(context.Background(), 3); !errors.Is(err, ErrBadState) {
		t.Fatalf("fetch from finished: %v", err)
	}

	out, err := st.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if !out.Truncated() {
		t.Fatal("canceled walk not marked truncated")
	}
}

func TestStepperProviderFailure(t *testing.T) {
	wantErr := errors.New("candidates broke")
	reg, _ := testRegistry(provider.MockConfig{FailWith: wantErr})
	s, err := New(reg, Config{ModelID: provider.MockModelID, Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}

	st := s.Stepper()
	if _, err := st.FetchCandidates(context.Background(), 3); !errors.Is(err, wantErr) {
		t.Fatalf("got %v", err)
	}
	if st.State() != StepError {
		t.Fatalf("state %s", st.State())
	}
	if !errors.Is(st.Err(), wantErr) {
		t.Fatalf("held err %v", st.Err())
	}
}

func TestContinuePreservesTokens(t *testing.T) {
	reg, _ := testRegistry(provider.MockConfig{})
	s, err := New(reg, Config{
		ModelID: provider.MockModelID,
		Prompt:  "Tell me a story.",
		Params:  completion.SamplingParams{MaxTokens: 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	first, err := s.Generate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !first.Truncated() {
		t.Fatal("expected a budget-truncated completion to continue")
	}

	// Widen the budget for the continuation pass.
	s2, err := New(reg, Config{
		ModelID: provider.MockModelID,
		Prompt:  "Tell me a story.",
		Params:  completion.SamplingParams{MaxTokens: 64},
	})
	if err != nil {
		t.Fatal(err)
	}
	cont, err := s2.Continue(context.Background(), first)
	if err != nil {
		t.Fatal(err)
	}
	if !cont.Generated().HasPrefix(first.Generated()) {
		t.Fatal("continuation altered existing tokens")
	}
	if cont.Generated().Len() <= first.Generated().Len() {
		t.Fatal("continuation added nothing")
	}
	if cont.ID() == first.ID() {
		t.Fatal("continuation reused the original id")
	}
	if cont.Meta(completion.MetaContinuedFrom) != first.ID() {
		t.Fatalf("continued_from %q", cont.Meta(completion.MetaContinuedFrom))
	}
	if cont.LowFidelity() {
		t.Fatal("exact continuation tagged low fidelity")
	}
}

func TestContinueBudgetCountsPriorPrefill(t *testing.T) {
	// The session has no prefill of its own, but the continuation sends
	// the prior completion's prefill; the budget check must count that
	// one, not the session's.
	reg, mock := testRegistry(provider.MockConfig{})
	s, err := New(reg, Config{
		ModelID: provider.MockModelID,
		Prompt:  "p",
		Params:  completion.SamplingParams{MaxTokens: 4, ContextLength: 8},
	})
	if err != nil {
		t.Fatal(err)
	}

	prior := completion.New(completion.Config{
		ModelID: provider.MockModelID,
		Prefill: token.FromPrefill([]token.Token{
			token.New(1, "a", -0.1),
			token.New(2, " long", -0.1),
			token.New(3, " prefill", -0.1),
		}),
		Generated: token.FromPrefill([]token.Token{
			token.New(4, " some", -0.1),
			token.New(5, " output", -0.1),
		}),
		Truncated: true,
		Finish:    completion.FinishLength,
		Metadata:  map[string]string{completion.MetaProvider: "mock"},
	})

	if _, err := s.Continue(context.Background(), prior); !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("got %v, want ErrContextOverflow", err)
	}
	if _, _, c := mock.Calls(); c != 0 {
		t.Fatalf("overflowing continuation reached the provider: %d calls", c)
	}
}

func TestContinueRejectsForeignCompletion(t *testing.T) {
	reg, _ := testRegistry(provider.MockConfig{})
	s, err := New(reg, Config{ModelID: provider.MockModelID, Prompt: "p"})
	if err != nil {
		t.Fatal(err)
	}

	foreign := completion.New(completion.Config{
		ModelID:  "other-model",
		Finish:   completion.FinishLength,
		Metadata: map[string]string{completion.MetaProvider: "mock"},
	})
	if _, err := s.Continue(context.Background(), foreign); !errors.Is(err, ErrModelMismatch) {
		t.Fatalf("model mismatch: got %v", err)
	}

	wrongProvider := completion.New(completion.Config{
		ModelID:  provider.MockModelID,
		Finish:   completion.FinishLength,
		Metadata: map[string]string{completion.MetaProvider: "remote"},
	})
	if _, err := s.Continue(context.Background(), wrongProvider); !errors.Is(err, ErrModelMismatch) {
		t.Fatalf("provider mismatch: got %v", err)
	}
}

func TestContinueLowFidelity(t *testing.T) {
	reg, mock := testRegistry(provider.MockConfig{})
	s, err := New(reg, Config{
		ModelID: provider.MockModelID,
		Prompt:  "p",
		Params:  completion.SamplingParams{MaxTokens: 64},
	})
	if err != nil {
		t.Fatal(err)
	}

	// A completion from some other stack entirely; only its text carries
	// over.
	foreign := completion.New(completion.Config{
		ModelID: "other-model",
		Generated: token.FromPrefill([]token.Token{
			token.New(1, "Half an answer", -0.2),
		}),
		Truncated: true,
		Finish:    completion.FinishLength,
	})

	cont, err := s.ContinueLowFidelity(context.Background(), foreign)
	if err != nil {
		t.Fatal(err)
	}
	if !cont.LowFidelity() {
		t.Fatal("result not tagged low fidelity")
	}
	if cont.Meta(completion.MetaContinuedFrom) != foreign.ID() {
		t.Fatalf("continued_from %q", cont.Meta(completion.MetaContinuedFrom))
	}
	if cont.Generated().Len() == 0 {
		t.Fatal("empty continuation")
	}
	if g, _, c := mock.Calls(); g != 0 || c != 1 {
		t.Fatalf("generate=%d continue=%d", g, c)
	}
}
