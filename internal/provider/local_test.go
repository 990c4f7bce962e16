package provider

import (
	"context"
	"testing"

	"github.com/loomkit/loom/internal/completion"
)

func TestLocalGreedyDeterministic(t *testing.T) {
	ctx := context.Background()
	params := completion.SamplingParams{Temperature: 0, MaxTokens: 8}
	req := GenerateRequest{ModelID: "local-tiny", Prompt: "the water is", Params: params}

	a, err := NewLocal(LocalConfig{Seed: 3}).Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewLocal(LocalConfig{Seed: 3}).Generate(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Generated().Equal(b.Generated()) {
		t.Fatalf("greedy decode not deterministic: %q vs %q", a.GeneratedText(), b.GeneratedText())
	}
}

func TestLocalContinuationPreservesTokens(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(LocalConfig{Seed: 3})
	first, err := l.Generate(ctx, GenerateRequest{
		ModelID: "local-tiny",
		Prompt:  "the water is",
		Params:  completion.SamplingParams{Temperature: 0, MaxTokens: 4},
	})
	if err != nil {
		t.Fatal(err)
	}

	cont, err := l.ContinueGeneration(ctx, ContinueRequest{
		ModelID:  "local-tiny",
		Prompt:   "the water is",
		Existing: first.Generated(),
		Params:   completion.SamplingParams{Temperature: 0, MaxTokens: 12},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !cont.Generated().HasPrefix(first.Generated()) {
		t.Fatal("continuation re-derived the existing tokens")
	}
}

func TestLocalCandidatesOrdered(t *testing.T) {
	l := NewLocal(LocalConfig{Seed: 3})
	cands, err := l.FetchNextTokenCandidates(context.Background(), CandidateRequest{
		ModelID: "local-tiny",
		Prompt:  "go down",
		K:       10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 10 {
		t.Fatalf("got %d candidates", len(cands))
	}
	for i := 1; i < len(cands); i++ {
		if cands[i].Logprob > cands[i-1].Logprob {
			t.Fatalf("candidate order violated at %d", i)
		}
	}
	for _, c := range cands {
		if !c.HasLogprob {
			t.Fatal("candidate missing logprob")
		}
	}
}

func TestLocalEOSEndsGeneration(t *testing.T) {
	// A large budget eventually samples the end token on the greedy path
	// for some seed; instead force it by checking the invariant: when
	// finish is stop, the sequence ends with an explicit end token.
	l := NewLocal(LocalConfig{Seed: 9})
	st, err := l.Generate(context.Background(), GenerateRequest{
		ModelID: "local-tiny",
		Prompt:  "a",
		Params:  completion.SamplingParams{Temperature: 0.8, Seed: 17, TopK: 20, MaxTokens: 400},
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.Finish() == completion.FinishStop && !st.Generated().EndsWithEOS() {
		t.Fatal("stop finish without end token")
	}
	if st.Finish() == completion.FinishLength && st.Generated().Len() != 400 {
		t.Fatalf("length finish with %d tokens", st.Generated().Len())
	}
}
