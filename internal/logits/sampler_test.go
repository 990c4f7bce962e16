package logits

import (
	"math"
	"testing"
)

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical results when sampling the same logits vector.
func TestSamplerDeterminism(t *testing.T) {
	logs := []float32{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	a := s1.Sample(logs)
	b := s2.Sample(logs)
	if a != b {
		t.Fatalf("expected deterministic sample, got %d vs %d", a, b)
	}
}

// TestSamplerGreedy tests that zero temperature returns the index of the
// maximum logit.
func TestSamplerGreedy(t *testing.T) {
	logs := []float32{-1, 5, 3, 7, 2}
	s := NewSampler(SamplerConfig{Seed: 99, Temperature: 0})
	if idx := s.Sample(logs); idx != 3 {
		t.Fatalf("expected greedy index 3, got %d", idx)
	}
}

// TestSamplerTopP ensures that a dominant logit with TopP < 1 restricts
// sampling to the head of the distribution.
func TestSamplerTopP(t *testing.T) {
	logs := []float32{10, 0, 0, 0, 0}
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1.0, TopK: 5, TopP: 0.5})
	for i := 0; i < 10; i++ {
		if idx := s.Sample(logs); idx != 0 {
			t.Fatalf("top-p sampling returned unexpected index %d", idx)
		}
	}
}

func TestTopIndicesOrderAndStability(t *testing.T) {
	logs := []float32{1, 5, 5, 3, 9}
	got := TopIndices(logs, 4)
	want := []int{4, 1, 2, 3} // ties at value 5 keep index order
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLogprobsSumToOne(t *testing.T) {
	logs := []float32{0.3, -1.2, 2.4, 0}
	lps := Logprobs(logs)
	var sum float64
	for _, lp := range lps {
		sum += math.Exp(lp)
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("probabilities sum to %v, want 1", sum)
	}
	best := 0
	for i := range lps {
		if lps[i] > lps[best] {
			best = i
		}
	}
	if best != 2 {
		t.Fatalf("max logprob at %d, want 2", best)
	}
}
