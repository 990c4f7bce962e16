// Package logits samples token indices from raw logit vectors. It is the
// sampling half of the local model backend; remote backends sample on their
// own side.
package logits

import (
	"math"
	"math/rand"
	"sort"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed        int64
	Temperature float64
	TopK        int
	TopP        float64
}

type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
}

// NewSampler returns a new sampler with the provided configuration.
// Temperature <= 0 selects the greedy path.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws a single index from the provided logits vector: greedy
// argmax when configured, otherwise temperature scaling, top-k shortlist,
// softmax, optional top-p truncation, and a seeded draw.
func (s *Sampler) Sample(logits []float32) int {
	if len(logits) == 0 {
		return 0
	}
	if s.greedy {
		return argmax(logits)
	}

	shortlist := TopIndices(logits, s.cfg.TopK)
	probs := make([]float64, len(shortlist))
	var maxVal float64 = math.Inf(-1)
	for _, idx := range shortlist {
		v := float64(logits[idx]) / s.cfg.Temperature
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i, idx := range shortlist {
		p := math.Exp(float64(logits[idx])/s.cfg.Temperature - maxVal)
		probs[i] = p
		sum += p
	}
	for i := range probs {
		probs[i] /= sum
	}

	limit := len(probs)
	if s.cfg.TopP < 1 {
		var cum float64
		for i, p := range probs {
			cum += p
			if cum >= s.cfg.TopP {
				limit = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var cum float64
	for i := 0; i < limit; i++ {
		cum += probs[i]
		if r < cum {
			return shortlist[i]
		}
	}
	return shortlist[limit-1]
}

// TopIndices returns the indices of the k largest logits in non-increasing
// value order. The sort is stable: equal logits keep their index order, so
// no tie-break beyond the backend's emission order is invented.
func TopIndices(logits []float32, k int) []int {
	if k <= 0 || k > len(logits) {
		k = len(logits)
	}
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return logits[idx[a]] > logits[idx[b]]
	})
	return idx[:k]
}

// Logprobs computes the log-softmax of the full logits vector.
func Logprobs(logits []float32) []float64 {
	out := make([]float64, len(logits))
	var maxVal float64 = math.Inf(-1)
	for _, v := range logits {
		if float64(v) > maxVal {
			maxVal = float64(v)
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - maxVal)
	}
	logSum := math.Log(sum) + maxVal
	for i, v := range logits {
		out[i] = float64(v) - logSum
	}
	return out
}

func argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}
