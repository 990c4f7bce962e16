// Package localmodel implements a tiny deterministic language model used by
// the local provider. It exists so the engine's token-level machinery can be
// exercised hermetically against an in-process backend with a real
// vocabulary, logits, and an explicit end-of-sequence token. It is not a
// trained model.
package localmodel

import (
	"math/rand"
	"strings"
)

// Model holds a seeded embedding matrix and output projection over a fixed
// fragment vocabulary. Logits are computed from a short window of preceding
// token embeddings, so the distribution is context dependent but fully
// deterministic for a given seed.
type Model struct {
	vocab  []string
	lookup map[string]int
	maxLen int
	eosID  int
	hidden int

	emb mat // [vocab x hidden]
	w   mat // [hidden x vocab]
}

// contextWindow is the number of trailing tokens mixed into the hidden
// state.
const contextWindow = 4

// New constructs a model with deterministic weights derived from seed.
func New(seed int64, hidden int) *Model {
	if hidden <= 0 {
		hidden = 16
	}
	vocab := buildVocab()
	m := &Model{
		vocab:  vocab,
		lookup: make(map[string]int, len(vocab)),
		eosID:  0, // vocab[0] is the end token
		hidden: hidden,
		emb:    newMat(len(vocab), hidden),
		w:      newMat(hidden, len(vocab)),
	}
	for id, frag := range vocab {
		m.lookup[frag] = id
		if len(frag) > m.maxLen {
			m.maxLen = len(frag)
		}
	}
	m.emb.fillRand(seed + 11)
	m.w.fillRand(seed + 23)
	return m
}

// VocabSize returns the vocabulary size.
func (m *Model) VocabSize() int { return len(m.vocab) }

// EOSID returns the id of the explicit end-of-sequence token.
func (m *Model) EOSID() int { return m.eosID }

// TokenText returns the raw fragment for id, or "" when out of range.
func (m *Model) TokenText(id int) string {
	if id < 0 || id >= len(m.vocab) {
		return ""
	}
	return m.vocab[id]
}

// Encode greedily maps text onto vocabulary fragments, longest match first.
// Bytes outside the vocabulary are skipped; the single-byte tier guarantees
// printable ASCII always encodes.
func (m *Model) Encode(text string) []int {
	var ids []int
	for i := 0; i < len(text); {
		matched := false
		limit := m.maxLen
		if rem := len(text) - i; rem < limit {
			limit = rem
		}
		for l := limit; l >= 1; l-- {
			if id, ok := m.lookup[text[i:i+l]]; ok {
				ids = append(ids, id)
				i += l
				matched = true
				break
			}
		}
		if !matched {
			i++
		}
	}
	return ids
}

// Logits computes the output distribution given the context token ids.
// The hidden state is the mean embedding of the last contextWindow tokens.
func (m *Model) Logits(context []int) []float32 {
	h := make([]float32, m.hidden)
	start := len(context) - contextWindow
	if start < 0 {
		start = 0
	}
	window := context[start:]
	if len(window) == 0 {
		window = []int{m.eosID}
	}
	for _, id := range window {
		if id < 0 || id >= len(m.vocab) {
			id = ((id % len(m.vocab)) + len(m.vocab)) % len(m.vocab)
		}
		row := m.emb.row(id)
		for i := range h {
			h[i] += row[i]
		}
	}
	inv := 1 / float32(len(window))
	for i := range h {
		h[i] *= inv
	}

	logits := make([]float32, len(m.vocab))
	for j := range logits {
		var sum float32
		for i := 0; i < m.hidden; i++ {
			sum += h[i] * m.w.row(i)[j]
		}
		logits[j] = sum
	}
	return logits
}

// mat is a dense row-major float32 matrix.
type mat struct {
	rows, cols int
	data       []float32
}

func newMat(rows, cols int) mat {
	return mat{rows: rows, cols: cols, data: make([]float32, rows*cols)}
}

func (m *mat) row(i int) []float32 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

func (m *mat) fillRand(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.data {
		m.data[i] = float32(rng.NormFloat64()) * 0.1
	}
}

func buildVocab() []string {
	vocab := []string{"<eos>"}
	words := strings.Split(
		"the of and to in is it that for on with as was are this be at by an have from or had not but what all were when we there can said use each which she do how their if will up other about out many then them these so some her would make like him into time has look two more write go see number no way could people my than first water been call who oil its now find long down day did get come made may part",
		" ")
	for _, w := range words {
		vocab = append(vocab, " "+w)
	}
	for c := byte(32); c < 127; c++ {
		vocab = append(vocab, string(c))
	}
	return vocab
}
