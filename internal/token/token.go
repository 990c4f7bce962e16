package token

import (
	"math"
	"strings"
)

// NoPreceding marks a token that carries no provider-reported preceding
// context hint.
const NoPreceding = -1

// Token is a single provider-native token. Text holds the raw bytes the
// provider emitted for this token; it is never normalized, trimmed, or
// re-escaped, so concatenating fragments reproduces the provider output
// byte for byte.
type Token struct {
	// ID is the opaque vocabulary index assigned by the provider.
	ID int
	// Text is the raw fragment emitted by the provider.
	Text string
	// Logprob is the natural-log probability of this token given its
	// context. Valid only when HasLogprob is set.
	Logprob    float64
	HasLogprob bool
	// EndOfSequence is set by the provider on explicit end tokens.
	EndOfSequence bool
	// PrecedingID is the provider-reported id of the token expected to
	// precede this one, or NoPreceding when the provider gave no hint.
	PrecedingID int
}

// New constructs a token with a known logprob and no preceding-context hint.
func New(id int, text string, logprob float64) Token {
	return Token{ID: id, Text: text, Logprob: logprob, HasLogprob: true, PrecedingID: NoPreceding}
}

// Sequence is an immutable ordered collection of tokens. The zero value is
// an empty sequence. Append returns a new Sequence and never mutates the
// receiver; prefixes obtained through Slice share the backing array.
type Sequence struct {
	tokens []Token
}

// FromPrefill builds a sequence from prefill tokens. The input slice is
// copied so later mutation by the caller cannot reach the sequence.
func FromPrefill(tokens []Token) Sequence {
	if len(tokens) == 0 {
		return Sequence{}
	}
	cp := make([]Token, len(tokens))
	copy(cp, tokens)
	return Sequence{tokens: cp}
}

// Len returns the number of tokens in the sequence.
func (s Sequence) Len() int {
	return len(s.tokens)
}

// At returns the token at index i.
func (s Sequence) At(i int) Token {
	return s.tokens[i]
}

// Last returns the final token and true, or a zero token and false when the
// sequence is empty.
func (s Sequence) Last() (Token, bool) {
	if len(s.tokens) == 0 {
		return Token{}, false
	}
	return s.tokens[len(s.tokens)-1], true
}

// Append returns a new sequence consisting of s followed by t. When t
// carries a preceding-context hint it is verified against the tail of s;
// a mismatch returns ErrSequenceMismatch and leaves s untouched (no
// mutation is possible, sequences are immutable).
func (s Sequence) Append(t Token) (Sequence, error) {
	if t.PrecedingID != NoPreceding {
		tailID := NoPreceding
		if last, ok := s.Last(); ok {
			tailID = last.ID
		}
		if tailID != t.PrecedingID {
			return Sequence{}, newMismatch(len(s.tokens), t.PrecedingID, tailID)
		}
	}
	// Full-slice expression forces a fresh backing array, so sequences
	// sharing a prefix can never observe each other's appends.
	return Sequence{tokens: append(s.tokens[:len(s.tokens):len(s.tokens)], t)}, nil
}

// Extend appends every token in tail, failing on the first mismatch.
func (s Sequence) Extend(tail []Token) (Sequence, error) {
	out := s
	var err error
	for _, t := range tail {
		out, err = out.Append(t)
		if err != nil {
			return Sequence{}, err
		}
	}
	return out, nil
}

// Slice returns the subsequence [i, j). The result shares the backing array
// with s, which is safe because sequences are never mutated in place.
func (s Sequence) Slice(i, j int) Sequence {
	return Sequence{tokens: s.tokens[i:j:j]}
}

// Prefix returns the first n tokens of s.
func (s Sequence) Prefix(n int) Sequence {
	return s.Slice(0, n)
}

// Tokens returns a copy of the underlying tokens.
func (s Sequence) Tokens() []Token {
	if len(s.tokens) == 0 {
		return nil
	}
	cp := make([]Token, len(s.tokens))
	copy(cp, s.tokens)
	return cp
}

// RenderText concatenates the raw fragments. There is no semantic guarantee
// about whitespace; this is purely the provider's byte stream.
func (s Sequence) RenderText() string {
	var sb strings.Builder
	for _, t := range s.tokens {
		sb.WriteString(t.Text)
	}
	return sb.String()
}

// Equal reports whether two sequences hold identical tokens, compared by
// id and raw text.
func (s Sequence) Equal(other Sequence) bool {
	if len(s.tokens) != len(other.tokens) {
		return false
	}
	for i, t := range s.tokens {
		o := other.tokens[i]
		if t.ID != o.ID || t.Text != o.Text {
			return false
		}
	}
	return true
}

// HasPrefix reports whether s begins with prefix, token for token.
func (s Sequence) HasPrefix(prefix Sequence) bool {
	if prefix.Len() > s.Len() {
		return false
	}
	return s.Prefix(prefix.Len()).Equal(prefix)
}

// MinLogprob returns the smallest logprob across the sequence, used to
// score beams by their weakest token. Returns 0 when no token carries a
// logprob.
func (s Sequence) MinLogprob() float64 {
	min := math.Inf(1)
	seen := false
	for _, t := range s.tokens {
		if !t.HasLogprob {
			continue
		}
		seen = true
		if t.Logprob < min {
			min = t.Logprob
		}
	}
	if !seen {
		return 0
	}
	return min
}

// EndsWithEOS reports whether the final token is an explicit end token.
func (s Sequence) EndsWithEOS() bool {
	last, ok := s.Last()
	return ok && last.EndOfSequence
}
