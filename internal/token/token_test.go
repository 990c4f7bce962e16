package token

import (
	"errors"
	"fmt"
	"testing"
)

func seq(t *testing.T, texts ...string) Sequence {
	t.Helper()
	toks := make([]Token, 0, len(texts))
	for i, txt := range texts {
		toks = append(toks, New(100+i, txt, -0.5-0.05*float64(i)))
	}
	return FromPrefill(toks)
}

func TestAppendPreservesPrefix(t *testing.T) {
	s := seq(t, "The", " capital", " of")
	for i := 0; i < 8; i++ {
		next, err := s.Append(New(200+i, fmt.Sprintf(" w%d", i), -1.0))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if next.Len() != s.Len()+1 {
			t.Fatalf("append %d: got len %d, want %d", i, next.Len(), s.Len()+1)
		}
		if !next.Prefix(s.Len()).Equal(s) {
			t.Fatalf("append %d: prefix changed", i)
		}
		s = next
	}
}

func TestAppendDoesNotMutateSharedPrefix(t *testing.T) {
	base := seq(t, "a", "b")
	left, err := base.Append(New(1, "L", -1))
	if err != nil {
		t.Fatal(err)
	}
	right, err := base.Append(New(2, "R", -1))
	if err != nil {
		t.Fatal(err)
	}
	if left.At(2).Text != "L" {
		t.Fatalf("left tail clobbered: got %q", left.At(2).Text)
	}
	if right.At(2).Text != "R" {
		t.Fatalf("right tail clobbered: got %q", right.At(2).Text)
	}
	if base.Len() != 2 {
		t.Fatalf("base grew: len %d", base.Len())
	}
}

func TestAppendVerifiesPrecedingHint(t *testing.T) {
	s := seq(t, "x") // token id 100

	ok := New(7, "y", -1)
	ok.PrecedingID = 100
	if _, err := s.Append(ok); err != nil {
		t.Fatalf("matching hint rejected: %v", err)
	}

	bad := New(8, "z", -1)
	bad.PrecedingID = 999
	_, err := s.Append(bad)
	if !errors.Is(err, ErrSequenceMismatch) {
		t.Fatalf("got %v, want ErrSequenceMismatch", err)
	}
	// Sequence unchanged after the failed append.
	if s.Len() != 1 || s.At(0).Text != "x" {
		t.Fatal("sequence modified by failed append")
	}
}

func TestAppendHintAgainstEmptySequence(t *testing.T) {
	var empty Sequence
	bad := New(1, "a", -1)
	bad.PrecedingID = 42
	if _, err := empty.Append(bad); !errors.Is(err, ErrSequenceMismatch) {
		t.Fatalf("got %v, want ErrSequenceMismatch", err)
	}
}

func TestRenderTextPreservesBytes(t *testing.T) {
	s := seq(t, "Sure", ",", " here\n", "\tis\x00raw")
	want := "Sure, here\n\tis\x00raw"
	if got := s.RenderText(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSliceSharesTokens(t *testing.T) {
	s := seq(t, "a", "b", "c", "d")
	p := s.Slice(0, 2)
	if p.Len() != 2 || p.At(1).Text != "b" {
		t.Fatalf("unexpected slice contents: %v", p.Tokens())
	}
	// Appending to the slice must not disturb the original.
	grown, err := p.Append(New(9, "X", -1))
	if err != nil {
		t.Fatal(err)
	}
	if s.At(2).Text != "c" {
		t.Fatalf("original sequence mutated: got %q", s.At(2).Text)
	}
	if grown.At(2).Text != "X" {
		t.Fatalf("grown slice wrong tail: got %q", grown.At(2).Text)
	}
}

func TestHasPrefix(t *testing.T) {
	s := seq(t, "a", "b", "c")
	cases := []struct {
		name   string
		prefix Sequence
		want   bool
	}{
		{"empty", Sequence{}, true},
		{"proper", s.Prefix(2), true},
		{"full", s, true},
		{"longer", seq(t, "a", "b", "c", "d"), false},
		{"diverging", seq(t, "a", "x"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.HasPrefix(tc.prefix); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMinLogprob(t *testing.T) {
	toks := []Token{
		New(1, "a", -0.2),
		New(2, "b", -1.7),
		New(3, "c", -0.4),
	}
	s := FromPrefill(toks)
	if got := s.MinLogprob(); got != -1.7 {
		t.Fatalf("got %v, want -1.7", got)
	}

	var empty Sequence
	if got := empty.MinLogprob(); got != 0 {
		t.Fatalf("empty sequence: got %v, want 0", got)
	}
}

func TestFromPrefillCopiesInput(t *testing.T) {
	raw := []Token{New(1, "a", -1), New(2, "b", -1)}
	s := FromPrefill(raw)
	raw[0].Text = "mutated"
	if s.At(0).Text != "a" {
		t.Fatalf("sequence observed caller mutation: %q", s.At(0).Text)
	}
}

func TestEndsWithEOS(t *testing.T) {
	s := seq(t, "a")
	if s.EndsWithEOS() {
		t.Fatal("plain token reported as EOS")
	}
	eos := New(2, "", -0.1)
	eos.EndOfSequence = true
	s2, err := s.Append(eos)
	if err != nil {
		t.Fatal(err)
	}
	if !s2.EndsWithEOS() {
		t.Fatal("EOS token not detected")
	}
}
