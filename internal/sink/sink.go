// Package sink receives curation events from the engine: completions worth
// keeping, prunes, and accepts. Sinks are how a curation run leaves
// something behind.
package sink

import (
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/token"
)

// EventType classifies a curation event.
type EventType string

const (
	// EventCompletion records a finished completion.
	EventCompletion EventType = "completion"
	// EventPrune records a beam discarded from consideration.
	EventPrune EventType = "prune"
	// EventAccept records a beam marked as a keeper.
	EventAccept EventType = "accept"
)

// Event is one curation decision. State is set for completion events and
// for prune/accept events that carry the affected beam's completion.
type Event struct {
	Type   EventType
	NodeID string
	State  *completion.State
	At     time.Time
}

// Sink consumes curation events. Publish must be safe for concurrent use.
type Sink interface {
	Publish(ev Event) error
}

// Memory is a sink that retains every event, for tests and interactive
// inspection.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByType returns published events of one type.
func (m *Memory) ByType(t EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) error { return nil }

// Or returns s, or a Nop sink when s is nil.
func Or(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// jsonlToken keeps the per-token representation lossless across the
// persistence boundary: ids, logprobs, and end markers all survive a
// round trip through the file.
type jsonlToken struct {
	ID      int      `json:"id"`
	Text    string   `json:"text"`
	Logprob *float64 `json:"logprob,omitempty"`
	EOS     bool     `json:"eos,omitempty"`
}

type jsonlRecord struct {
	Type      EventType         `json:"type"`
	NodeID    string            `json:"node_id,omitempty"`
	At        time.Time         `json:"at"`
	ID        string            `json:"id,omitempty"`
	ModelID   string            `json:"model_id,omitempty"`
	PromptRef string            `json:"prompt_ref,omitempty"`
	Prefill   []jsonlToken      `json:"prefill,omitempty"`
	Text      string            `json:"text,omitempty"`
	Truncated bool              `json:"truncated,omitempty"`
	Finish    string            `json:"finish_reason,omitempty"`
	Tokens    []jsonlToken      `json:"tokens,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func jsonlTokens(seq token.Sequence) []jsonlToken {
	if seq.Len() == 0 {
		return nil
	}
	out := make([]jsonlToken, seq.Len())
	for i := range out {
		t := seq.At(i)
		out[i] = jsonlToken{ID: t.ID, Text: t.Text, EOS: t.EndOfSequence}
		if t.HasLogprob {
			lp := t.Logprob
			out[i].Logprob = &lp
		}
	}
	return out
}

// JSONL appends one JSON object per event to a writer, the interchange
// format fine-tuning pipelines ingest directly.
type JSONL struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONL(w io.Writer) *JSONL {
	return &JSONL{enc: json.NewEncoder(w)}
}

func (j *JSONL) Publish(ev Event) error {
	rec := jsonlRecord{Type: ev.Type, NodeID: ev.NodeID, At: ev.At}
	if st := ev.State; st != nil {
		rec.ID = st.ID()
		rec.ModelID = st.ModelID()
		rec.PromptRef = st.PromptRef()
		rec.Prefill = jsonlTokens(st.Prefill())
		rec.Text = st.GeneratedText()
		rec.Truncated = st.Truncated()
		rec.Finish = string(st.Finish())
		rec.Tokens = jsonlTokens(st.Generated())
		rec.Metadata = st.Metadata()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(rec)
}
