package api

import (
	"github.com/loomkit/loom/internal/beam"
	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/token"
)

// TokenDTO is a token on the wire.
type TokenDTO struct {
	ID      int     `json:"id"`
	Text    string  `json:"text"`
	Logprob float64 `json:"logprob"`
	EOS     bool    `json:"eos,omitempty"`
}

// ParamsDTO is the sampling configuration on the wire.
type ParamsDTO struct {
	Temperature   float64 `json:"temperature,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	Seed          int64   `json:"seed,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	ContextLength int     `json:"context_length,omitempty"`
}

// CompletionDTO is a finished completion on the wire.
type CompletionDTO struct {
	ID           string            `json:"id"`
	ModelID      string            `json:"model_id"`
	PromptRef    string            `json:"prompt_ref,omitempty"`
	Text         string            `json:"text"`
	Tokens       []TokenDTO        `json:"tokens"`
	Truncated    bool              `json:"truncated"`
	FinishReason string            `json:"finish_reason"`
	MinLogprob   float64           `json:"min_logprob"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NodeDTO is one beam of a tree on the wire.
type NodeDTO struct {
	ID           string         `json:"id"`
	ParentID     string         `json:"parent_id,omitempty"`
	BranchOffset int            `json:"branch_offset"`
	Origin       string         `json:"origin,omitempty"`
	Status       string         `json:"status"`
	Completion   *CompletionDTO `json:"completion,omitempty"`
}

// TreeDTO is a full tree snapshot.
type TreeDTO struct {
	ID      string    `json:"id"`
	ModelID string    `json:"model_id"`
	Prompt  string    `json:"prompt"`
	Nodes   []NodeDTO `json:"nodes"`
}

// GenerateRequest asks for one whole completion.
type GenerateRequest struct {
	Model     string     `json:"model"`
	Prompt    string     `json:"prompt"`
	PromptRef string     `json:"prompt_ref,omitempty"`
	Prefill   []TokenDTO `json:"prefill,omitempty"`
	Params    ParamsDTO  `json:"params"`
}

// CandidatesRequest asks for ranked next-token candidates over a prefix.
type CandidatesRequest struct {
	Model     string     `json:"model"`
	Prompt    string     `json:"prompt"`
	PromptRef string     `json:"prompt_ref,omitempty"`
	Prefill   []TokenDTO `json:"prefill,omitempty"`
	Prefix    []TokenDTO `json:"prefix,omitempty"`
	K         int        `json:"k"`
	Params    ParamsDTO  `json:"params"`
}

// CreateTreeRequest opens an interactive beam tree.
type CreateTreeRequest struct {
	Model     string     `json:"model"`
	Prompt    string     `json:"prompt"`
	PromptRef string     `json:"prompt_ref,omitempty"`
	Prefill   []TokenDTO `json:"prefill,omitempty"`
	Params    ParamsDTO  `json:"params"`
}

// TreeCandidatesRequest fetches candidates at an offset of a tree node.
type TreeCandidatesRequest struct {
	NodeID string `json:"node_id"`
	Offset int    `json:"offset"`
	K      int    `json:"k"`
}

// ExpandRequest branches a node at an offset, either through a chosen
// candidate token or by independent resampling.
type ExpandRequest struct {
	NodeID   string    `json:"node_id"`
	Offset   int       `json:"offset"`
	Token    *TokenDTO `json:"token,omitempty"`
	Resample bool      `json:"resample,omitempty"`
}

// BeamOutRequest expands one level of candidates into full beams.
type BeamOutRequest struct {
	NodeID string `json:"node_id"`
	Offset int    `json:"offset"`
	Width  int    `json:"width"`
}

// NodeRefRequest names a node for continue, prune, and accept.
type NodeRefRequest struct {
	NodeID string `json:"node_id"`
}

func toTokenDTOs(seq token.Sequence) []TokenDTO {
	out := make([]TokenDTO, 0, seq.Len())
	for _, t := range seq.Tokens() {
		out = append(out, TokenDTO{ID: t.ID, Text: t.Text, Logprob: t.Logprob, EOS: t.EndOfSequence})
	}
	return out
}

func fromTokenDTOs(dtos []TokenDTO) token.Sequence {
	toks := make([]token.Token, len(dtos))
	for i, d := range dtos {
		t := token.New(d.ID, d.Text, d.Logprob)
		t.EndOfSequence = d.EOS
		toks[i] = t
	}
	return token.FromPrefill(toks)
}

func fromParamsDTO(d ParamsDTO) completion.SamplingParams {
	return completion.SamplingParams{
		Temperature:   d.Temperature,
		TopK:          d.TopK,
		TopP:          d.TopP,
		Seed:          d.Seed,
		MaxTokens:     d.MaxTokens,
		ContextLength: d.ContextLength,
	}
}

func toCompletionDTO(st *completion.State) *CompletionDTO {
	if st == nil {
		return nil
	}
	return &CompletionDTO{
		ID:           st.ID(),
		ModelID:      st.ModelID(),
		PromptRef:    st.PromptRef(),
		Text:         st.GeneratedText(),
		Tokens:       toTokenDTOs(st.Generated()),
		Truncated:    st.Truncated(),
		FinishReason: string(st.Finish()),
		MinLogprob:   st.MinLogprob(),
		Metadata:     st.Metadata(),
	}
}

func toNodeDTO(n *beam.Node) NodeDTO {
	return NodeDTO{
		ID:           n.ID(),
		ParentID:     n.ParentID(),
		BranchOffset: n.BranchOffset(),
		Origin:       string(n.Origin()),
		Status:       string(n.Status()),
		Completion:   toCompletionDTO(n.State()),
	}
}

func toTokenDTOList(toks []token.Token) []TokenDTO {
	out := make([]TokenDTO, len(toks))
	for i, t := range toks {
		out[i] = TokenDTO{ID: t.ID, Text: t.Text, Logprob: t.Logprob, EOS: t.EndOfSequence}
	}
	return out
}
