package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/token"
)

// RemoteConfig configures the HTTP provider.
type RemoteConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	// TokenAPI indicates the backend accepts and returns raw token
	// arrays, which is what makes high-fidelity continuation possible.
	TokenAPI      bool
	Timeout       time.Duration
	MaxCandidates int
	// RequestsPerSecond bounds the client-side request rate; 0 disables
	// limiting. Retry policy stays with the caller, never here.
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Remote talks to an HTTP completion backend. The wire format is a
// token-level completions API: every response carries raw token fragments
// with logprobs, and when TokenAPI is set requests may carry exact token
// arrays for continuation.
type Remote struct {
	cfg     RemoteConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewRemote builds a remote provider.
func NewRemote(cfg RemoteConfig) *Remote {
	if cfg.Name == "" {
		cfg.Name = "remote"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Remote{cfg: cfg, client: client, limiter: limiter}
}

func (r *Remote) Name() string { return r.cfg.Name }

func (r *Remote) SupportsHighFidelity(string) bool { return r.cfg.TokenAPI }

func (r *Remote) CountTokens(text string) int {
	// Rough average for English text; the backend owns the tokenizer.
	return len(text)/4 + 1
}

type wireToken struct {
	ID      int     `json:"id"`
	Text    string  `json:"text"`
	Logprob float64 `json:"logprob"`
	EOS     bool    `json:"eos,omitempty"`
}

type wireGenerateRequest struct {
	Model         string      `json:"model"`
	Prompt        string      `json:"prompt"`
	PrefillTokens []wireToken `json:"prefill_tokens,omitempty"`
	ResumeTokens  []wireToken `json:"resume_tokens,omitempty"`
	MaxTokens     int         `json:"max_tokens,omitempty"`
	Temperature   float64     `json:"temperature,omitempty"`
	TopK          int         `json:"top_k,omitempty"`
	TopP          float64     `json:"top_p,omitempty"`
	Seed          int64       `json:"seed,omitempty"`
}

type wireGenerateResponse struct {
	Tokens       []wireToken `json:"tokens"`
	FinishReason string      `json:"finish_reason"`
}

type wireCandidatesRequest struct {
	Model        string      `json:"model"`
	Prompt       string      `json:"prompt"`
	PrefixTokens []wireToken `json:"prefix_tokens"`
	TopLogprobs  int         `json:"top_logprobs"`
}

type wireCandidatesResponse struct {
	Candidates []wireToken `json:"candidates"`
}

func (r *Remote) Generate(ctx context.Context, req GenerateRequest) (*completion.State, error) {
	body := wireGenerateRequest{
		Model:         req.ModelID,
		Prompt:        req.Prompt,
		PrefillTokens: toWire(req.Prefill.Tokens()),
		MaxTokens:     req.Params.MaxTokens,
		Temperature:   req.Params.Temperature,
		TopK:          req.Params.TopK,
		TopP:          req.Params.TopP,
		Seed:          req.Params.Seed,
	}
	var resp wireGenerateResponse
	if err := r.post(ctx, "/v1/completions", body, &resp); err != nil {
		return nil, err
	}
	generated, err := token.Sequence{}.Extend(fromWire(resp.Tokens))
	if err != nil {
		return nil, WrapOpaque(err)
	}
	return r.buildState(req.ModelID, req.PromptRef, req.Prefill, generated, req.Params, finishFromWire(resp.FinishReason)), nil
}

func (r *Remote) ContinueGeneration(ctx context.Context, req ContinueRequest) (*completion.State, error) {
	if !r.cfg.TokenAPI {
		return nil, fmt.Errorf("%w: backend %q has no token API for exact continuation", ErrProvider, r.cfg.Name)
	}
	body := wireGenerateRequest{
		Model:         req.ModelID,
		Prompt:        req.Prompt,
		PrefillTokens: toWire(req.Prefill.Tokens()),
		ResumeTokens:  toWire(req.Existing.Tokens()),
		MaxTokens:     req.Params.MaxTokens,
		Temperature:   req.Params.Temperature,
		TopK:          req.Params.TopK,
		TopP:          req.Params.TopP,
		Seed:          req.Params.Seed,
	}
	var resp wireGenerateResponse
	if err := r.post(ctx, "/v1/completions", body, &resp); err != nil {
		return nil, err
	}
	generated, err := req.Existing.Extend(fromWire(resp.Tokens))
	if err != nil {
		return nil, WrapOpaque(err)
	}
	return r.buildState(req.ModelID, req.PromptRef, req.Prefill, generated, req.Params, finishFromWire(resp.FinishReason)), nil
}

func (r *Remote) FetchNextTokenCandidates(ctx context.Context, req CandidateRequest) ([]token.Token, error) {
	body := wireCandidatesRequest{
		Model:        req.ModelID,
		Prompt:       req.Prompt,
		PrefixTokens: toWire(append(req.Prefill.Tokens(), req.Prefix.Tokens()...)),
		TopLogprobs:  ClampK(req.K, r.cfg.MaxCandidates),
	}
	var resp wireCandidatesResponse
	if err := r.post(ctx, "/v1/next_tokens", body, &resp); err != nil {
		return nil, err
	}
	// Backend ordering is trusted as-is; the engine never re-sorts ties.
	return fromWire(resp.Candidates), nil
}

func (r *Remote) post(ctx context.Context, path string, in, out any) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return WrapOpaque(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return WrapOpaque(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return mapTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, r.cfg.BaseURL)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, r.cfg.BaseURL)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return WrapOpaque(fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return WrapOpaque(err)
	}
	return nil
}

func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return WrapOpaque(err)
}

func (r *Remote) buildState(modelID, promptRef string, prefill, generated token.Sequence, params completion.SamplingParams, finish completion.FinishReason) *completion.State {
	return completion.New(completion.Config{
		ModelID:   modelID,
		PromptRef: promptRef,
		Prefill:   prefill,
		Generated: generated,
		Params:    params,
		Truncated: finish != completion.FinishStop,
		Finish:    finish,
		Metadata:  map[string]string{completion.MetaProvider: r.Name()},
	})
}

func toWire(tokens []token.Token) []wireToken {
	if len(tokens) == 0 {
		return nil
	}
	out := make([]wireToken, len(tokens))
	for i, t := range tokens {
		out[i] = wireToken{ID: t.ID, Text: t.Text, Logprob: t.Logprob, EOS: t.EndOfSequence}
	}
	return out
}

func fromWire(tokens []wireToken) []token.Token {
	out := make([]token.Token, len(tokens))
	for i, wt := range tokens {
		t := token.New(wt.ID, wt.Text, wt.Logprob)
		t.EndOfSequence = wt.EOS
		out[i] = t
	}
	return out
}

func finishFromWire(reason string) completion.FinishReason {
	switch reason {
	case "stop", "":
		return completion.FinishStop
	case "length", "max_tokens":
		return completion.FinishLength
	default:
		return completion.FinishError
	}
}
