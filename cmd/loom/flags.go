package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/logger"
	"github.com/loomkit/loom/internal/provider"
	"github.com/loomkit/loom/internal/sink"
	"github.com/loomkit/loom/internal/token"
)

var (
	modelID       string
	providerKind  string
	remoteURL     string
	remoteAPIKey  string
	remoteTokens  bool
	prompt        string
	promptRef     string
	prefillText   string
	temperature   float64
	topK          int64
	topP          float64
	seed          int64
	maxTokens     int64
	contextLength int64
	outPath       string
	logLevel      string
	logFormat     string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model id to resolve through the provider registry",
			Destination: &modelID,
		},
		&cli.StringFlag{
			Name:        "provider",
			Usage:       "provider backend (mock, local, remote)",
			Value:       "local",
			Destination: &providerKind,
		},
		&cli.StringFlag{
			Name:        "remote-url",
			Usage:       "base URL of the remote completion backend",
			Destination: &remoteURL,
		},
		&cli.StringFlag{
			Name:        "remote-api-key",
			Usage:       "bearer token for the remote backend",
			Destination: &remoteAPIKey,
		},
		&cli.BoolFlag{
			Name:        "remote-token-api",
			Usage:       "remote backend accepts raw token arrays (enables exact continuation)",
			Value:       true,
			Destination: &remoteTokens,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

func commonGenerationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "prompt-ref",
			Usage:       "stable reference for the prompt in persisted records",
			Destination: &promptRef,
		},
		&cli.StringFlag{
			Name:        "prefill",
			Usage:       "assistant prefill text prepended before generation",
			Destination: &prefillText,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       0.7,
			Destination: &temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k shortlist size",
			Value:       40,
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "nucleus sampling mass",
			Value:       0.95,
			Destination: &topP,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling seed",
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n"},
			Usage:       "generation budget in tokens",
			Value:       128,
			Destination: &maxTokens,
		},
		&cli.Int64Flag{
			Name:        "context-length",
			Aliases:     []string{"ctx"},
			Usage:       "context window limit for the overflow pre-check (0 = unchecked)",
			Destination: &contextLength,
		},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "JSONL file curation events are appended to",
			Destination: &outPath,
		},
	}
}

func newLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if logFormat == "json" {
		return logger.JSON(os.Stderr, level)
	}
	return logger.Pretty(os.Stderr, level)
}

// buildRegistry constructs the provider registry from the provider flags
// and returns the model id to use, defaulting per backend.
func buildRegistry() (*provider.Registry, string, error) {
	reg := provider.NewRegistry()
	switch providerKind {
	case "mock":
		id := modelID
		if id == "" {
			id = provider.MockModelID
		}
		reg.Register(id, provider.NewMock(provider.MockConfig{ModelID: id, EmitEndToken: true}))
		return reg, id, nil
	case "local":
		id := modelID
		if id == "" {
			id = "local-tiny"
		}
		reg.Register(id, provider.NewLocal(provider.LocalConfig{ModelID: id, Seed: seed}))
		return reg, id, nil
	case "remote":
		if remoteURL == "" {
			return nil, "", fmt.Errorf("provider remote requires --remote-url")
		}
		if modelID == "" {
			return nil, "", fmt.Errorf("provider remote requires --model")
		}
		reg.Register(modelID, provider.NewRemote(provider.RemoteConfig{
			BaseURL:  remoteURL,
			APIKey:   remoteAPIKey,
			TokenAPI: remoteTokens,
		}))
		return reg, modelID, nil
	default:
		return nil, "", fmt.Errorf("unknown provider %q", providerKind)
	}
}

func buildParams() completion.SamplingParams {
	return completion.SamplingParams{
		Temperature:   temperature,
		TopK:          int(topK),
		TopP:          topP,
		Seed:          seed,
		MaxTokens:     int(maxTokens),
		ContextLength: int(contextLength),
	}
}

// prefillSequence wraps the raw prefill text as a single unscored token;
// providers that tokenize natively re-encode it themselves.
func prefillSequence() token.Sequence {
	if prefillText == "" {
		return token.Sequence{}
	}
	return token.FromPrefill([]token.Token{{
		ID:          -2,
		Text:        prefillText,
		PrecedingID: token.NoPreceding,
	}})
}

// openSink returns the event sink for --out, and a closer for the backing
// file.
func openSink() (sink.Sink, io.Closer, error) {
	if outPath == "" {
		return sink.Nop{}, nil, nil
	}
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return sink.NewJSONL(f), f, nil
}
