package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/loomkit/loom/internal/session"
	"github.com/loomkit/loom/internal/sink"
)

func generateCmd() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Generate one completion for a prompt",
		Flags: append(commonModelFlags(), commonGenerationFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyCommonConfig(cmd, cfg)
			applyGenerationConfig(cmd, cfg)
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}
			log := newLogger()

			reg, model, err := buildRegistry()
			if err != nil {
				return err
			}
			out, closer, err := openSink()
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}

			sess, err := session.New(reg, session.Config{
				ModelID:   model,
				PromptRef: promptRef,
				Prompt:    prompt,
				Prefill:   prefillSequence(),
				Params:    buildParams(),
				Logger:    log,
			})
			if err != nil {
				return err
			}

			started := time.Now()
			state, err := sess.Generate(ctx)
			if err != nil {
				return err
			}
			if err := out.Publish(sink.Event{
				Type:  sink.EventCompletion,
				State: state,
				At:    time.Now().UTC(),
			}); err != nil {
				log.Warn("could not persist completion", "error", err)
			}

			fmt.Println(state.Text())
			log.Info("generation finished",
				"model", model,
				"tokens", state.Generated().Len(),
				"truncated", state.Truncated(),
				"finish", string(state.Finish()),
				"min_logprob", fmt.Sprintf("%.3f", state.MinLogprob()),
				"elapsed", time.Since(started).Round(time.Millisecond))
			return nil
		},
	}
}
