package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/loomkit/loom/internal/beam"
	"github.com/loomkit/loom/internal/session"
)

func beamsCmd() *cli.Command {
	var (
		offset int64
		width  int64
	)

	return &cli.Command{
		Name:  "beams",
		Usage: "Beam out alternatives at one position of a completion",
		Flags: append(append(commonModelFlags(), commonGenerationFlags()...),
			&cli.Int64Flag{
				Name:        "offset",
				Usage:       "token position to branch at (0 = before the first generated token)",
				Destination: &offset,
			},
			&cli.Int64Flag{
				Name:        "width",
				Aliases:     []string{"w"},
				Usage:       "number of candidate branches",
				Value:       4,
				Destination: &width,
			},
		),
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

			controller := beam.NewController(beam.ControllerConfig{
				Session: sess,
				Sink:    out,
				Logger:  log,
			})

			started := time.Now()
			root, err := controller.GenerateRoot(ctx)
			if err != nil {
				return err
			}
			if offset > int64(root.Generated().Len()) {
				return fmt.Errorf("offset %d exceeds the %d generated tokens", offset, root.Generated().Len())
			}
			if _, err := controller.BeamOutOneLevel(ctx, root.ID(), int(offset), int(width)); err != nil {
				return err
			}

			fmt.Printf("prompt: %s\n", prompt)
			fmt.Printf("base:   %s\n\n", root.State().GeneratedText())
			for i, b := range controller.ActiveBeams() {
				st := b.State()
				marker := " "
				if b.ID() == root.ID() {
					marker = "*"
				}
				fmt.Printf("%s [%d] score=%.3f offset=%d%s\n", marker, i,
					st.MinLogprob(), b.BranchOffset(), truncatedTag(st.Truncated()))
				fmt.Printf("      %s\n", st.GeneratedText())
			}
			log.Info("beam out finished",
				"beams", int(width),
				"offset", int(offset),
				"elapsed", time.Since(started).Round(time.Millisecond))
			return nil
		},
	}
}

func truncatedTag(truncated bool) string {
	if truncated {
		return " (truncated)"
	}
	return ""
}
