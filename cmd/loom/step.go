package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/loomkit/loom/internal/completion"
	"github.com/loomkit/loom/internal/session"
	"github.com/loomkit/loom/internal/sink"
	"github.com/loomkit/loom/internal/token"
)

func stepCmd() *cli.Command {
	var candidateCount int64

	return &cli.Command{
		Name:  "step",
		Usage: "Build a completion one token at a time from ranked candidates",
		Flags: append(append(commonModelFlags(), commonGenerationFlags()...),
			&cli.Int64Flag{
				Name:        "candidates",
				Aliases:     []string{"k"},
				Usage:       "candidates shown per position",
				Value:       8,
				Destination: &candidateCount,
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

			state, err := runStepLoop(ctx, sess, int(candidateCount))
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

			fmt.Println()
			fmt.Println(state.Text())
			log.Info("stepping finished",
				"tokens", state.Generated().Len(),
				"truncated", state.Truncated(),
				"finish", string(state.Finish()))
			return nil
		},
	}
}

// runStepLoop drives the stepper against stdin: show ranked candidates,
// read a choice, commit, repeat. Empty input takes the top candidate; "c"
// hands the rest to the model; "q" stops and keeps what was built.
func runStepLoop(ctx context.Context, sess *session.Session, k int) (*completion.State, error) {
	stepper := sess.Stepper()
	scanner := bufio.NewScanner(os.Stdin)

	for stepper.State() != session.StepFinished {
		cands, err := stepper.FetchCandidates(ctx, k)
		if err != nil {
			return nil, err
		}

		fmt.Printf("\n... %s\n", renderTail(stepper.Sequence()))
		for i, c := range cands {
			fmt.Printf("  [%d] %-16q %8.3f\n", i, c.Text, c.Logprob)
		}
		fmt.Print("token [0]: ")

		choice, action, err := readChoice(scanner, len(cands))
		if err != nil {
			return nil, err
		}
		switch action {
		case stepQuit:
			if err := stepper.Cancel(); err != nil {
				return nil, err
			}
		case stepHandOff:
			if _, err := stepper.Continue(ctx); err != nil {
				return nil, err
			}
		default:
			if err := stepper.Select(cands[choice]); err != nil {
				fmt.Printf("  %v\n", err)
			}
		}
	}
	return stepper.Finalize()
}

type stepAction int

const (
	stepPick stepAction = iota
	stepQuit
	stepHandOff
)

func readChoice(scanner *bufio.Scanner, n int) (choice int, action stepAction, err error) {
	for {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return 0, stepPick, err
			}
			return 0, stepQuit, nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			return 0, stepPick, nil
		case line == "q" || line == "quit":
			return 0, stepQuit, nil
		case line == "c" || line == "continue":
			return 0, stepHandOff, nil
		}
		i, convErr := strconv.Atoi(line)
		if convErr != nil || i < 0 || i >= n {
			fmt.Printf("pick 0-%d, c to let the model finish, q to stop: ", n-1)
			continue
		}
		return i, stepPick, nil
	}
}

// renderTail shows the last few committed tokens for orientation.
func renderTail(seq token.Sequence) string {
	const window = 12
	start := 0
	if seq.Len() > window {
		start = seq.Len() - window
	}
	return seq.Slice(start, seq.Len()).RenderText()
}
