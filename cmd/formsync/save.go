package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/formsync/internal/config"
	"github.com/pitabwire/formsync/internal/formsave"
	"github.com/pitabwire/formsync/internal/observability"
	"github.com/pitabwire/formsync/model"
)

// exitInvalid is the exit code of a save the backend rejected with
// validation errors.
const exitInvalid = 2

func newSaveCommand() *cli.Command {
	return &cli.Command{
		Name:      "save",
		Usage:     "Save the form state in a JSON file and print the result",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "state",
				Aliases:  []string{"s"},
				Usage:    "path to the form state JSON file (- for stdin)",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "write the save result to this file instead of stdout",
			},
			&cli.StringFlag{
				Name:    "csrf-token",
				Usage:   "CSRF token of the designer session",
				Sources: cli.EnvVars("FORMSYNC_CSRF_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "cookie",
				Usage:   "Cookie header of the designer session",
				Sources: cli.EnvVars("FORMSYNC_SESSION_COOKIE"),
			},
			&cli.StringFlag{
				Name:  "subject",
				Usage: "subject recorded in logs for this save",
				Value: "cli",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("configuration error: %v", err), 1)
			}

			state, err := readState(cmd.String("state"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			rctx := &model.RequestContext{
				SubjectID:     cmd.String("subject"),
				CorrelationID: uuid.NewString(),
				CSRFToken:     cmd.String("csrf-token"),
				SessionCookie: cmd.String("cookie"),
			}

			out := io.Writer(os.Stdout)
			if path := cmd.String("out"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return cli.Exit(fmt.Sprintf("open output: %v", err), 1)
				}
				defer f.Close()
				out = f
			}

			return saveOnce(ctx, cfg, rctx, state, out)
		},
	}
}

// saveOnce runs one save and writes its result as JSON to out.
func saveOnce(ctx context.Context, cfg *config.Config, rctx *model.RequestContext, state model.SaveState, out io.Writer) error {
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return cli.Exit(fmt.Sprintf("logger error: %v", err), 1)
	}
	defer logger.Sync()

	apiClient, _, err := buildClient(cfg.API, logger, nil)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	saver := formsave.New(apiClient, saverOptions(cfg, logger, nil)...)

	saveID := uuid.NewString()
	ctx = model.WithRequestContext(ctx, rctx)
	ctx = formsave.WithSaveID(ctx, saveID)
	ctx = observability.WithLogger(ctx, observability.RequestLogger(ctx, logger).With(zap.String("save_id", saveID)))

	saved, errs, err := saver.Save(ctx, state)
	if err != nil {
		return cli.Exit(fmt.Sprintf("save failed: %v", err), 1)
	}
	if errs == nil {
		errs = []*model.ValidationErrors{}
	}

	result := model.SaveResult{
		SaveID: saveID,
		OK:     len(errs) == 0,
		State:  formsave.ApplyValidationErrors(saved, errs),
		Errors: errs,
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return cli.Exit(fmt.Sprintf("write result: %v", err), 1)
	}

	if !result.OK {
		return cli.Exit(fmt.Sprintf("save reported validation errors in %d section(s)", len(errs)), exitInvalid)
	}
	return nil
}

func readState(path string) (model.SaveState, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return model.SaveState{}, fmt.Errorf("open state: %w", err)
		}
		defer f.Close()
		r = f
	}

	var state model.SaveState
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return model.SaveState{}, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}
