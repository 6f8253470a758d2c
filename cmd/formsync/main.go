// Package main is the entry point of formsync. The serve command runs the
// save service; the save command persists one form state file and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	cmd := &cli.Command{
		Name:                  "formsync",
		Usage:                 "Save complete forms to the Open Forms API",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file",
				Value:   "config.yaml",
				Sources: cli.EnvVars("FORMSYNC_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newSaveCommand(),
		},
		// Exit codes are mapped below instead of by the library calling
		// os.Exit.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}

	if err := cmd.Run(context.Background(), args); err != nil {
		var coder cli.ExitCoder
		if errors.As(err, &coder) {
			if msg := err.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			return coder.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "formsync: %v\n", err)
		return 1
	}
	return 0
}
