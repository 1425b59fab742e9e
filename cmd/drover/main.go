package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	commands "github.com/urfave/cli/v3"

	"github.com/st3v3nmw/drover/internal/cli"
)

func main() {
	// A second interrupt kills the process; the first one cancels the run
	// and lets teardown finish.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &commands.Command{
		Name:  "drover",
		Usage: "Herd a distributed key-value store through failure scenarios",
		Commands: []*commands.Command{
			{
				Name:      "run",
				Usage:     "Run test scenarios against your implementation",
				ArgsUsage: "[key ...]",
				Flags: []commands.Flag{
					&commands.StringFlag{
						Name:    "filter",
						Usage:   "Only run scenarios whose key contains this substring",
						Aliases: []string{"f"},
					},
					&commands.BoolFlag{
						Name:  "no-fail-fast",
						Usage: "Keep running scenarios after a failure",
					},
					&commands.BoolFlag{
						Name:  "skip-build",
						Usage: "Reuse the existing image instead of rebuilding",
					},
					&commands.BoolFlag{
						Name:  "keep",
						Usage: "Leave the clusters running after the run, for inspection",
					},
					&commands.StringFlag{
						Name:    "output-dir",
						Usage:   "Directory for captured node logs",
						Aliases: []string{"o"},
					},
					&commands.BoolFlag{
						Name:    "verbose",
						Usage:   "Show detailed harness output",
						Aliases: []string{"v"},
					},
				},
				Action: cli.RunScenarios,
			},
			{
				Name:   "list",
				Usage:  "Show available scenarios",
				Action: cli.ListScenarios,
			},
			{
				Name:  "prune",
				Usage: "Remove containers and networks left over from earlier runs",
				Flags: []commands.Flag{
					&commands.StringFlag{
						Name:  "group",
						Usage: "Only prune resources from this run group",
					},
				},
				Action: cli.Prune,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
