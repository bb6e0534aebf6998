// vrp-orchestrator runs the VRP job service and talks to it from the command line.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := newApp().Run(ctx, os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "env file loaded before reading configuration",
		Value: ".env",
	}
}

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "api-url",
			Usage:   "job service base URL",
			Value:   "http://localhost:8080",
			Sources: cli.EnvVars("VRP_API_URL"),
		},
		&cli.StringFlag{
			Name:    "api-key",
			Usage:   "bearer token for the job service",
			Sources: cli.EnvVars("VRP_API_KEY"),
		},
		&cli.StringFlag{
			Name:    "owner",
			Usage:   "owner id sent with requests",
			Sources: cli.EnvVars("VRP_OWNER_ID"),
		},
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "vrp-orchestrator",
		Usage: "orchestrate vehicle routing jobs against a solver service",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the job API, worker pool and status notifier",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:  "managed-solver",
						Usage: "start the solver as a local Docker container (SOLVER_IMAGE)",
					},
					&cli.BoolFlag{
						Name:  "migrate",
						Usage: "apply database migrations on startup",
						Value: true,
					},
				},
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations to DATABASE_URL",
				Flags:  []cli.Flag{envFlag()},
				Action: migrateAction,
			},
			{
				Name:      "submit",
				Usage:     "submit a job",
				ArgsUsage: "[params.json]",
				Flags: append(clientFlags(),
					&cli.StringFlag{
						Name:  "problem-type",
						Usage: "problem type",
						Value: "vrp",
					},
					&cli.StringFlag{
						Name:     "solver",
						Usage:    "solver name",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "seed",
						Usage: "solver seed",
					},
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "stream status until the job finishes",
					},
				),
				Action: submitAction,
			},
			{
				Name:      "status",
				Usage:     "show a job",
				ArgsUsage: "<job-id>",
				Flags:     clientFlags(),
				Action:    statusAction,
			},
			{
				Name:      "result",
				Usage:     "show the result of a succeeded job",
				ArgsUsage: "<job-id>",
				Flags:     clientFlags(),
				Action:    resultAction,
			},
			{
				Name:      "watch",
				Usage:     "stream job status until it finishes",
				ArgsUsage: "<job-id>",
				Flags:     clientFlags(),
				Action:    watchAction,
			},
			{
				Name:  "list",
				Usage: "list jobs",
				Flags: append(clientFlags(),
					&cli.StringFlag{
						Name:  "status",
						Usage: "only jobs in this status",
					},
					&cli.StringFlag{
						Name:  "limit",
						Usage: "maximum number of jobs",
					},
				),
				Action: listAction,
			},
		},
	}
}

// requireArg returns the first positional argument or a usage error.
func requireArg(cmd *cli.Command, name string) (string, error) {
	if v := cmd.Args().First(); v != "" {
		return v, nil
	}
	return "", cli.Exit("missing "+name+" argument", 2)
}

