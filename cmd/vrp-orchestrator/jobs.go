package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"vrp-orchestrator/internal/job"
)

func clientFrom(cmd *cli.Command) *apiClient {
	return newAPIClient(cmd.String("api-url"), cmd.String("api-key"), cmd.String("owner"))
}

func submitAction(ctx context.Context, cmd *cli.Command) error {
	params, err := readParams(cmd.Args().First())
	if err != nil {
		return err
	}

	req := job.SubmitRequest{
		ProblemType: cmd.String("problem-type"),
		Solver:      cmd.String("solver"),
		Params:      params,
	}
	if raw := cmd.String("seed"); raw != "" {
		seed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return cli.Exit(fmt.Sprintf("invalid seed %q", raw), 2)
		}
		req.Seed = &seed
	}

	client := clientFrom(cmd)
	created, err := client.submit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(output(cmd), "%s %s\n", created.ID, created.Status)

	if !cmd.Bool("watch") {
		return nil
	}
	return watchJob(ctx, output(cmd), client, created.ID)
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "job-id")
	if err != nil {
		return err
	}
	snap, err := clientFrom(cmd).snapshot(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(output(cmd), snap)
}

func resultAction(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "job-id")
	if err != nil {
		return err
	}
	res, err := clientFrom(cmd).result(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(output(cmd), res)
}

func watchAction(ctx context.Context, cmd *cli.Command) error {
	id, err := requireArg(cmd, "job-id")
	if err != nil {
		return err
	}
	return watchJob(ctx, output(cmd), clientFrom(cmd), id)
}

func listAction(ctx context.Context, cmd *cli.Command) error {
	jobs, err := clientFrom(cmd).list(ctx, cmd.String("status"), cmd.String("limit"))
	if err != nil {
		return err
	}
	for _, j := range jobs {
		fmt.Fprintf(output(cmd), "%s\t%s\t%3d%%\t%s\t%s\n",
			j.ID, j.Status, j.Progress, j.Solver, j.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// watchJob prints one line per status update and fails when the job fails.
func watchJob(ctx context.Context, w io.Writer, client *apiClient, id string) error {
	last, err := client.watch(ctx, id, func(s job.Snapshot) {
		line := fmt.Sprintf("%s %s %d%%", s.UpdatedAt.Format(time.RFC3339), s.Status, s.Progress)
		if s.LastError != "" {
			line += " error=" + strconv.Quote(s.LastError)
		}
		fmt.Fprintln(w, line)
	})
	if err != nil {
		return err
	}
	if last.Status == job.StatusFailed {
		return cli.Exit(fmt.Sprintf("job %s failed after %d attempts", id, last.Attempts), 1)
	}
	return nil
}

// readParams loads job params from a JSON file, "-" for stdin, or nothing.
func readParams(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var params map[string]any
	if err := json.NewDecoder(r).Decode(&params); err != nil {
		return nil, fmt.Errorf("invalid params JSON: %w", err)
	}
	return params, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func output(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}
