package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"vrp-orchestrator/internal/api"
	"vrp-orchestrator/internal/health"
	"vrp-orchestrator/internal/job"
	"vrp-orchestrator/internal/notify"
	"vrp-orchestrator/internal/store/memory"
	"vrp-orchestrator/internal/testutil"
)

type testService struct {
	store  *memory.Store
	bus    *notify.Bus
	server *httptest.Server
}

func newTestService(t *testing.T, apiKey string) *testService {
	t.Helper()
	store := memory.New()
	bus := notify.NewBus(notify.DefaultBufferSize, nil)
	router := api.NewRouter(api.RouterConfig{
		JobService:    job.NewService(store, bus, nil, nil),
		Events:        bus,
		HealthChecker: health.NewChecker(health.Dependency{Name: "store", Checker: store, Required: true}),
		APIKey:        apiKey,
	})
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		bus.Close()
		server.Close()
	})
	return &testService{store: store, bus: bus, server: server}
}

// advance moves a job through fn and publishes the result like the driver does.
func (s *testService) advance(t *testing.T, id string, fn func(*job.Job) error) {
	t.Helper()
	j, err := s.store.Update(context.Background(), id, fn)
	require.NoError(t, err)
	s.bus.Publish(j.Snapshot())
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}
	err := app.Run(context.Background(), append([]string{"vrp-orchestrator"}, args...))
	return out.String(), err
}

func TestAPIClient_SubmitAndInspect(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, "")
	client := newAPIClient(svc.server.URL+"/", "", "alice")
	ctx := context.Background()

	created, err := client.submit(ctx, job.SubmitRequest{
		ProblemType: "vrp",
		Solver:      "ortools",
		Params:      map[string]any{"vehicle_count": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, created.Status)

	snap, err := client.snapshot(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", snap.OwnerID)

	jobs, err := client.list(ctx, "queued", "10")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, created.ID, jobs[0].ID)

	_, err = client.result(ctx, created.ID)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "conflict", apiErr.Kind)
}

func TestAPIClient_Errors(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, "secret")
	ctx := context.Background()

	_, err := newAPIClient(svc.server.URL, "", "").snapshot(ctx, "x")
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	client := newAPIClient(svc.server.URL, "secret", "")
	_, err = client.submit(ctx, job.SubmitRequest{ProblemType: "vrp"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "solver", apiErr.Field)
	assert.Contains(t, apiErr.Error(), "field solver")

	_, err = client.snapshot(ctx, "missing")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestAPIClient_WatchFollowsJobToCompletion(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, "")
	client := newAPIClient(svc.server.URL, "", "")
	ctx := context.Background()

	created, err := client.submit(ctx, job.SubmitRequest{ProblemType: "vrp", Solver: "ortools"})
	require.NoError(t, err)

	type outcome struct {
		last *job.Snapshot
		err  error
	}
	seen := make(chan job.Snapshot, 16)
	done := make(chan outcome, 1)
	go func() {
		last, err := client.watch(ctx, created.ID, func(s job.Snapshot) { seen <- s })
		done <- outcome{last, err}
	}()

	first := testutil.MustReceive[job.Snapshot](t, seen, 5*time.Second)
	assert.Equal(t, job.StatusQueued, first.Status)

	svc.advance(t, created.ID, func(j *job.Job) error {
		if err := j.Transition(job.StatusRunning, time.Now()); err != nil {
			return err
		}
		j.SetProgress(25)
		return nil
	})
	running := testutil.MustReceive[job.Snapshot](t, seen, 5*time.Second)
	assert.Equal(t, 25, running.Progress)

	svc.advance(t, created.ID, func(j *job.Job) error {
		return j.Transition(job.StatusFailed, time.Now())
	})

	res := testutil.MustReceive[outcome](t, done, 5*time.Second)
	require.NoError(t, res.err)
	assert.Equal(t, job.StatusFailed, res.last.Status)
}

func TestCLI_SubmitStatusAndWatch(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, "k")

	paramsFile := filepath.Join(t.TempDir(), "params.json")
	require.NoError(t, os.WriteFile(paramsFile, []byte(`{"locations": [[0, 0], [1, 1]]}`), 0o600))

	out, err := run(t, "submit", "--api-url", svc.server.URL, "--api-key", "k", "--solver", "ortools", "--seed", "7", paramsFile)
	require.NoError(t, err, out)
	fields := strings.Fields(out)
	require.Len(t, fields, 2)
	id := fields[0]
	assert.Equal(t, "queued", fields[1])

	stored, err := svc.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, stored.Seed)
	assert.Equal(t, int64(7), *stored.Seed)
	assert.Contains(t, stored.Params, "locations")

	out, err = run(t, "status", "--api-url", svc.server.URL, "--api-key", "k", id)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "queued"`)

	svc.advance(t, id, func(j *job.Job) error {
		if err := j.Transition(job.StatusRunning, time.Now()); err != nil {
			return err
		}
		return j.Transition(job.StatusFailed, time.Now())
	})

	out, err = run(t, "watch", "--api-url", svc.server.URL, "--api-key", "k", id)
	require.Error(t, err, "a failed job exits non-zero")
	assert.Contains(t, out, "failed 0%")
}

func TestCLI_Usage(t *testing.T) {
	t.Parallel()

	_, err := run(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing job-id")

	_, err = run(t, "submit", "--solver", "ortools", "--seed", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
}

func TestReadParams(t *testing.T) {
	t.Parallel()

	params, err := readParams("")
	require.NoError(t, err)
	assert.Empty(t, params)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("[1,2"), 0o600))
	_, err = readParams(bad)
	assert.ErrorContains(t, err, "invalid params JSON")

	_, err = readParams(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
