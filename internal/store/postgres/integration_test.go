//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrp-orchestrator/internal/apperrors"
	"vrp-orchestrator/internal/job"
)

var (
	testPool *pgxpool.Pool
	testURL  string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	dockerPool, err := dockertest.NewPool("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not connect to docker: %v\n", err)
		return 1
	}
	dockerPool.MaxWait = 90 * time.Second

	resource, err := dockerPool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=vrp",
			"POSTGRES_PASSWORD=vrp",
			"POSTGRES_DB=vrp",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not start postgres: %v\n", err)
		return 1
	}
	defer func() {
		if err := dockerPool.Purge(resource); err != nil {
			fmt.Fprintf(os.Stderr, "could not purge postgres: %v\n", err)
		}
	}()
	_ = resource.Expire(300)

	url := fmt.Sprintf("postgres://vrp:vrp@%s/vrp?sslmode=disable", resource.GetHostPort("5432/tcp"))
	testURL = url
	err = dockerPool.Retry(func() error {
		pool, err := Connect(context.Background(), Config{URL: url, MaxConns: 8, ConnectTimeout: 5 * time.Second})
		if err != nil {
			return err
		}
		testPool = pool
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres never became ready: %v\n", err)
		return 1
	}
	defer testPool.Close()

	if err := New(testPool).Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	return m.Run()
}

var seq atomic.Int64

func newJob(t *testing.T, owner string, status job.Status) *job.Job {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	seed := int64(7)
	return &job.Job{
		ID:          fmt.Sprintf("%s-%d", t.Name(), seq.Add(1)),
		OwnerID:     owner,
		ProblemType: "vrp",
		Solver:      "ortools",
		Seed:        &seed,
		Params:      map[string]any{"locations": []any{[]any{1.5, 2.5}, []any{3.5, 4.5}}, "vehicle_count": 2.0},
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestStore_CreateGet(t *testing.T) {
	ctx := context.Background()
	s := New(testPool)
	j := newJob(t, "alice", job.StatusQueued)
	require.NoError(t, s.Create(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, int64(7), *got.Seed)
	assert.Equal(t, j.Params, got.Params)
	assert.True(t, j.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)

	err = s.Create(ctx, j)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStore_UpdateAndComplete(t *testing.T) {
	ctx := context.Background()
	s := New(testPool)
	j := newJob(t, "alice", job.StatusQueued)
	require.NoError(t, s.Create(ctx, j))

	updated, err := s.Update(ctx, j.ID, func(j *job.Job) error {
		j.Attempts++
		j.SetProgress(25)
		j.SetExternalID("ext-1")
		return j.Transition(job.StatusRunning, time.Now())
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, updated.Status)

	_, err = s.Update(ctx, j.ID, func(j *job.Job) error {
		return j.Transition(job.StatusQueued, time.Now())
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, got.Progress, "failed update is rolled back")
	assert.Equal(t, "ext-1", got.ExternalID)
	require.NotNil(t, got.StartedAt)

	done, err := s.Complete(ctx, j.ID, func(j *job.Job) (*job.Result, error) {
		now := time.Now().UTC()
		if err := j.Transition(job.StatusSucceeded, now); err != nil {
			return nil, err
		}
		j.SetProgress(100)
		return job.NewResult(j, map[string]any{"cost": 12.5}, []any{[]any{1.0}}, []any{}, now), nil
	})
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, done.Status)

	res, err := s.Result(ctx, j.ID)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, res.Cost, 1e-9)
	assert.Len(t, res.Routes, 1)

	_, err = s.Complete(ctx, j.ID, func(j *job.Job) (*job.Result, error) {
		return job.NewResult(j, nil, nil, nil, time.Now()), nil
	})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestStore_ListAndCounts(t *testing.T) {
	ctx := context.Background()
	s := New(testPool)
	owner := fmt.Sprintf("owner-%d", seq.Add(1))
	for i, st := range []job.Status{job.StatusQueued, job.StatusQueued, job.StatusRunning} {
		j := newJob(t, owner, st)
		j.CreatedAt = j.CreatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Create(ctx, j))
	}

	jobs, err := s.List(ctx, job.ListOptions{OwnerID: owner})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, job.StatusRunning, jobs[0].Status, "newest first")

	jobs, err = s.List(ctx, job.ListOptions{OwnerID: owner, OldestFirst: true})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, job.StatusRunning, jobs[2].Status, "oldest first")

	jobs, err = s.List(ctx, job.ListOptions{OwnerID: owner, Status: job.StatusQueued, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[job.StatusQueued], 2)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := New(testPool)
	j := newJob(t, "alice", job.StatusQueued)
	require.NoError(t, s.Create(ctx, j))

	require.NoError(t, s.Delete(ctx, j.ID))
	_, err := s.Update(ctx, j.ID, func(*job.Job) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, j.ID), apperrors.ErrNotFound)
}

func TestStore_MigrateIsIdempotent(t *testing.T) {
	require.NoError(t, New(testPool).Migrate(context.Background()))
}

func TestLocker_SerializesHolders(t *testing.T) {
	locker := NewLocker(testPool)
	var inside, maxInside atomic.Int64
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "shared-job")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), maxInside.Load())
}

func TestLocker_RespectsContext(t *testing.T) {
	locker := NewLocker(testPool)
	unlock, err := locker.Lock(context.Background(), "held-job")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "held-job")
	assert.Error(t, err)
}

func TestLocker_MoreHoldersThanConnections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := Connect(ctx, Config{URL: testURL, MaxConns: 3, ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer pool.Close()

	s := New(pool)
	locker := NewLocker(pool)
	ids := make([]string, 6)
	for i := range ids {
		j := newJob(t, "alice", job.StatusQueued)
		require.NoError(t, s.Create(ctx, j))
		ids[i] = j.ID
	}

	// Each holder writes its job while locked, as a drive does.
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, id)
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			_, err = s.Update(ctx, id, func(j *job.Job) error {
				return j.Transition(job.StatusRunning, time.Now().UTC())
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, id := range ids {
		j, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusRunning, j.Status)
	}
}
