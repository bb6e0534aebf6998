package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrp-orchestrator/internal/apperrors"
	"vrp-orchestrator/internal/job"
)

func newJob(id, owner string, created time.Time) *job.Job {
	return &job.Job{
		ID:          id,
		OwnerID:     owner,
		ProblemType: "vrp",
		Solver:      "ortools",
		Params:      map[string]any{"locations": []any{[]any{1.0, 2.0}}},
		Status:      job.StatusQueued,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestStore_CreateGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	j := newJob("a", "alice", time.Now())
	require.NoError(t, s.Create(ctx, j))

	err := s.Create(ctx, j)
	assert.True(t, errors.Is(err, apperrors.ErrConflict), "duplicate create should conflict, got %v", err)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)

	// Mutating the returned copy must not leak into the store.
	got.Params["locations"] = nil
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.NotNil(t, again.Params["locations"])

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestStore_ListOrderingAndFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 5 {
		owner := "alice"
		if i%2 == 1 {
			owner = "bob"
		}
		require.NoError(t, s.Create(ctx, newJob(fmt.Sprintf("job-%d", i), owner, base.Add(time.Duration(i)*time.Minute))))
	}

	all, err := s.List(ctx, job.ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "job-4", all[0].ID)
	assert.Equal(t, "job-0", all[4].ID)

	bobs, err := s.List(ctx, job.ListOptions{OwnerID: "bob"})
	require.NoError(t, err)
	assert.Len(t, bobs, 2)

	limited, err := s.List(ctx, job.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	oldest, err := s.List(ctx, job.ListOptions{Limit: 2, OldestFirst: true})
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, "job-0", oldest[0].ID)
	assert.Equal(t, "job-1", oldest[1].ID)

	running, err := s.List(ctx, job.ListOptions{Status: job.StatusRunning})
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestStore_UpdateIsAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, newJob("a", "alice", time.Now())))

	_, err := s.Update(ctx, "a", func(j *job.Job) error {
		j.SetProgress(50)
		return errors.New("boom")
	})
	require.Error(t, err)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress, "failed update must not be saved")

	updated, err := s.Update(ctx, "a", func(j *job.Job) error {
		j.SetProgress(50)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 50, updated.Progress)

	_, err = s.Update(ctx, "missing", func(*job.Job) error { return nil })
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestStore_CompleteOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, newJob("a", "alice", time.Now())))

	complete := func(j *job.Job) (*job.Result, error) {
		now := time.Now()
		if err := j.Transition(job.StatusRunning, now); err != nil {
			return nil, err
		}
		if err := j.Transition(job.StatusSucceeded, now); err != nil {
			return nil, err
		}
		j.SetProgress(100)
		return job.NewResult(j, map[string]any{"cost": 12.5}, nil, nil, now), nil
	}

	got, err := s.Complete(ctx, "a", complete)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, got.Status)

	res, err := s.Result(ctx, "a")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, res.Cost, 1e-9)

	_, err = s.Complete(ctx, "a", complete)
	assert.True(t, errors.Is(err, apperrors.ErrConflict), "second complete should conflict, got %v", err)

	_, err = s.Result(ctx, "missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestStore_CountsAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Create(ctx, newJob("a", "alice", time.Now())))
	require.NoError(t, s.Create(ctx, newJob("b", "alice", time.Now())))
	_, err := s.Update(ctx, "b", func(j *job.Job) error {
		return j.Transition(job.StatusRunning, time.Now())
	})
	require.NoError(t, err)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[job.StatusQueued])
	assert.Equal(t, 1, counts[job.StatusRunning])

	require.NoError(t, s.Delete(ctx, "a"))
	assert.True(t, errors.Is(s.Delete(ctx, "a"), apperrors.ErrNotFound))
	assert.NoError(t, s.Ready(ctx))
}
