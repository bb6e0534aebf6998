// Package worker drives jobs through their lifecycle: it calls the solver,
// records progress, retries failed attempts and settles each job in a
// terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vrp-orchestrator/internal/apperrors"
	"vrp-orchestrator/internal/job"
	"vrp-orchestrator/internal/normalize"
	"vrp-orchestrator/internal/solver"
	"vrp-orchestrator/pkg/backoff"
)

// Progress milestones of one drive attempt.
const (
	progressStarted   = 5
	progressAccepted  = 25
	progressPollStart = 40
	progressPollStep  = 15
	progressPollMax   = 95
	progressDone      = 100
)

// maxErrorLength caps the failure message stored on a job.
const maxErrorLength = 1024

// Solver is the part of the solver client the driver needs.
type Solver interface {
	Solve(ctx context.Context, params map[string]any) (*solver.Solution, error)
	FetchResults(ctx context.Context, externalID string) (*normalize.Response, error)
}

// MetricsRecorder is an optional interface for recording drive metrics.
type MetricsRecorder interface {
	RecordDriveStarted(ctx context.Context)
	RecordDriveFinished(ctx context.Context)
	RecordDriveAttempt(ctx context.Context, kind string)
	RecordJobCompleted(ctx context.Context, problemType string, success bool, durationSeconds float64)
}

// Driver runs the drive algorithm for one job at a time per job id.
type Driver struct {
	store     job.Store
	locker    job.Locker
	solver    Solver
	publisher job.Publisher
	cfg       DriverConfig
	retry     RetryPolicy
	metrics   MetricsRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewDriver creates a driver. metrics may be nil.
func NewDriver(store job.Store, locker job.Locker, s Solver, publisher job.Publisher, cfg DriverConfig, metrics MetricsRecorder) *Driver {
	cfg = cfg.withDefaults()
	return &Driver{
		store:     store,
		locker:    locker,
		solver:    s,
		publisher: publisher,
		cfg:       cfg,
		retry:     policyFor(cfg),
		metrics:   metrics,
		logger:    slog.With("component", "driver"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Drive advances job id to a terminal state. A missing job yields
// ErrNotFound; an already terminal job is a no-op. When the retry budget
// is exhausted the job is marked failed and the last error is returned.
// Cancelling ctx abandons the drive and leaves the job as last written.
func (d *Driver) Drive(ctx context.Context, id string) error {
	j, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}

	unlock, err := d.locker.Lock(ctx, id)
	if err != nil {
		return fmt.Errorf("lock job %s: %w", id, err)
	}
	defer unlock()

	// Another drive may have settled the job while we waited for the lock.
	if j, err = d.store.Get(ctx, id); err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}

	if d.metrics != nil {
		d.metrics.RecordDriveStarted(ctx)
		defer d.metrics.RecordDriveFinished(context.WithoutCancel(ctx))
	}

	logger := d.logger.With("jobId", id)
	if j.Attempts >= d.cfg.MaxAttempts {
		cause := fmt.Errorf("retry budget of %d attempts already spent", d.cfg.MaxAttempts)
		if j.LastError != "" {
			cause = fmt.Errorf("%w: %s", cause, j.LastError)
		}
		return d.fail(ctx, logger, id, apperrors.Internal("drive", cause))
	}

	// tries counts this drive's attempts, including ones that failed
	// before the job could record them.
	tries := j.Attempts
	var lastErr error
	for {
		attempt, err := d.attempt(ctx, logger, id)
		if err == nil {
			d.recordAttempt(ctx, nil)
			return nil
		}
		d.recordAttempt(ctx, err)
		if attempt > 0 {
			tries = attempt
		} else {
			tries++
		}

		if ctx.Err() != nil {
			logger.Warn("Drive interrupted", "attempt", tries, "error", err)
			return ctx.Err()
		}
		if errors.Is(err, apperrors.ErrNotFound) {
			logger.Warn("Job disappeared during drive", "attempt", tries)
			return err
		}
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			logger.Warn("Job settled outside this drive", "attempt", tries, "error", err)
			return err
		}

		lastErr = err
		attrs := []any{
			"attempt", tries,
			"maxAttempts", d.cfg.MaxAttempts,
			"kind", apperrors.Kind(err),
			"error", err,
		}
		var appErr *apperrors.Error
		if errors.As(err, &appErr) && appErr.StatusCode > 0 {
			attrs = append(attrs, "statusCode", appErr.StatusCode, "body", appErr.Body)
		}
		logger.Warn("Drive attempt failed", attrs...)
		d.recordError(ctx, id, err)

		if tries >= d.cfg.MaxAttempts || !d.retry(err) {
			break
		}
		wait := backoff.Exponential(tries, &d.cfg.Backoff)
		if err := backoff.Sleep(ctx, wait); err != nil {
			logger.Warn("Drive interrupted during backoff", "attempt", tries)
			return err
		}
	}
	return d.fail(ctx, logger, id, lastErr)
}

// attempt performs one pass of the drive sequence. It returns the attempt
// number recorded on the job, or 0 if the attempt could not be recorded.
func (d *Driver) attempt(ctx context.Context, logger *slog.Logger, id string) (int, error) {
	j, err := d.update(ctx, id, func(j *job.Job) error {
		if err := j.Transition(job.StatusRunning, d.now()); err != nil {
			return err
		}
		j.Attempts++
		j.SetProgress(progressStarted)
		return nil
	})
	if err != nil {
		return 0, err
	}
	attempt := j.Attempts
	logger.Info("Drive attempt started", "attempt", attempt, "solver", j.Solver)

	sol, err := d.solver.Solve(ctx, j.Params)
	if err != nil {
		return attempt, err
	}
	_, err = d.update(ctx, id, func(j *job.Job) error {
		if !j.SetExternalID(sol.ExternalID) {
			logger.Warn("Ignoring new external id, one is already set",
				"externalId", j.ExternalID, "ignored", sol.ExternalID)
		}
		j.SetProgress(progressAccepted)
		return nil
	})
	if err != nil {
		return attempt, err
	}

	for step := range d.cfg.ProgressSteps {
		if err := backoff.Sleep(ctx, d.cfg.PollInterval); err != nil {
			return attempt, err
		}
		progress := min(progressPollStart+progressPollStep*step, progressPollMax)
		if _, err := d.update(ctx, id, func(j *job.Job) error {
			j.SetProgress(progress)
			return nil
		}); err != nil {
			return attempt, err
		}
	}

	resp := sol.Response
	if resp == nil {
		if resp, err = d.solver.FetchResults(ctx, sol.ExternalID); err != nil {
			return attempt, err
		}
	}

	done, err := d.store.Complete(ctx, id, func(j *job.Job) (*job.Result, error) {
		now := d.now()
		if err := j.Transition(job.StatusSucceeded, now); err != nil {
			return nil, err
		}
		j.SetProgress(progressDone)
		j.LastError = ""
		return job.NewResult(j, resp.Metrics, resp.Routes, resp.Waypoints, now), nil
	})
	if err != nil {
		return attempt, err
	}
	d.publish(done)
	if d.metrics != nil {
		d.metrics.RecordJobCompleted(ctx, done.ProblemType, true, runSeconds(done))
	}
	logger.Info("Job succeeded", "attempt", attempt, "externalId", done.ExternalID)
	return attempt, nil
}

// fail moves the job to failed and returns cause. The job is re-read
// first; if it no longer exists the write is skipped.
func (d *Driver) fail(ctx context.Context, logger *slog.Logger, id string, cause error) error {
	if _, err := d.store.Get(ctx, id); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			logger.Debug("Job gone before failure could be recorded")
			return cause
		}
		logger.Error("Failed job could not be reloaded", "error", err)
		return cause
	}

	failed, err := d.update(ctx, id, func(j *job.Job) error {
		if err := j.Transition(job.StatusFailed, d.now()); err != nil {
			return err
		}
		j.LastError = errorMessage(cause)
		return nil
	})
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		logger.Debug("Job gone before failure could be recorded")
	case err != nil:
		logger.Error("Failed to mark job failed", "error", err)
	default:
		if d.metrics != nil {
			d.metrics.RecordJobCompleted(ctx, failed.ProblemType, false, runSeconds(failed))
		}
		logger.Error("Job failed", "attempts", failed.Attempts, "kind", apperrors.Kind(cause), "error", cause)
	}
	return cause
}

// recordError stores the message of a failed attempt on the job.
func (d *Driver) recordError(ctx context.Context, id string, cause error) {
	_, err := d.update(ctx, id, func(j *job.Job) error {
		if j.Status.Terminal() {
			return apperrors.InvalidTransition("job", string(j.Status), string(j.Status))
		}
		j.LastError = errorMessage(cause)
		return nil
	})
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		d.logger.Warn("Failed to record attempt error", "jobId", id, "error", err)
	}
}

// update saves fn's changes with a fresh timestamp and publishes the result.
func (d *Driver) update(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	j, err := d.store.Update(ctx, id, func(j *job.Job) error {
		if err := fn(j); err != nil {
			return err
		}
		j.UpdatedAt = d.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.publish(j)
	return j, nil
}

func (d *Driver) publish(j *job.Job) {
	if d.publisher != nil {
		d.publisher.Publish(j.Snapshot())
	}
}

func (d *Driver) recordAttempt(ctx context.Context, err error) {
	if d.metrics != nil {
		d.metrics.RecordDriveAttempt(context.WithoutCancel(ctx), apperrors.Kind(err))
	}
}

func runSeconds(j *job.Job) float64 {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt).Seconds()
}

func errorMessage(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return msg
}
