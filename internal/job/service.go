package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"vrp-orchestrator/internal/apperrors"
	"vrp-orchestrator/internal/observability"
)

// Validation limits
const (
	maxNameLength   = 64
	maxOwnerIDLen   = 128
	defaultOwnerID  = "anonymous"
	maxParamEntries = 256
)

// namePattern allows alphanumeric, dots, hyphens, and underscores
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ErrQueueFull is returned by an Enqueuer that cannot accept more work.
var ErrQueueFull = errors.New("job queue is full")

// SubmitRequest describes a new job.
type SubmitRequest struct {
	OwnerID     string         `json:"-"`
	ProblemType string         `json:"problemType"`
	Solver      string         `json:"solver"`
	Seed        *int64         `json:"seed,omitempty"`
	Params      map[string]any `json:"params"`
}

// Service implements the inbound job operations: submit, inspect, list
// and duplicate. Driving jobs is the worker's concern.
type Service struct {
	store     Store
	publisher Publisher
	queue     Enqueuer
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewService creates a new job service.
func NewService(store Store, publisher Publisher, queue Enqueuer, metrics *observability.Metrics) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		queue:     queue,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Submit validates req, stores a queued job and schedules it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	if req.OwnerID == "" {
		req.OwnerID = defaultOwnerID
	}

	now := s.now().UTC()
	j := &Job{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		ProblemType: req.ProblemType,
		Solver:      req.Solver,
		Seed:        req.Seed,
		Params:      CloneParams(req.Params),
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if j.Params == nil {
		j.Params = map[string]any{}
	}
	return s.create(ctx, j)
}

// Duplicate copies the problem definition of job id into a fresh queued job
// owned by ownerID (or the original owner when empty).
func (s *Service) Duplicate(ctx context.Context, id, ownerID string) (*Job, error) {
	orig, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID == "" {
		ownerID = orig.OwnerID
	}

	now := s.now().UTC()
	j := &Job{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		ProblemType: orig.ProblemType,
		Solver:      orig.Solver,
		Params:      CloneParams(orig.Params),
		Status:      StatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if orig.Seed != nil {
		seed := *orig.Seed
		j.Seed = &seed
	}
	if j.Params == nil {
		j.Params = map[string]any{}
	}
	slog.Info("Job duplicated", "jobId", j.ID, "sourceJobId", id)
	return s.create(ctx, j)
}

func (s *Service) create(ctx context.Context, j *Job) (*Job, error) {
	logger := slog.With("jobId", j.ID, "problemType", j.ProblemType, "solver", j.Solver)

	if err := s.store.Create(ctx, j); err != nil {
		logger.Error("Job could not be stored", "error", err)
		return nil, err
	}
	if s.publisher != nil {
		s.publisher.Publish(j.Snapshot())
	}
	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, j.ProblemType)
	}

	if s.queue != nil {
		if err := s.queue.Enqueue(j.ID); err != nil {
			// The job stays queued; the worker pool's recovery sweep picks it up.
			logger.Warn("Job stored but not scheduled", "error", err)
		}
	}

	logger.Info("Job submitted", "ownerId", j.OwnerID)
	return j, nil
}

// Get returns the current snapshot of a job.
func (s *Service) Get(ctx context.Context, id string) (*Snapshot, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := j.Snapshot()
	return &snap, nil
}

// Job returns the full job record.
func (s *Service) Job(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// Result returns the result of a succeeded job. A job that exists but has
// not succeeded yields ErrConflict.
func (s *Service) Result(ctx context.Context, id string) (*Result, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusSucceeded {
		return nil, apperrors.Conflict("job", id, fmt.Sprintf("job %s has no result (status %s)", id, j.Status))
	}
	return s.store.Result(ctx, id)
}

// List returns jobs, most recent first.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, apperrors.Validation("status", fmt.Sprintf("unknown status %q", opts.Status))
	}
	opts.Limit = opts.EffectiveLimit()
	return s.store.List(ctx, opts)
}

// Counts returns the number of jobs in each status; every status is present.
func (s *Service) Counts(ctx context.Context) (map[Status]int, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		out[st] = counts[st]
	}
	return out, nil
}

// validate validates a submit request. Does not modify the request.
func validate(req *SubmitRequest) error {
	if req.ProblemType == "" {
		return apperrors.Validation("problemType", "problem type is required")
	}
	if len(req.ProblemType) > maxNameLength || !namePattern.MatchString(req.ProblemType) {
		return apperrors.Validation("problemType", fmt.Sprintf("problem type must be alphanumeric (dots, hyphens and underscores allowed) and at most %d characters", maxNameLength))
	}
	if req.Solver == "" {
		return apperrors.Validation("solver", "solver is required")
	}
	if len(req.Solver) > maxNameLength || !namePattern.MatchString(req.Solver) {
		return apperrors.Validation("solver", fmt.Sprintf("solver must be alphanumeric (dots, hyphens and underscores allowed) and at most %d characters", maxNameLength))
	}
	if len(req.OwnerID) > maxOwnerIDLen {
		return apperrors.Validation("ownerId", fmt.Sprintf("owner ID exceeds maximum length of %d", maxOwnerIDLen))
	}
	if len(req.Params) > maxParamEntries {
		return apperrors.Validation("params", fmt.Sprintf("params exceed maximum of %d entries", maxParamEntries))
	}
	return nil
}
