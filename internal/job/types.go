// Package job defines the job and result records, the job state machine,
// and the service used by the API and CLI to submit and inspect jobs.
package job

import (
	"math"
	"time"

	"vrp-orchestrator/internal/apperrors"
)

// Status is the lifecycle state of a job.
type Status string

// Status constants
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusQueued, StatusRunning, StatusSucceeded, StatusFailed}

// transitions is the allowed-move table. running -> running is a no-op
// re-entry used when a drive attempt is retried.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusRunning, StatusSucceeded, StatusFailed},
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the move s -> to is in the transition table.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one submitted optimization request and its lifecycle state.
type Job struct {
	ID          string         `json:"id"`
	OwnerID     string         `json:"ownerId"`
	ProblemType string         `json:"problemType"`
	Solver      string         `json:"solver"`
	Seed        *int64         `json:"seed,omitempty"`
	Params      map[string]any `json:"params"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	ExternalID  string         `json:"externalId,omitempty"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"lastError,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	FinishedAt  *time.Time     `json:"finishedAt,omitempty"`
}

// Transition moves the job to status to, stamping started/finished times.
// Moves outside the transition table fail with ErrInvalidTransition.
func (j *Job) Transition(to Status, now time.Time) error {
	if !j.Status.CanTransition(to) {
		return apperrors.InvalidTransition("job", string(j.Status), string(to))
	}
	if to == StatusRunning && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if to.Terminal() {
		t := now
		j.FinishedAt = &t
	}
	j.Status = to
	j.UpdatedAt = now
	return nil
}

// SetProgress clamps p to [0,100] and applies it unless it would move
// progress backwards. Returns the resulting progress.
func (j *Job) SetProgress(p int) int {
	p = ClampProgress(p)
	if p > j.Progress {
		j.Progress = p
	}
	return j.Progress
}

// SetExternalID records the solver-issued identifier. It is set at most
// once: returns false when a different id is already present.
func (j *Job) SetExternalID(id string) bool {
	if id == "" || id == j.ExternalID {
		return true
	}
	if j.ExternalID != "" {
		return false
	}
	j.ExternalID = id
	return true
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Params = CloneParams(j.Params)
	if j.Seed != nil {
		seed := *j.Seed
		c.Seed = &seed
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Snapshot returns the immutable published view of the job.
func (j *Job) Snapshot() Snapshot {
	return Snapshot{
		JobID:      j.ID,
		OwnerID:    j.OwnerID,
		Status:     j.Status,
		Progress:   j.Progress,
		ExternalID: j.ExternalID,
		Attempts:   j.Attempts,
		LastError:  j.LastError,
		UpdatedAt:  j.UpdatedAt,
	}
}

// Snapshot is a point-in-time copy of a job's observable state.
type Snapshot struct {
	JobID      string    `json:"jobId"`
	OwnerID    string    `json:"ownerId"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"`
	ExternalID string    `json:"externalId,omitempty"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Result is the canonicalized output of a succeeded job.
type Result struct {
	JobID     string         `json:"jobId"`
	Metrics   map[string]any `json:"metrics"`
	Routes    []any          `json:"routes"`
	Waypoints []any          `json:"waypoints"`
	Duration  float64        `json:"duration"`
	Cost      float64        `json:"cost"`
	CreatedAt time.Time      `json:"createdAt"`
}

// costKeys are the metrics keys consulted, in order, for the result cost.
var costKeys = []string{"cost", "objective_value", "total_distance_km", "total_distance"}

// NewResult builds the result for j from a canonical solver response.
// Duration runs from the job's start to now.
func NewResult(j *Job, metrics map[string]any, routes, waypoints []any, now time.Time) *Result {
	if metrics == nil {
		metrics = map[string]any{}
	}
	if routes == nil {
		routes = []any{}
	}
	if waypoints == nil {
		waypoints = []any{}
	}
	var duration float64
	if j.StartedAt != nil {
		duration = max(now.Sub(*j.StartedAt).Seconds(), 0)
	}
	return &Result{
		JobID:     j.ID,
		Metrics:   metrics,
		Routes:    routes,
		Waypoints: waypoints,
		Duration:  duration,
		Cost:      costFromMetrics(metrics),
		CreatedAt: now,
	}
}

func costFromMetrics(metrics map[string]any) float64 {
	for _, key := range costKeys {
		if f, ok := toFloat(metrics[key]); ok {
			return f
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case interface{ Float64() (float64, error) }:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ClampProgress bounds p to [0,100].
func ClampProgress(p int) int {
	return min(max(p, 0), 100)
}

// CloneParams deep-copies a decoded JSON mapping.
func CloneParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneParams(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	c := *r
	c.Metrics = CloneParams(r.Metrics)
	c.Routes, _ = cloneValue(r.Routes).([]any)
	c.Waypoints, _ = cloneValue(r.Waypoints).([]any)
	return &c
}
