package worker

import (
	"errors"

	"vrp-orchestrator/internal/apperrors"
)

// RetryPolicy decides whether a failed drive attempt may be retried.
type RetryPolicy func(err error) bool

// RetryAll retries every solve-time failure, validation errors included.
// A malformed request and a transient shape mismatch look alike from here,
// so the whole budget is spent either way.
func RetryAll(error) bool {
	return true
}

// RetryTransient retries everything except validation errors, which fail
// the job immediately.
func RetryTransient(err error) bool {
	return !errors.Is(err, apperrors.ErrValidation)
}

// policyFor returns the retry policy selected by cfg.
func policyFor(cfg DriverConfig) RetryPolicy {
	if cfg.FailFastOnValidation {
		return RetryTransient
	}
	return RetryAll
}
