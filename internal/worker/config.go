package worker

import (
	"time"

	"vrp-orchestrator/internal/config"
	"vrp-orchestrator/pkg/backoff"
)

// DriverConfig holds drive tuning.
type DriverConfig struct {
	MaxAttempts          int            // drive attempts per job (default: 3)
	ProgressSteps        int            // polling steps between acceptance and results (default: 3)
	PollInterval         time.Duration  // wait before each polling step (default: 750ms)
	Backoff              backoff.Config // wait between attempts
	FailFastOnValidation bool           // stop retrying requests that fail validation (default: false)
}

// PoolConfig holds worker pool tuning.
type PoolConfig struct {
	Workers       int           // concurrent drives (default: 4)
	QueueSize     int           // pending job ids (default: 1024)
	SweepInterval time.Duration // re-enqueue stranded non-terminal jobs (default: 30s, negative disables)
}

// LoadDriverConfigFromEnv loads drive configuration from environment variables.
func LoadDriverConfigFromEnv() DriverConfig {
	cfg := DriverConfig{
		MaxAttempts:   config.GetIntEnv("DRIVE_MAX_ATTEMPTS", 3),
		ProgressSteps: config.GetIntEnv("DRIVE_PROGRESS_STEPS", 3),
		PollInterval:  config.GetDurationEnv("DRIVE_POLL_INTERVAL", 750*time.Millisecond),
		Backoff: backoff.Config{
			Initial: config.GetDurationEnv("DRIVE_BACKOFF_INITIAL", time.Second),
			Max:     config.GetDurationEnv("DRIVE_BACKOFF_MAX", 30*time.Second),
			Jitter:  0.2,
		},
		FailFastOnValidation: !config.GetBoolEnv("RETRY_VALIDATION_ERRORS", true),
	}
	return cfg.withDefaults()
}

// LoadPoolConfigFromEnv loads pool configuration from environment variables.
func LoadPoolConfigFromEnv() PoolConfig {
	cfg := PoolConfig{
		Workers:       config.GetIntEnv("WORKER_CONCURRENCY", 4),
		QueueSize:     config.GetIntEnv("WORKER_QUEUE_SIZE", 1024),
		SweepInterval: config.GetDurationEnv("WORKER_SWEEP_INTERVAL", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c DriverConfig) withDefaults() DriverConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.ProgressSteps < 0 {
		c.ProgressSteps = 0
	}
	if c.PollInterval < 0 {
		c.PollInterval = 0
	}
	return c
}

// withDefaults fills in zero values with defaults.
func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}
