package dispatcher

import (
	"time"

	"vrp-orchestrator/internal/config"
	"vrp-orchestrator/pkg/backoff"
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize       int            // pending events buffer (default: 10000)
	Workers          int            // concurrent delivery goroutines (default: 10)
	HTTPTimeout      time.Duration  // per-request timeout (default: 10s)
	MaxRetries       int            // retries after the first send (default: 3)
	Backoff          backoff.Config // wait between retries
	BreakerThreshold int            // consecutive failures that open a host's breaker (default: 5)
	BreakerCooldown  time.Duration  // open breaker wait, also the requeue delay (default: 30s)
	MaxRequeues      int            // requeues on an open breaker before dropping (default: 10)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:  config.GetIntEnv("WEBHOOK_BUFFER_SIZE", 10000),
		Workers:     config.GetIntEnv("WEBHOOK_WORKERS", 10),
		HTTPTimeout: config.GetDurationEnv("WEBHOOK_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:  config.GetIntEnv("WEBHOOK_MAX_RETRIES", 3),
		Backoff: backoff.Config{
			Initial: config.GetDurationEnv("WEBHOOK_BACKOFF_INITIAL", 100*time.Millisecond),
			Max:     config.GetDurationEnv("WEBHOOK_BACKOFF_MAX", 5*time.Second),
			Jitter:  0.2,
		},
		BreakerThreshold: config.GetIntEnv("WEBHOOK_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("WEBHOOK_BREAKER_COOLDOWN", 30*time.Second),
		MaxRequeues:      config.GetIntEnv("WEBHOOK_MAX_REQUEUES", 10),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = 100 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 5 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	return c
}
