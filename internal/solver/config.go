package solver

import (
	"time"

	"vrp-orchestrator/internal/config"
)

// Config holds the solver client configuration. It is passed explicitly to
// New so clients for different endpoints can coexist.
type Config struct {
	BaseURL          string        // solver service root (default: http://localhost:8000)
	Timeout          time.Duration // per-request timeout (default: 30s)
	MaxInFlight      int           // concurrent solves, 0 = unbounded
	BreakerThreshold int           // consecutive failures before the circuit opens (default: 5)
	BreakerCooldown  time.Duration // open-circuit wait before a trial request (default: 30s)
}

// LoadConfigFromEnv loads solver client configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BaseURL:          config.GetEnv("SOLVER_URL", "http://localhost:8000"),
		Timeout:          config.GetDurationEnv("SOLVER_TIMEOUT", 30*time.Second),
		MaxInFlight:      config.GetIntEnv("SOLVER_MAX_IN_FLIGHT", 0),
		BreakerThreshold: config.GetIntEnv("SOLVER_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("SOLVER_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8000"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxInFlight < 0 {
		c.MaxInFlight = 0
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}
