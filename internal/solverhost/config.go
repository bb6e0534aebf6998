package solverhost

import (
	"time"

	"vrp-orchestrator/internal/config"
)

// Config holds configuration for the managed solver container.
type Config struct {
	Image         string        // solver image (required)
	Name          string        // container name (default: vrp-solver)
	ContainerPort string        // port the solver listens on inside the container (default: 8000)
	HostPort      string        // published host port, empty picks a free one
	HealthPath    string        // readiness probe path (default: /health)
	Env           []string      // extra KEY=VALUE entries
	ExtraHosts    []string      // extra /etc/hosts entries (e.g., ["osrm.local:host-gateway"])
	CPU           float64       // CPU limit in cores, 0 = unlimited
	MemoryMB      int           // memory limit, 0 = unlimited
	ReadyTimeout  time.Duration // how long Start waits for the solver to answer (default: 2m)
	StopTimeout   int           // seconds given to the solver to exit on Close (default: 10)
}

// LoadConfigFromEnv loads solver host configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Image:         config.GetEnv("SOLVER_IMAGE", ""),
		Name:          config.GetEnv("SOLVER_CONTAINER_NAME", "vrp-solver"),
		ContainerPort: config.GetEnv("SOLVER_CONTAINER_PORT", "8000"),
		HostPort:      config.GetEnv("SOLVER_HOST_PORT", ""),
		HealthPath:    config.GetEnv("SOLVER_HEALTH_PATH", "/health"),
		Env:           config.GetListEnv("SOLVER_ENV"),
		ExtraHosts:    config.GetListEnv("SOLVER_EXTRA_HOSTS"),
		MemoryMB:      config.GetIntEnv("SOLVER_MEMORY_MB", 0),
		ReadyTimeout:  config.GetDurationEnv("SOLVER_READY_TIMEOUT", 2*time.Minute),
		StopTimeout:   config.GetIntEnv("SOLVER_STOP_TIMEOUT", 10),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "vrp-solver"
	}
	if c.ContainerPort == "" {
		c.ContainerPort = "8000"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.CPU < 0 {
		c.CPU = 0
	}
	if c.MemoryMB < 0 {
		c.MemoryMB = 0
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 2 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10
	}
	return c
}
