// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"strings"
	"time"
)

// ServiceConfig holds configuration for the orchestrator service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	DatabaseURL       string        // Postgres connection string; empty selects the in-memory store
	CallbackURL       string        // Webhook receiving job status CloudEvents; empty disables forwarding
	CallbackKey       string        // HMAC key for webhook signatures
	LogLevel          slog.Level
	LogFormat         string   // "json" or "text"
	AllowedOrigins    []string // CORS origins; empty allows any
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		DatabaseURL:       GetEnv("DATABASE_URL", ""),
		CallbackURL:       GetEnv("STATUS_CALLBACK_URL", ""),
		CallbackKey:       GetSecretFile(GetEnv("STATUS_CALLBACK_KEY_FILE", "")),
		LogLevel:          parseLevel(GetEnv("LOG_LEVEL", "info")),
		LogFormat:         GetEnv("LOG_FORMAT", "json"),
		AllowedOrigins:    GetListEnv("CORS_ALLOWED_ORIGINS"),
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
