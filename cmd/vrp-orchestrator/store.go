package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"vrp-orchestrator/internal/config"
	"vrp-orchestrator/internal/job"
	"vrp-orchestrator/internal/observability"
	"vrp-orchestrator/internal/store/memory"
	"vrp-orchestrator/internal/store/postgres"
)

// jobBackend is the job store and per-job lock the service runs on.
type jobBackend struct {
	store  job.Store
	locker job.Locker
	close  func()
}

// openStore connects to Postgres when databaseURL is set and falls back to
// the in-memory store otherwise.
func openStore(ctx context.Context, databaseURL string, migrate bool) (*jobBackend, error) {
	if databaseURL == "" {
		slog.Warn("DATABASE_URL not set, jobs are kept in memory and lost on restart")
		return &jobBackend{
			store:  memory.New(),
			locker: memory.NewLocker(),
			close:  func() {},
		}, nil
	}

	cfg := postgres.LoadConfigFromEnv()
	cfg.URL = databaseURL
	pool, err := postgres.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := postgres.New(pool)
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	maxConns := pool.Config().MaxConns
	slog.Info("Connected to Postgres", "maxConns", maxConns, "lockSlots", postgres.LockSlots(maxConns))
	return &jobBackend{
		store:  store,
		locker: postgres.NewLocker(pool),
		close:  pool.Close,
	}, nil
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	if err := config.LoadDotEnv(cmd.String("env")); err != nil {
		return err
	}
	svcCfg := config.LoadServiceConfig()
	slog.SetDefault(observability.NewLogger(os.Stdout, svcCfg.LogLevel, svcCfg.LogFormat))

	if svcCfg.DatabaseURL == "" {
		return cli.Exit("DATABASE_URL is required", 2)
	}
	backend, err := openStore(ctx, svcCfg.DatabaseURL, true)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	backend.close()
	slog.Info("Migrations applied")
	return nil
}
