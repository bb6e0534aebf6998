package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"vrp-orchestrator/internal/api"
	"vrp-orchestrator/internal/config"
	"vrp-orchestrator/internal/dispatcher"
	"vrp-orchestrator/internal/health"
	"vrp-orchestrator/internal/job"
	"vrp-orchestrator/internal/notify"
	"vrp-orchestrator/internal/observability"
	"vrp-orchestrator/internal/solver"
	"vrp-orchestrator/internal/solverhost"
	"vrp-orchestrator/internal/worker"
)

func serveAction(ctx context.Context, cmd *cli.Command) error {
	if err := config.LoadDotEnv(cmd.String("env")); err != nil {
		return err
	}
	svcCfg := config.LoadServiceConfig()
	slog.SetDefault(observability.NewLogger(os.Stdout, svcCfg.LogLevel, svcCfg.LogFormat))

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	backend, err := openStore(ctx, svcCfg.DatabaseURL, cmd.Bool("migrate"))
	if err != nil {
		return err
	}
	defer backend.close()

	solverCfg := solver.LoadConfigFromEnv()
	var host *solverhost.Host
	if cmd.Bool("managed-solver") {
		host, err = solverhost.Start(ctx, solverhost.LoadConfigFromEnv())
		if err != nil {
			return fmt.Errorf("failed to start managed solver: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := host.Close(closeCtx); err != nil {
				slog.Warn("Managed solver shutdown error", "error", err)
			}
		}()
		solverCfg.BaseURL = host.BaseURL()
	}
	solverClient, err := solver.New(solverCfg, metrics)
	if err != nil {
		return err
	}

	bus := notify.NewBus(notify.DefaultBufferSize, metrics)
	defer bus.Close()

	driver := worker.NewDriver(backend.store, backend.locker, solverClient, bus, worker.LoadDriverConfigFromEnv(), metrics)
	pool := worker.NewPool(worker.LoadPoolConfigFromEnv(), driver, backend.store, metrics)
	jobService := job.NewService(backend.store, bus, pool, metrics)

	deps := []health.Dependency{
		{Name: "store", Checker: backend.store, Required: true},
		{Name: "solver", Checker: health.ReadinessFunc(solverClient.Ping)},
	}
	if host != nil {
		deps = append(deps, health.Dependency{Name: "solver-container", Checker: host})
	}
	healthChecker := health.NewChecker(deps...)

	router := api.NewRouter(api.RouterConfig{
		JobService:     jobService,
		Events:         bus,
		Queue:          pool,
		Metrics:        metrics,
		HealthChecker:  healthChecker,
		Solver:         solverClient,
		APIKey:         svcCfg.APIKey,
		AllowedOrigins: svcCfg.AllowedOrigins,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	var webhooks *dispatcher.MemoryDispatcher
	if svcCfg.CallbackURL != "" {
		webhooks = dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
	}

	pool.Start()
	if n, err := pool.Recover(ctx); err != nil {
		slog.Warn("Recovery incomplete, the sweep will retry", "scheduled", n, "error", err)
	}

	apiServer := &http.Server{
		Addr:        ":" + svcCfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: event streams stay open for the life of a job.
		IdleTimeout: 60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	forwardCtx, stopForwarding := context.WithCancel(context.Background())
	defer stopForwarding()
	if webhooks != nil {
		forwarder := notify.NewForwarder(bus, webhooks, notify.ForwarderConfig{
			URL:        svcCfg.CallbackURL,
			SigningKey: svcCfg.CallbackKey,
			Events:     config.GetListEnv("STATUS_CALLBACK_EVENTS"),
		})
		g.Go(func() error {
			return forwarder.Run(forwardCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			slog.Info("Received shutdown signal")
		}

		// Phase 1: Mark service as unhealthy for load balancer draining
		healthChecker.SetShuttingDown()
		if svcCfg.ShutdownDrainWait > 0 && ctx.Err() != nil {
			slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
			time.Sleep(svcCfg.ShutdownDrainWait)
		}

		// Phase 2: stop accepting requests, finish in-flight ones
		slog.Info("Starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics server shutdown error", "error", err)
		}

		// Phase 3: finish running drives; unfinished jobs are recovered on restart
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer drainCancel()
		if err := pool.Close(drainCtx); err != nil {
			slog.Warn("Worker pool shutdown error", "error", err)
		}
		stats := pool.Stats()
		slog.Info("Worker pool stats", "drives", stats.Drives, "errors", stats.Errors, "pending", stats.Pending)

		// Phase 4: drain webhook deliveries
		stopForwarding()
		if webhooks != nil {
			dispatchCtx, dispatchCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer dispatchCancel()
			if err := webhooks.Close(dispatchCtx); err != nil {
				slog.Warn("Dispatcher shutdown error", "error", err)
			}
			ds := webhooks.Stats()
			slog.Info("Dispatcher stats", "delivered", ds.Delivered, "failed", ds.Failed, "dropped", ds.Dropped, "superseded", ds.Superseded, "openHosts", ds.OpenHosts)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}
