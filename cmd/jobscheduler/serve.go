package main

import (
	"context"
	"errors"
	"fmt"
	"jobscheduler/internal/api"
	"jobscheduler/internal/authority"
	"jobscheduler/internal/conditions"
	"jobscheduler/internal/config"
	"jobscheduler/internal/container"
	"jobscheduler/internal/dispatcher"
	"jobscheduler/internal/health"
	"jobscheduler/internal/job"
	"jobscheduler/internal/observability"
	"jobscheduler/internal/runner"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler with its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to a YAML config file (default $JOBSCHEDULER_CONFIG)")
	return cmd
}

func serve(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := observability.NewLogger(observability.LogConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	initial, err := initialConditions(cfg.Conditions)
	if err != nil {
		return err
	}
	monitor := conditions.NewMonitor(initial)

	// Create callback dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcher.Config{
		BufferSize:  cfg.Dispatcher.BufferSize,
		Workers:     cfg.Dispatcher.Workers,
		HTTPTimeout: cfg.Dispatcher.HTTPTimeout,
	}, metrics)
	started := startupClosers{eventDispatcher.Close}

	auth := authority.New(authority.Config{
		MaxJobs:             cfg.Scheduler.MaxJobs,
		Retention:           cfg.Scheduler.Retention,
		MaintenanceInterval: cfg.Scheduler.MaintenanceInterval,
		Conditions:          monitor,
		Dispatcher:          eventDispatcher,
		Metrics:             metrics,
	})
	started = append(started, closeAuthority(auth))

	sample := runner.NewSampleService(runner.Config{
		Steps:         cfg.Sample.Steps,
		StepInterval:  cfg.Sample.StepInterval,
		AbandonOnStop: !cfg.Sample.RescheduleOnStop,
	}, auth)
	started = append(started, sample.Close)
	if err := auth.Register(job.DefaultService, sample); err != nil {
		started.close()
		return err
	}

	checks := []health.Check{{Name: "scheduler", Checker: auth}}

	var containers *container.Service
	if cfg.Docker.Enabled {
		containers, err = container.NewService(ctx, container.Config{StopTimeout: cfg.Docker.StopTimeout}, auth)
		if err != nil {
			started.close()
			return err
		}
		started = append(started, containers.Close)
		if err := auth.Register("container", containers); err != nil {
			started.close()
			return err
		}
		checks = append(checks, health.Check{Name: "docker", Checker: containers, Optional: true})
		slog.Info("Container job service enabled")
	}

	healthChecker := health.NewChecker(checks...)
	jobService := job.NewService(auth, metrics)

	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Conditions:    monitor,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Dispatcher:    eventDispatcher,
		APIKey:        cfg.APIKey,
		RateLimit:     cfg.RateLimit,
		RateBurst:     cfg.RateBurst,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)

		// Phase 1: Mark service as unhealthy for load balancer draining
		healthChecker.SetShuttingDown()
		if cfg.ShutdownDrainWait > 0 {
			slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
			time.Sleep(cfg.ShutdownDrainWait)
		}

		// Phase 2: stop accepting new connections, finish in-flight requests
		slog.Info("Starting graceful shutdown")
		shutdown(25 * time.Second)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		runErr = err
	}

	// Phase 3: stop the scheduler; running attempts get a shutdown stop signal
	if err := auth.Close(); err != nil {
		slog.Warn("Scheduler shutdown error", "error", err)
	}

	servicesCtx, servicesCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer servicesCancel()
	if err := sample.Close(servicesCtx); err != nil {
		slog.Warn("Sample service shutdown error", "error", err)
	}
	if containers != nil {
		if err := containers.Close(servicesCtx); err != nil {
			slog.Warn("Container service shutdown error", "error", err)
		}
	}

	// Phase 4: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return runErr
}

// startupClosers releases components started before a setup step failed.
type startupClosers []func(context.Context) error

// close runs the closers in reverse start order.
func (c startupClosers) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](ctx); err != nil {
			slog.Warn("Startup cleanup error", "error", err)
		}
	}
}

func closeAuthority(a *authority.Authority) func(context.Context) error {
	return func(context.Context) error { return a.Close() }
}

func initialConditions(c config.ConditionsConfig) (conditions.State, error) {
	network, err := conditions.ParseNetworkType(c.Network)
	if err != nil {
		return conditions.State{}, fmt.Errorf("config: %w", err)
	}
	return conditions.State{
		Charging:      c.Charging,
		BatteryNotLow: c.BatteryNotLow,
		Idle:          c.Idle,
		StorageNotLow: c.StorageNotLow,
		Network:       network,
	}, nil
}
