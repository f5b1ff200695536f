package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"llamarun/internal/config"
	"llamarun/internal/inference/proxy"
	"llamarun/internal/inference/router"
	"llamarun/internal/logging"
	"llamarun/internal/observability"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the inference orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	configureSlog(cfg)
	logger := logging.NewComponentLogger("oxide-infer")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Observability.Tracing)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown: %v", err)
		}
	}()

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics, err = observability.NewMetrics()
		if err != nil {
			return fmt.Errorf("setup metrics: %w", err)
		}
		defer func() {
			if err := metrics.Shutdown(context.Background()); err != nil {
				logger.Warn("metrics shutdown: %v", err)
			}
		}()
	}

	sched := router.NewScheduler(logger, cfg)
	sched = sched.WithMetrics(metrics)
	defer func() {
		if err := sched.Shutdown(context.Background()); err != nil {
			logger.Warn("scheduler shutdown: %v", err)
		}
	}()

	rt, err := router.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	defer rt.Shutdown()

	server := proxy.NewServer(sched, rt.Catalog, proxy.DefaultConfig(), logger)
	server = server.WithMetrics(metrics)
	server = rt.Attach(server)

	httpServer := &http.Server{
		Addr:    cfg.Developer.BindAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving on %s", cfg.Developer.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func configureSlog(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.General.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
