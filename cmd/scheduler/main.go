package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/animus-labs/animus-orchestrator/internal/app"
	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
	"github.com/animus-labs/animus-orchestrator/internal/platform/httpserver"
)

const service = "scheduler"

func main() {
	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(env.String("ANIMUS_LOG_LEVEL", "info"))); err != nil {
		level.Set(slog.LevelInfo)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With("service", service)

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	httpCfg, err := httpserver.ConfigFromEnv(service)
	if err != nil {
		logger.Error("invalid http config", "error", err)
		os.Exit(2)
	}

	backend, err := app.OpenBackend(ctx, cfg)
	if err != nil {
		logger.Error("backend unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = backend.Close() }()

	a, err := app.New(cfg, backend, logger)
	if err != nil {
		logger.Error("wiring failed", "error", err)
		os.Exit(1)
	}
	a.Start(ctx)
	logger.Info("control plane started",
		"store", cfg.Store,
		"artifact_store", cfg.ArtifactStore,
		"max_concurrency", cfg.Admission.MaxConcurrency,
		"admission_interval", cfg.Admission.Interval,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, backend.Checks...))
	mux.Handle("/metrics", httpserver.Metrics(a.Registry))

	if err := httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
