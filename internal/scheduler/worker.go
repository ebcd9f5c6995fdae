package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/platform/env"
	"github.com/animus-labs/animus-orchestrator/internal/signals"
)

type WorkerConfig struct {
	PollInterval time.Duration
	Batch        int
}

func WorkerConfigFromEnv() (WorkerConfig, error) {
	interval, err := env.Duration("ANIMUS_SIGNAL_POLL_INTERVAL", time.Second)
	if err != nil {
		return WorkerConfig{}, err
	}
	batch, err := env.Int("ANIMUS_SIGNAL_BATCH", 100)
	if err != nil {
		return WorkerConfig{}, err
	}
	cfg := WorkerConfig{PollInterval: interval, Batch: batch}
	return cfg, cfg.Validate()
}

func (c WorkerConfig) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("ANIMUS_SIGNAL_POLL_INTERVAL must be positive")
	}
	if c.Batch <= 0 {
		return errors.New("ANIMUS_SIGNAL_BATCH must be positive")
	}
	return nil
}

// readier is implemented by queues able to wake the worker before the next poll.
type readier interface {
	Ready() <-chan struct{}
}

// Worker drains the scheduler topic into a Manager.
type Worker struct {
	manager  *Manager
	consumer signals.Consumer
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

func NewWorker(cfg WorkerConfig, manager *Manager, consumer signals.Consumer, logger *slog.Logger) *Worker {
	if manager == nil || consumer == nil {
		return nil
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Worker{
		manager:  manager,
		consumer: consumer,
		logger:   logger,
		interval: cfg.PollInterval,
		batch:    cfg.Batch,
	}
}

// Start runs the worker until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	if w == nil {
		return
	}
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var ready <-chan struct{}
	if r, ok := w.consumer.(readier); ok {
		ready = r.Ready()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Drain(ctx)
		case <-ready:
			w.Drain(ctx)
		}
	}
}

// Drain handles pending signals until the topic is empty and returns how many
// were handled. Handlers may publish follow-up signals; those are drained too.
func (w *Worker) Drain(ctx context.Context) int {
	handled := 0
	for ctx.Err() == nil {
		batch, err := w.consumer.Consume(ctx, signals.TopicScheduler, w.batch)
		if err != nil {
			w.log("consume signals failed", "error", err)
			return handled
		}
		if len(batch) == 0 {
			return handled
		}
		for _, sig := range batch {
			if err := w.manager.Handle(ctx, sig); err != nil {
				w.log("handle signal failed", "kind", sig.Kind, "run_id", sig.RunID, "error", err)
			}
			handled++
		}
	}
	return handled
}

func (w *Worker) log(msg string, attrs ...any) {
	if w.logger == nil {
		return
	}
	fields := []any{"component", "scheduler_worker"}
	fields = append(fields, attrs...)
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok || key != "error" {
			continue
		}
		if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
			return
		}
	}
	w.logger.Warn(msg, fields...)
}
