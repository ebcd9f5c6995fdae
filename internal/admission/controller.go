// Package admission periodically releases work under concurrency budgets.
//
// Every tick recomputes consumption from persisted statuses, so a budget
// overrun caused by a race is corrected on the next tick. Passes fail
// independently and are retried wholesale on the next tick.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/lifecycle"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/signals"
)

const (
	passSchedules   = "schedules"
	passStopping    = "stopping"
	passDeleting    = "deleting"
	passChecks      = "checks"
	passHeartbeat   = "heartbeat"
	passRetries     = "retries"
	passControllers = "controllers"
	passQueue       = "queue"
)

// State summarizes one tick.
type State struct {
	Promoted  int
	Stopping  int
	Deleting  int
	Checked   int
	Heartbeat int
	// Retried counts compilable runs whose prepare signal was published again.
	Retried int
	// Admitted counts runs queued or started under controller budgets.
	Admitted int
	// Scheduled counts runs released to the substrate from the global queue.
	Scheduled int
	// Full is set when admissible work was left behind a zero budget.
	Full   bool
	Failed []string
}

type passResult struct {
	count int
	full  bool
}

type Controller struct {
	cfg         Config
	store       repo.Store
	publisher   signals.Publisher
	transitions *lifecycle.Transitioner
	metrics     *metrics
	logger      *slog.Logger
	now         func() time.Time
}

// New builds a controller. Metrics are registered on reg when it is not nil.
func New(cfg Config, store repo.Store, publisher signals.Publisher, reg prometheus.Registerer, logger *slog.Logger) *Controller {
	if store == nil || publisher == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:         cfg,
		store:       store,
		publisher:   publisher,
		transitions: lifecycle.New(store),
		metrics:     newMetrics(reg),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock returns a copy using now for thresholds and conditions.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	cp := *c
	cp.now = now
	cp.transitions = c.transitions.WithClock(now)
	return &cp
}

// Start ticks until ctx is done.
func (c *Controller) Start(ctx context.Context) {
	if c == nil {
		return
	}
	go c.run(ctx)
}

func (c *Controller) run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := c.Tick(ctx)
			if state.Admitted+state.Scheduled+state.Promoted > 0 {
				c.log("tick", "admitted", state.Admitted, "scheduled", state.Scheduled, "promoted", state.Promoted, "full", state.Full)
			}
		}
	}
}

// Tick runs every pass once. Housekeeping passes touch disjoint runs and run
// concurrently; controller admission precedes the global queue it feeds.
func (c *Controller) Tick(ctx context.Context) State {
	started := time.Now()
	defer func() { c.metrics.tickDuration.Observe(time.Since(started).Seconds()) }()

	var (
		mu     sync.Mutex
		state  State
		g      errgroup.Group
		record = func(pass string, res passResult, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				state.Failed = append(state.Failed, pass)
				c.metrics.passFailures.WithLabelValues(pass).Inc()
				c.log("admission pass failed", "pass", pass, "error", err)
				return
			}
			state.Full = state.Full || res.full
			c.metrics.released.WithLabelValues(pass).Add(float64(res.count))
			switch pass {
			case passSchedules:
				state.Promoted = res.count
			case passStopping:
				state.Stopping = res.count
			case passDeleting:
				state.Deleting = res.count
			case passChecks:
				state.Checked = res.count
			case passHeartbeat:
				state.Heartbeat = res.count
			case passRetries:
				state.Retried = res.count
			case passControllers:
				state.Admitted = res.count
			case passQueue:
				state.Scheduled = res.count
			}
		}
	)
	housekeeping := []struct {
		name string
		fn   func(context.Context) (passResult, error)
	}{
		{name: passSchedules, fn: c.checkSchedules},
		{name: passStopping, fn: c.collectStopping},
		{name: passDeleting, fn: c.collectDeleting},
		{name: passChecks, fn: c.collectChecks},
		{name: passHeartbeat, fn: c.heartbeatStopping},
		{name: passRetries, fn: c.retryPrepare},
	}
	for _, pass := range housekeeping {
		g.Go(func() error {
			res, err := pass.fn(ctx)
			record(pass.name, res, err)
			return nil
		})
	}
	_ = g.Wait()

	res, err := c.checkControllers(ctx)
	record(passControllers, res, err)
	res, err = c.queueRuns(ctx)
	record(passQueue, res, err)

	if state.Full {
		c.metrics.full.Set(1)
	} else {
		c.metrics.full.Set(0)
	}
	return state
}

func (c *Controller) publish(ctx context.Context, kind signals.Kind, runs []domain.Run) error {
	if len(runs) == 0 {
		return nil
	}
	now := c.now()
	sigs := make([]signals.Signal, 0, len(runs))
	for _, run := range runs {
		sig := signals.For(kind, run)
		sig.CreatedAt = now
		sigs = append(sigs, sig)
	}
	return c.publisher.Publish(ctx, sigs...)
}

func (c *Controller) log(msg string, attrs ...any) {
	if c.logger == nil {
		return
	}
	fields := []any{"component", "admission"}
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
	c.logger.Info(msg, fields...)
}
