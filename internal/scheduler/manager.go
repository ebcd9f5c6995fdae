// Package scheduler reacts to scheduler signals: it prepares runs through the
// resolver, starts them, stops them and propagates completion to downstream
// runs, pipelines, schedules, cache clones, build dependents and hooks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/lifecycle"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/resolver"
	"github.com/animus-labs/animus-orchestrator/internal/signals"
)

const (
	reasonPrepare       = "SchedulerPrepare"
	reasonStart         = "SchedulerStart"
	reasonPipeline      = "SchedulerPipeline"
	reasonNotifyDone    = "SchedulerNotifyDone"
	reasonCacheNotify   = "SchedulerCacheNotify"
	reasonBuildNotify   = "SchedulerBuildNotify"
	reasonCheckPipeline = "SchedulerCheckPipeline"
	reasonStopping      = "PipelineStopping"
)

// Manager handles one signal at a time. Handlers are idempotent: a signal
// delivered twice, or for a run that moved on, is a no-op.
type Manager struct {
	store       repo.Store
	resolver    *resolver.Resolver
	publisher   signals.Publisher
	transitions *lifecycle.Transitioner
	logger      *slog.Logger
	now         func() time.Time
}

func NewManager(store repo.Store, r *resolver.Resolver, publisher signals.Publisher, logger *slog.Logger) *Manager {
	if store == nil || r == nil || publisher == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       store,
		resolver:    r,
		publisher:   publisher,
		transitions: lifecycle.New(store),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock returns a copy stamping conditions and signals with now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	cp := *m
	cp.now = now
	cp.transitions = m.transitions.WithClock(now)
	return &cp
}

// Handle dispatches a scheduler signal.
func (m *Manager) Handle(ctx context.Context, sig signals.Signal) error {
	switch sig.Kind {
	case signals.KindPrepare:
		return m.Prepare(ctx, sig.RunID)
	case signals.KindStart:
		return m.Start(ctx, sig.RunID)
	case signals.KindStartImmediately:
		return m.StartImmediately(ctx, sig.RunID)
	case signals.KindStop:
		return m.Stop(ctx, sig.RunID)
	case signals.KindNotifyDone:
		return m.NotifyDone(ctx, sig.RunID)
	case signals.KindHooks:
		return m.Hooks(ctx, sig.RunID)
	case signals.KindCheckPipeline:
		return m.CheckPipeline(ctx, sig.RunID)
	default:
		return fmt.Errorf("unsupported scheduler signal %q", sig.Kind)
	}
}

// getRun returns false when the run no longer exists.
func (m *Manager) getRun(ctx context.Context, id string) (domain.Run, bool, error) {
	run, err := m.store.GetRun(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		m.log("run does not exist anymore", "run_id", id)
		return domain.Run{}, false, nil
	}
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, true, nil
}

// Prepare resolves a compilable run and marks it COMPILED. Spec errors fail
// the run; storage errors leave it untouched for a later retry.
func (m *Manager) Prepare(ctx context.Context, id string) error {
	run, ok, err := m.getRun(ctx, id)
	if err != nil || !ok {
		return err
	}
	if !run.Status.IsCompilable() {
		m.log("run cannot be compiled", "run_id", id, "status", run.Status)
		return nil
	}
	result, err := m.resolver.Resolve(ctx, run)
	if err != nil {
		if isCallerError(err) {
			m.log("run failed to compile", "run_id", id, "error", err)
			_, terr := m.transition(ctx, &run, domain.StatusFailed, reasonPrepare, "Failed to compile: "+err.Error())
			return terr
		}
		return fmt.Errorf("prepare run %s: %w", id, err)
	}
	run = result.Run
	if err := m.prepareCreated(ctx, result.Created); err != nil {
		return err
	}
	if result.Finished {
		return m.publish(ctx, signals.For(signals.KindNotifyDone, run))
	}
	if run.CloningKind == domain.CloningCache || run.Pending == domain.PendingBuild {
		return nil
	}
	if result.Compiled.Conditions != "" {
		vars, err := m.resolver.ConditionVars(ctx, run)
		if err != nil {
			return err
		}
		met, err := resolver.EvalCondition(result.Compiled.Conditions, vars)
		if err != nil || !met {
			message := "Conditions not met"
			if err != nil {
				message = "Conditions could not be evaluated: " + err.Error()
			}
			_, terr := m.transition(ctx, &run, domain.StatusSkipped, reasonPrepare, message)
			return terr
		}
	}
	changed, err := m.transition(ctx, &run, domain.StatusCompiled, reasonPrepare, "Run is compiled")
	if err != nil || !changed {
		return err
	}
	if run.Pending != domain.PendingNone {
		return nil
	}
	return m.publish(ctx, signals.For(signals.KindStart, run))
}

// prepareCreated dispatches build runs split during resolution. Pipeline
// children are started by their pipeline and schedule children by admission.
func (m *Manager) prepareCreated(ctx context.Context, created []domain.Run) error {
	var sigs []signals.Signal
	for _, run := range created {
		if run.Runtime == domain.RuntimeBuilder && run.Pending == domain.PendingNone {
			sigs = append(sigs, signals.For(signals.KindPrepare, run))
		}
	}
	return m.publish(ctx, sigs...)
}

// Start moves a compiled run forward. Independent and scheduled runs queue
// immediately; pipeline children wait for the admission controller.
func (m *Manager) Start(ctx context.Context, id string) error {
	run, ok, err := m.getRun(ctx, id)
	if err != nil || !ok {
		return err
	}
	if !run.IsManaged() || run.Status.IsDone() {
		return nil
	}
	if run.ScheduleAt != nil && run.PipelineID != "" {
		if err := m.startSchedule(ctx, run.PipelineID, false); err != nil {
			return err
		}
	}
	if run.Kind == domain.RunKindSchedule {
		_, err := m.transition(ctx, &run, domain.StatusRunning, reasonStart, "Schedule is running")
		return err
	}
	if run.Status != domain.StatusCompiled {
		m.log("run cannot be queued", "run_id", id, "status", run.Status)
		return nil
	}
	immediate := run.IsIndependent() || run.ScheduleAt != nil
	if !immediate {
		pipeline, ok, err := m.getRun(ctx, run.PipelineID)
		if err != nil {
			return err
		}
		immediate = ok && pipeline.Status.IsDone()
	}
	if !immediate {
		return nil
	}
	return m.startImmediately(ctx, run)
}

// StartImmediately starts a pipeline or queues a run, bypassing the pipeline budget.
func (m *Manager) StartImmediately(ctx context.Context, id string) error {
	run, ok, err := m.getRun(ctx, id)
	if err != nil || !ok {
		return err
	}
	return m.startImmediately(ctx, run)
}

func (m *Manager) startImmediately(ctx context.Context, run domain.Run) error {
	if !run.IsManaged() || run.Status.IsDone() {
		return nil
	}
	if run.Kind.IsPipeline() {
		return m.startPipeline(ctx, run)
	}
	_, err := m.transition(ctx, &run, domain.StatusQueued, reasonStart, "Run is queued")
	return err
}

// startPipeline prepares every child with no upstream dependency and marks the pipeline RUNNING.
func (m *Manager) startPipeline(ctx context.Context, run domain.Run) error {
	children, err := m.store.FindRuns(ctx, repo.RunFilter{
		PipelineID:    run.ID,
		Statuses:      []domain.Status{domain.StatusCreated},
		PendingIsNull: true,
	})
	if err != nil {
		return fmt.Errorf("find pipeline children: %w", err)
	}
	var sigs []signals.Signal
	for _, child := range children {
		upstream, err := m.store.ListEdges(ctx, repo.EdgeFilter{DownstreamID: child.ID, Kinds: []domain.EdgeKind{domain.EdgeKindDAG}})
		if err != nil {
			return fmt.Errorf("list child edges: %w", err)
		}
		if len(upstream) == 0 {
			sigs = append(sigs, signals.For(signals.KindPrepare, child))
		}
	}
	if err := m.publish(ctx, sigs...); err != nil {
		return err
	}
	_, err = m.transition(ctx, &run, domain.StatusRunning, reasonPipeline, "Operation is running")
	return err
}

// startSchedule creates the next child of a schedule. Schedules that depend on
// the past advance when a child is done, others when a child starts.
func (m *Manager) startSchedule(ctx context.Context, scheduleID string, dependsOnPast bool) error {
	schedule, ok, err := m.getRun(ctx, scheduleID)
	if err != nil || !ok || schedule.Status.IsDone() {
		return err
	}
	compiled, err := domain.DecodeContent(schedule.Content)
	if err != nil {
		return err
	}
	if compiled.Schedule == nil || compiled.Schedule.DependsOnPast != dependsOnPast {
		return nil
	}
	result, err := m.resolver.Resolve(ctx, schedule)
	if err != nil {
		if isCallerError(err) {
			m.log("schedule failed to advance", "run_id", scheduleID, "error", err)
			return nil
		}
		return fmt.Errorf("advance schedule %s: %w", scheduleID, err)
	}
	if result.Finished {
		return m.publish(ctx, signals.For(signals.KindNotifyDone, result.Run))
	}
	return nil
}

// Stop stops a run. Pipelines and schedules stop their dependents first and
// finish once none of them is active.
func (m *Manager) Stop(ctx context.Context, id string) error {
	run, ok, err := m.getRun(ctx, id)
	if err != nil || !ok {
		return err
	}
	if run.Status.IsDone() {
		return nil
	}
	if !run.IsManaged() || !(run.Kind.IsPipeline() || run.Kind == domain.RunKindSchedule) {
		return m.stopRun(ctx, &run)
	}
	dependents, err := m.dependents(ctx, run.ID)
	if err != nil {
		return err
	}
	var active, idle []domain.Run
	for _, dep := range dependents {
		switch {
		case dep.Status.IsDone(), dep.Status.IsStopping():
		case dep.Status.IsOnSubstrate():
			active = append(active, dep)
		default:
			idle = append(idle, dep)
		}
	}
	message := "Pipeline controller requested to stop the run."
	if len(active) > 0 {
		stopping, err := m.transitions.TransitionAll(ctx, active, domain.StatusStopping, reasonStopping, message)
		if err != nil {
			return fmt.Errorf("stop active runs: %w", err)
		}
		sigs := make([]signals.Signal, 0, len(stopping))
		for _, r := range stopping {
			sigs = append(sigs, signals.For(signals.KindAgentStop, r))
		}
		if err := m.publish(ctx, sigs...); err != nil {
			return err
		}
	}
	if len(idle) > 0 {
		if _, err := m.transitionAll(ctx, idle, domain.StatusStopped, reasonStopping, message); err != nil {
			return err
		}
	}
	remaining, err := m.dependents(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, dep := range remaining {
		if !dep.Status.IsDone() {
			_, err := m.transition(ctx, &run, domain.StatusStopping, reasonStopping, "Waiting for dependent runs to stop")
			return err
		}
	}
	return m.stopRun(ctx, &run)
}

func (m *Manager) stopRun(ctx context.Context, run *domain.Run) error {
	target, err := m.transitions.Stop(ctx, run, reasonStopping, "Run is stopped")
	if err != nil {
		return fmt.Errorf("stop run %s: %w", run.ID, err)
	}
	switch target {
	case domain.StatusStopped:
		return m.publish(ctx, signals.For(signals.KindNotifyDone, *run))
	case domain.StatusStopping:
		if run.Kind.IsExec() && run.IsManaged() {
			return m.publish(ctx, signals.For(signals.KindAgentStop, *run))
		}
	}
	return nil
}

// dependents returns the runs owned by id as a pipeline or controller.
func (m *Manager) dependents(ctx context.Context, id string) ([]domain.Run, error) {
	byPipeline, err := m.store.FindRuns(ctx, repo.RunFilter{PipelineID: id})
	if err != nil {
		return nil, fmt.Errorf("find pipeline runs: %w", err)
	}
	byController, err := m.store.FindRuns(ctx, repo.RunFilter{ControllerID: id})
	if err != nil {
		return nil, fmt.Errorf("find controller runs: %w", err)
	}
	seen := make(map[string]struct{}, len(byPipeline))
	out := make([]domain.Run, 0, len(byPipeline)+len(byController))
	for _, run := range append(byPipeline, byController...) {
		if _, dup := seen[run.ID]; dup {
			continue
		}
		seen[run.ID] = struct{}{}
		out = append(out, run)
	}
	return out, nil
}

// Hooks materializes the hooks of a done run and prepares them.
func (m *Manager) Hooks(ctx context.Context, id string) error {
	run, ok, err := m.getRun(ctx, id)
	if err != nil || !ok {
		return err
	}
	if !run.Status.IsDone() {
		m.log("hooks wait for the run to be done", "run_id", id, "status", run.Status)
		return nil
	}
	hooks, err := m.resolver.ResolveHooks(ctx, run)
	if err != nil {
		if isCallerError(err) {
			m.log("hooks resolution failed", "run_id", id, "error", err)
			return nil
		}
		return fmt.Errorf("resolve hooks for %s: %w", id, err)
	}
	sigs := make([]signals.Signal, 0, len(hooks))
	for _, hook := range hooks {
		sigs = append(sigs, signals.For(signals.KindPrepare, hook))
	}
	return m.publish(ctx, sigs...)
}

// transition applies status and announces runs that became done.
func (m *Manager) transition(ctx context.Context, run *domain.Run, status domain.Status, reason, message string, extra ...repo.RunField) (bool, error) {
	changed, err := m.transitions.Transition(ctx, run, status, reason, message, false, extra...)
	if err != nil {
		return false, fmt.Errorf("transition run %s to %s: %w", run.ID, status, err)
	}
	if changed {
		m.log("run transitioned", "run_id", run.ID, "status", status, "reason", reason)
		if status.IsDone() {
			return true, m.publish(ctx, signals.For(signals.KindNotifyDone, *run))
		}
	}
	return changed, nil
}

func (m *Manager) transitionAll(ctx context.Context, runs []domain.Run, status domain.Status, reason, message string) ([]domain.Run, error) {
	changed, err := m.transitions.TransitionAll(ctx, runs, status, reason, message)
	if err != nil {
		return nil, fmt.Errorf("transition runs to %s: %w", status, err)
	}
	if status.IsDone() {
		sigs := make([]signals.Signal, 0, len(changed))
		for _, run := range changed {
			sigs = append(sigs, signals.For(signals.KindNotifyDone, run))
		}
		if err := m.publish(ctx, sigs...); err != nil {
			return nil, err
		}
	}
	return changed, nil
}

func (m *Manager) publish(ctx context.Context, sigs ...signals.Signal) error {
	if len(sigs) == 0 {
		return nil
	}
	now := m.now()
	for i := range sigs {
		sigs[i].CreatedAt = now
	}
	if err := m.publisher.Publish(ctx, sigs...); err != nil {
		return fmt.Errorf("publish signals: %w", err)
	}
	return nil
}

// isCallerError reports errors caused by the spec rather than the platform.
func isCallerError(err error) bool {
	return errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrAccess) || errors.Is(err, domain.ErrInvalidState)
}

func (m *Manager) log(msg string, attrs ...any) {
	if m.logger == nil {
		return
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); ok && key == "error" {
			if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
				return
			}
		}
	}
	m.logger.Info(msg, append([]any{"component", "scheduler"}, attrs...)...)
}
