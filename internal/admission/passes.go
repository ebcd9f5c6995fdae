package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/signals"
)

const (
	reasonSchedules  = "AdmissionSchedules"
	reasonController = "AdmissionController"
	reasonQueue      = "AdmissionQueue"
	reasonDeletion   = "AdmissionDeletion"
	reasonHeartbeat  = "HeartbeatStopping"

	// upcomingWindow extends the schedule lookahead when reporting imminent work.
	upcomingWindow = 8 * time.Second
)

// upstreamKinds are the edges a pipeline child waits on before it is prepared.
var upstreamKinds = []domain.EdgeKind{domain.EdgeKindDAG, domain.EdgeKindRun, domain.EdgeKindEvent}

// consumingStatuses count against a scope's budget.
var consumingStatuses = append(append([]domain.Status{}, domain.OnSubstrateStatuses...), domain.StatusQueued)

// checkSchedules promotes CREATED runs whose schedule_at has arrived to ON_SCHEDULE
// and asks the scheduler to prepare them.
func (c *Controller) checkSchedules(ctx context.Context) (passResult, error) {
	end := c.now().Add(c.cfg.ScheduleLookahead)
	filter := repo.RunFilter{
		Statuses:         []domain.Status{domain.StatusCreated},
		ScheduleAtBefore: &end,
		PendingIsNull:    true,
		ManagedBy:        domain.ManagedByAgent,
		OrderBy:          "schedule_at",
	}
	due, err := c.store.FindRuns(ctx, filter)
	if err != nil {
		return passResult{}, fmt.Errorf("find due schedules: %w", err)
	}
	promoted, err := c.transitions.TransitionAll(ctx, due, domain.StatusOnSchedule, reasonSchedules, "Run is on schedule")
	if err != nil {
		return passResult{}, fmt.Errorf("promote schedules: %w", err)
	}
	if err := c.publish(ctx, signals.KindPrepare, promoted); err != nil {
		return passResult{}, err
	}
	upcoming := end.Add(upcomingWindow)
	filter.ScheduleAtBefore = &upcoming
	filter.OrderBy = ""
	n, err := c.store.CountRuns(ctx, filter)
	if err != nil {
		return passResult{}, fmt.Errorf("count upcoming schedules: %w", err)
	}
	return passResult{count: len(promoted), full: n > 0}, nil
}

// collectStopping reports STOPPING runs to the substrate.
func (c *Controller) collectStopping(ctx context.Context) (passResult, error) {
	runs, err := c.store.FindRuns(ctx, repo.RunFilter{
		Statuses:      []domain.Status{domain.StatusStopping},
		Kinds:         domain.ExecKinds,
		PendingIsNull: true,
		ManagedBy:     domain.ManagedByAgent,
		Limit:         c.cfg.MaxStopBatch,
	})
	if err != nil {
		return passResult{}, fmt.Errorf("find stopping runs: %w", err)
	}
	if err := c.publish(ctx, signals.KindAgentStop, runs); err != nil {
		return passResult{}, err
	}
	return passResult{count: len(runs), full: len(runs) >= c.cfg.MaxStopBatch}, nil
}

// collectDeleting confirms the deletion of finished runs past the grace period
// and stops the live ones marked for deletion.
func (c *Controller) collectDeleting(ctx context.Context) (passResult, error) {
	now := c.now()
	graceEnd := now.Truncate(time.Minute).Add(-c.cfg.DeletionGrace)
	done, err := c.store.FindRuns(ctx, repo.RunFilter{
		Kinds:           domain.ExecKinds,
		LiveState:       domain.LiveStateDeletionProgressing,
		Statuses:        domain.DoneStatuses,
		PendingIsNull:   true,
		UpdatedAtBefore: &graceEnd,
		Limit:           c.cfg.MaxDeleteItems,
	})
	if err != nil {
		return passResult{}, fmt.Errorf("find deleted runs: %w", err)
	}
	var confirmed []domain.Run
	for _, run := range done {
		if run.DeletedAt != nil {
			continue
		}
		deletedAt := now
		run.DeletedAt = &deletedAt
		confirmed = append(confirmed, run)
	}
	if len(confirmed) > 0 {
		if err := c.store.UpdateRuns(ctx, confirmed, repo.FieldDeletedAt); err != nil {
			return passResult{}, fmt.Errorf("confirm deletions: %w", err)
		}
		sigs := make([]signals.Signal, 0, len(confirmed))
		for _, run := range confirmed {
			sig := signals.For(signals.KindAgentClean, run)
			sig.Paths = []string{run.ID}
			sig.CreatedAt = now
			sigs = append(sigs, sig)
		}
		if err := c.publisher.Publish(ctx, sigs...); err != nil {
			return passResult{}, err
		}
	}
	orphans, err := c.confirmOrphanPipelines(ctx, confirmed)
	if err != nil {
		return passResult{}, err
	}

	live, err := c.store.FindRuns(ctx, repo.RunFilter{
		Kinds:           domain.ExecKinds,
		LiveState:       domain.LiveStateDeletionProgressing,
		ExcludeStatuses: domain.DoneStatuses,
		Limit:           c.cfg.MaxDeleteItems,
	})
	if err != nil {
		return passResult{}, fmt.Errorf("find live deleted runs: %w", err)
	}
	var onSubstrate []domain.Run
	for _, run := range live {
		if run.Status.IsOnSubstrate() || run.Status.IsStopping() {
			onSubstrate = append(onSubstrate, run)
		}
	}
	if _, err := c.transitions.TransitionAll(ctx, live, domain.StatusStopped, reasonDeletion, "Run is stopped for deletion"); err != nil {
		return passResult{}, fmt.Errorf("stop deleted runs: %w", err)
	}
	if err := c.publish(ctx, signals.KindAgentStop, onSubstrate); err != nil {
		return passResult{}, err
	}
	total := len(confirmed) + len(live)
	return passResult{count: total + orphans, full: total >= c.cfg.MaxDeleteItems}, nil
}

// confirmOrphanPipelines confirms the deletion of pipelines, walking up the
// nesting, once every child of a pipeline marked for deletion is deleted.
// Children created after the pipeline was marked are marked in turn.
func (c *Controller) confirmOrphanPipelines(ctx context.Context, confirmed []domain.Run) (int, error) {
	pending := make([]string, 0, len(confirmed))
	seen := map[string]bool{}
	for _, run := range confirmed {
		if run.PipelineID != "" && !seen[run.PipelineID] {
			seen[run.PipelineID] = true
			pending = append(pending, run.PipelineID)
		}
	}
	now := c.now()
	count := 0
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]
		pipeline, err := c.store.GetRun(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return count, fmt.Errorf("get pipeline %s: %w", id, err)
		}
		if pipeline.DeletedAt != nil || pipeline.LiveState != domain.LiveStateDeletionProgressing {
			continue
		}
		children, err := c.store.FindRuns(ctx, repo.RunFilter{PipelineID: id})
		if err != nil {
			return count, fmt.Errorf("find pipeline children: %w", err)
		}
		var unmarked []domain.Run
		orphan := true
		for _, child := range children {
			if child.DeletedAt != nil {
				continue
			}
			orphan = false
			if child.LiveState != domain.LiveStateDeletionProgressing {
				child.LiveState = domain.LiveStateDeletionProgressing
				unmarked = append(unmarked, child)
			}
		}
		if len(unmarked) > 0 {
			if err := c.store.UpdateRuns(ctx, unmarked, repo.FieldLiveState); err != nil {
				return count, fmt.Errorf("mark pipeline children: %w", err)
			}
		}
		if !orphan {
			continue
		}
		deletedAt := now
		pipeline.DeletedAt = &deletedAt
		if err := c.store.UpdateRun(ctx, pipeline, repo.FieldDeletedAt); err != nil {
			return count, fmt.Errorf("confirm pipeline deletion: %w", err)
		}
		count++
		c.log("pipeline deletion confirmed", "run_id", pipeline.ID)
		if pipeline.PipelineID != "" {
			pending = append(pending, pipeline.PipelineID)
		}
	}
	return count, nil
}

// collectChecks asks the substrate to re-check runs not checked within CheckInterval.
func (c *Controller) collectChecks(ctx context.Context) (passResult, error) {
	now := c.now()
	threshold := now.Add(-c.cfg.CheckInterval)
	runs, err := c.store.FindRuns(ctx, repo.RunFilter{
		Kinds:           domain.ExecKinds,
		Statuses:        domain.OnSubstrateStatuses,
		ManagedBy:       domain.ManagedByAgent,
		CheckedAtBefore: &threshold,
	})
	if err != nil {
		return passResult{}, fmt.Errorf("find runs to check: %w", err)
	}
	if len(runs) == 0 {
		return passResult{}, nil
	}
	for i := range runs {
		checked := now
		runs[i].CheckedAt = &checked
	}
	if err := c.store.UpdateRuns(ctx, runs, repo.FieldCheckedAt); err != nil {
		return passResult{}, fmt.Errorf("stamp checked_at: %w", err)
	}
	if err := c.publish(ctx, signals.KindAgentCheck, runs); err != nil {
		return passResult{}, err
	}
	return passResult{count: len(runs)}, nil
}

// heartbeatStopping forces runs stuck in STOPPING to STOPPED, including
// pipelines whose children are all done.
func (c *Controller) heartbeatStopping(ctx context.Context) (passResult, error) {
	threshold := c.now().Add(-c.cfg.StoppingHeartbeat)
	stale, err := c.store.FindRuns(ctx, repo.RunFilter{
		Statuses:        []domain.Status{domain.StatusStopping},
		UpdatedAtBefore: &threshold,
	})
	if err != nil {
		return passResult{}, fmt.Errorf("find stale stopping runs: %w", err)
	}
	var toStop []domain.Run
	for _, run := range stale {
		if run.Kind.IsExec() {
			toStop = append(toStop, run)
			continue
		}
		active, err := c.store.CountRuns(ctx, repo.RunFilter{PipelineID: run.ID, ExcludeStatuses: domain.DoneStatuses})
		if err != nil {
			return passResult{}, fmt.Errorf("count pipeline runs: %w", err)
		}
		if active == 0 {
			toStop = append(toStop, run)
		}
	}
	stopped, err := c.transitions.TransitionAll(ctx, toStop, domain.StatusStopped, reasonHeartbeat, "Run is stopped by heartbeat process.")
	if err != nil {
		return passResult{}, fmt.Errorf("stop stale runs: %w", err)
	}
	if err := c.publish(ctx, signals.KindNotifyDone, stopped); err != nil {
		return passResult{}, err
	}
	return passResult{count: len(stopped)}, nil
}

// retryPrepare publishes prepare again for compilable runs that a failed
// resolution left behind. Runs waiting on their schedule are checkSchedules'
// business; pipeline children wait until their pipeline runs and every
// upstream is done.
func (c *Controller) retryPrepare(ctx context.Context) (passResult, error) {
	threshold := c.now().Add(-c.cfg.PrepareRetryGrace)
	stale, err := c.store.FindRuns(ctx, repo.RunFilter{
		Statuses:        domain.PendingStatuses,
		PendingIsNull:   true,
		ManagedBy:       domain.ManagedByAgent,
		UpdatedAtBefore: &threshold,
		Limit:           c.cfg.MaxRetryBatch,
	})
	if err != nil {
		return passResult{}, fmt.Errorf("find stale compilable runs: %w", err)
	}
	pipelines := map[string]bool{}
	var retry []domain.Run
	for _, run := range stale {
		if run.LiveState == domain.LiveStateDeletionProgressing {
			continue
		}
		if run.Status == domain.StatusCreated && run.ScheduleAt != nil {
			continue
		}
		if run.PipelineID != "" {
			ready, err := c.childReady(ctx, run, pipelines)
			if err != nil {
				return passResult{}, err
			}
			if !ready {
				continue
			}
		}
		retry = append(retry, run)
	}
	if len(retry) == 0 {
		return passResult{full: len(stale) >= c.cfg.MaxRetryBatch}, nil
	}
	// Touching updated_at spaces retries by a full grace period.
	if err := c.store.UpdateRuns(ctx, retry); err != nil {
		return passResult{}, fmt.Errorf("touch retried runs: %w", err)
	}
	if err := c.publish(ctx, signals.KindPrepare, retry); err != nil {
		return passResult{}, err
	}
	c.log("prepare retried", "runs", len(retry))
	return passResult{count: len(retry), full: len(stale) >= c.cfg.MaxRetryBatch}, nil
}

// childReady reports whether a pipeline child would have been prepared by now.
// running caches pipeline lookups for one pass.
func (c *Controller) childReady(ctx context.Context, run domain.Run, running map[string]bool) (bool, error) {
	ok, seen := running[run.PipelineID]
	if !seen {
		pipeline, err := c.store.GetRun(ctx, run.PipelineID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return false, fmt.Errorf("get pipeline %s: %w", run.PipelineID, err)
		default:
			ok = pipeline.Status == domain.StatusRunning
		}
		running[run.PipelineID] = ok
	}
	if !ok {
		return false, nil
	}
	edges, err := c.store.ListEdges(ctx, repo.EdgeFilter{DownstreamID: run.ID, Kinds: upstreamKinds})
	if err != nil {
		return false, fmt.Errorf("list upstream edges: %w", err)
	}
	if len(edges) == 0 {
		return true, nil
	}
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		ids = append(ids, edge.UpstreamID)
	}
	upstream, err := c.store.FindRuns(ctx, repo.RunFilter{IDs: ids})
	if err != nil {
		return false, fmt.Errorf("find upstream runs: %w", err)
	}
	for _, up := range upstream {
		if !up.Status.IsDone() {
			return false, nil
		}
	}
	return true, nil
}

// checkControllers admits COMPILED runs under each top-level pipeline's budget,
// then under each nested pipeline with what remains. Only exec runs consume a
// controller's budget: a running nested pipeline holds no slot of its own.
func (c *Controller) checkControllers(ctx context.Context) (passResult, error) {
	maxBudget := c.cfg.MaxConcurrency
	if maxBudget <= 0 {
		return passResult{full: true}, nil
	}
	controllers, err := c.store.FindRuns(ctx, repo.RunFilter{
		Kinds:            domain.PipelineKinds,
		Statuses:         []domain.Status{domain.StatusRunning},
		PendingIsNull:    true,
		ManagedBy:        domain.ManagedByAgent,
		ControllerIsNull: true,
	})
	if err != nil {
		return passResult{}, fmt.Errorf("find controllers: %w", err)
	}
	var admitted []domain.Run
	full := false
	for _, controller := range controllers {
		budget := maxBudget
		if n, ok := controller.Concurrency(); ok {
			budget = n
		}
		consumed, err := c.store.CountRuns(ctx, repo.RunFilter{
			ControllerID: controller.ID,
			Kinds:        domain.ExecKinds,
			Statuses:     consumingStatuses,
		})
		if err != nil {
			return passResult{}, fmt.Errorf("count controller consumption: %w", err)
		}
		runs, more, err := c.admissible(ctx, controller.ID, controller.ID, NumToStart(&budget, consumed, &maxBudget))
		if err != nil {
			return passResult{}, err
		}
		admitted = append(admitted, runs...)
		c.metrics.admitted.WithLabelValues("controller").Add(float64(len(runs)))
		full = full || more

		remaining := budget - consumed - len(runs)
		nested, nestedFull, err := c.checkPipelines(ctx, controller.ID, remaining)
		if err != nil {
			return passResult{}, err
		}
		admitted = append(admitted, nested...)
		full = full || nestedFull
	}

	var pipelines, runs []domain.Run
	for _, run := range admitted {
		if run.Kind.IsPipeline() {
			pipelines = append(pipelines, run)
		} else {
			runs = append(runs, run)
		}
	}
	if err := c.publish(ctx, signals.KindStartImmediately, pipelines); err != nil {
		return passResult{}, err
	}
	queued, err := c.transitions.TransitionAll(ctx, runs, domain.StatusQueued, reasonController, "Run is queued")
	if err != nil {
		return passResult{}, fmt.Errorf("queue admitted runs: %w", err)
	}
	return passResult{count: len(pipelines) + len(queued), full: full}, nil
}

// checkPipelines admits COMPILED runs of the running pipelines nested under
// controllerID. Each pipeline is capped by its own concurrency and by what is
// left of the controller's budget. Pipelines are still visited once the budget
// is spent so that waiting candidates are reported as full.
func (c *Controller) checkPipelines(ctx context.Context, controllerID string, remaining int) ([]domain.Run, bool, error) {
	pipelines, err := c.store.FindRuns(ctx, repo.RunFilter{
		Kinds:         domain.PipelineKinds,
		Statuses:      []domain.Status{domain.StatusRunning},
		ControllerID:  controllerID,
		PendingIsNull: true,
		ManagedBy:     domain.ManagedByAgent,
	})
	if err != nil {
		return nil, false, fmt.Errorf("find nested pipelines: %w", err)
	}
	var admitted []domain.Run
	full := false
	for _, pipeline := range pipelines {
		n := max(remaining, 0)
		if concurrency, ok := pipeline.Concurrency(); ok && n > 0 {
			consumed, err := c.store.CountRuns(ctx, repo.RunFilter{
				PipelineID: pipeline.ID,
				Kinds:      domain.ExecKinds,
				Statuses:   consumingStatuses,
			})
			if err != nil {
				return nil, false, fmt.Errorf("count pipeline consumption: %w", err)
			}
			n = min(n, NumToStart(&concurrency, consumed, nil))
		}
		runs, more, err := c.admissible(ctx, controllerID, pipeline.ID, n)
		if err != nil {
			return nil, false, err
		}
		admitted = append(admitted, runs...)
		c.metrics.admitted.WithLabelValues("pipeline").Add(float64(len(runs)))
		remaining -= len(runs)
		full = full || more
	}
	return admitted, full, nil
}

// admissible returns up to n COMPILED runs of a scope and whether more remain.
func (c *Controller) admissible(ctx context.Context, controllerID, pipelineID string, n int) ([]domain.Run, bool, error) {
	filter := repo.RunFilter{
		ControllerID:  controllerID,
		PipelineID:    pipelineID,
		Statuses:      []domain.Status{domain.StatusCompiled},
		PendingIsNull: true,
		ManagedBy:     domain.ManagedByAgent,
		OrderBy:       "created_at",
	}
	total, err := c.store.CountRuns(ctx, filter)
	if err != nil {
		return nil, false, fmt.Errorf("count admissible runs: %w", err)
	}
	if n < 1 || total == 0 {
		return nil, total > 0, nil
	}
	filter.Limit = n
	runs, err := c.store.FindRuns(ctx, filter)
	if err != nil {
		return nil, false, fmt.Errorf("find admissible runs: %w", err)
	}
	return runs, total > len(runs), nil
}

// queueRuns releases QUEUED runs to the substrate up to the global budget.
func (c *Controller) queueRuns(ctx context.Context) (passResult, error) {
	consumed, err := c.store.CountRuns(ctx, repo.RunFilter{
		Statuses:      domain.OnSubstrateStatuses,
		PendingIsNull: true,
		ManagedBy:     domain.ManagedByAgent,
	})
	if err != nil {
		return passResult{}, fmt.Errorf("count consumed runs: %w", err)
	}
	n := NumToStart(&c.cfg.MaxConcurrency, consumed, nil)
	filter := repo.RunFilter{
		Kinds:         domain.ExecKinds,
		Statuses:      []domain.Status{domain.StatusQueued},
		PendingIsNull: true,
		ManagedBy:     domain.ManagedByAgent,
		OrderBy:       "created_at",
	}
	waiting, err := c.store.CountRuns(ctx, filter)
	if err != nil {
		return passResult{}, fmt.Errorf("count queued runs: %w", err)
	}
	if n < 1 {
		return passResult{full: true}, nil
	}
	if waiting == 0 {
		return passResult{}, nil
	}
	filter.Limit = n
	queued, err := c.store.FindRuns(ctx, filter)
	if err != nil {
		return passResult{}, fmt.Errorf("find queued runs: %w", err)
	}
	scheduled, err := c.transitions.TransitionAll(ctx, queued, domain.StatusScheduled, reasonQueue, "Operation is scheduled")
	if err != nil {
		return passResult{}, fmt.Errorf("schedule queued runs: %w", err)
	}
	if err := c.publish(ctx, signals.KindAgentStart, scheduled); err != nil {
		return passResult{}, err
	}
	c.metrics.admitted.WithLabelValues("queue").Add(float64(len(scheduled)))
	return passResult{count: len(scheduled), full: waiting > n}, nil
}
