package scheduler

import (
	"context"
	"fmt"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/signals"
)

// downstreamKinds are the edges whose downstream waits on the upstream's completion.
var downstreamKinds = []domain.EdgeKind{domain.EdgeKindDAG, domain.EdgeKindRun, domain.EdgeKindEvent}

// NotifyDone propagates a terminal status: cache clones and build dependents
// are released, hooks fire, and downstream runs are evaluated against their
// trigger policy.
func (m *Manager) NotifyDone(ctx context.Context, id string) error {
	run, ok, err := m.getRun(ctx, id)
	if err != nil || !ok {
		return err
	}
	if !run.Status.IsDone() {
		return nil
	}
	if err := m.notifyCache(ctx, run); err != nil {
		return err
	}
	if err := m.notifyBuild(ctx, run); err != nil {
		return err
	}
	if run.MetaInfo.Bool(domain.MetaHasHooks) {
		if err := m.publish(ctx, signals.For(signals.KindHooks, run)); err != nil {
			return err
		}
	}
	if run.PipelineID == "" {
		return nil
	}
	if run.ScheduleAt != nil {
		return m.startSchedule(ctx, run.PipelineID, true)
	}
	if err := m.triggerDownstream(ctx, run); err != nil {
		return err
	}
	return m.publish(ctx, signals.For(signals.KindCheckPipeline, domain.Run{ID: run.PipelineID, ProjectID: run.ProjectID}))
}

// notifyCache releases runs that were waiting on run as their cache original.
func (m *Manager) notifyCache(ctx context.Context, run domain.Run) error {
	clones, err := m.store.FindRuns(ctx, repo.RunFilter{
		OriginalID:   run.ID,
		CloningKinds: []domain.CloningKind{domain.CloningCache},
		Pending:      domain.PendingCache,
	})
	if err != nil {
		return fmt.Errorf("find cache clones: %w", err)
	}
	for i := range clones {
		clone := clones[i]
		clone.Outputs = run.Outputs.Clone()
		clone.Pending = domain.PendingNone
		message := "Outputs copied from " + run.ID
		if run.Status != domain.StatusSucceeded {
			message = fmt.Sprintf("Cache original finished as %s", run.Status)
		}
		if _, err := m.transition(ctx, &clone, run.Status, reasonCacheNotify, message, repo.FieldOutputs, repo.FieldPending); err != nil {
			return err
		}
	}
	return nil
}

// notifyBuild resumes, or fails, the runs whose image run has built.
func (m *Manager) notifyBuild(ctx context.Context, run domain.Run) error {
	if run.Runtime != domain.RuntimeBuilder {
		return nil
	}
	edges, err := m.store.ListEdges(ctx, repo.EdgeFilter{UpstreamID: run.ID, Kinds: []domain.EdgeKind{domain.EdgeKindBuild}})
	if err != nil {
		return fmt.Errorf("list build edges: %w", err)
	}
	image, _ := run.Outputs[domain.MetaDestinationImage].(string)
	failure := ""
	switch {
	case run.Status != domain.StatusSucceeded:
		failure = fmt.Sprintf("Build %s finished as %s", run.ID, run.Status)
	case image == "":
		failure = fmt.Sprintf("Build %s succeeded but did not record a destination image", run.ID)
	}
	for _, edge := range edges {
		dependent, ok, err := m.getRun(ctx, edge.DownstreamID)
		if err != nil {
			return err
		}
		if !ok || dependent.Status.IsDone() || dependent.Pending != domain.PendingBuild {
			continue
		}
		if failure != "" {
			if _, err := m.transition(ctx, &dependent, domain.StatusUpstreamFailed, reasonBuildNotify, failure); err != nil {
				return err
			}
			continue
		}
		if dependent.MetaInfo == nil {
			dependent.MetaInfo = domain.Metadata{}
		}
		dependent.MetaInfo[domain.MetaDestinationImage] = image
		dependent.Pending = domain.PendingNone
		if err := m.store.UpdateRun(ctx, dependent, repo.FieldPending, repo.FieldMetaInfo); err != nil {
			return fmt.Errorf("release build dependent %s: %w", dependent.ID, err)
		}
		if err := m.publish(ctx, signals.For(signals.KindPrepare, dependent)); err != nil {
			return err
		}
	}
	return nil
}

// triggerDownstream prepares, skips or fails the CREATED runs depending on run.
func (m *Manager) triggerDownstream(ctx context.Context, run domain.Run) error {
	edges, err := m.store.ListEdges(ctx, repo.EdgeFilter{UpstreamID: run.ID, Kinds: downstreamKinds})
	if err != nil {
		return fmt.Errorf("list downstream edges: %w", err)
	}
	for _, edge := range edges {
		downstream, ok, err := m.getRun(ctx, edge.DownstreamID)
		if err != nil {
			return err
		}
		if !ok || downstream.Status != domain.StatusCreated || downstream.Pending != domain.PendingNone {
			continue
		}
		compiled, err := domain.DecodeContent(downstream.Content)
		if err != nil {
			return err
		}
		if run.Status == domain.StatusSkipped && compiled.SkipOnUpstreamSkip {
			if _, err := m.transition(ctx, &downstream, domain.StatusSkipped, reasonNotifyDone, "Upstream run was skipped"); err != nil {
				return err
			}
			continue
		}
		statuses, err := m.upstreamStatuses(ctx, downstream.ID)
		if err != nil {
			return err
		}
		should, can := checkTrigger(compiled.Trigger, statuses)
		switch {
		case should && can:
			if err := m.publish(ctx, signals.For(signals.KindPrepare, downstream)); err != nil {
				return err
			}
		case should:
			message := fmt.Sprintf("Upstream statuses do not satisfy trigger %s", triggerOrDefault(compiled.Trigger))
			if _, err := m.transition(ctx, &downstream, domain.StatusUpstreamFailed, reasonNotifyDone, message); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) upstreamStatuses(ctx context.Context, id string) ([]domain.Status, error) {
	edges, err := m.store.ListEdges(ctx, repo.EdgeFilter{DownstreamID: id, Kinds: downstreamKinds})
	if err != nil {
		return nil, fmt.Errorf("list upstream edges: %w", err)
	}
	if len(edges) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(edges))
	for _, edge := range edges {
		ids = append(ids, edge.UpstreamID)
	}
	upstream, err := m.store.FindRuns(ctx, repo.RunFilter{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("find upstream runs: %w", err)
	}
	statuses := make([]domain.Status, 0, len(upstream))
	for _, run := range upstream {
		statuses = append(statuses, run.Status)
	}
	return statuses, nil
}

func triggerOrDefault(policy domain.TriggerPolicy) domain.TriggerPolicy {
	if policy == "" {
		return domain.TriggerAllSucceeded
	}
	return policy
}

// checkTrigger reports whether the downstream should be decided now and, if
// so, whether the upstream statuses allow it to run.
func checkTrigger(policy domain.TriggerPolicy, statuses []domain.Status) (should, can bool) {
	allDone, allSucceeded, allFailed := true, true, true
	var anyDone, anySucceeded, anyFailed bool
	for _, s := range statuses {
		done := s.IsDone()
		allDone = allDone && done
		anyDone = anyDone || done
		anySucceeded = anySucceeded || s == domain.StatusSucceeded
		anyFailed = anyFailed || s.IsFailed()
		allSucceeded = allSucceeded && s == domain.StatusSucceeded
		allFailed = allFailed && s.IsFailed()
	}
	switch triggerOrDefault(policy) {
	case domain.TriggerAllDone:
		return allDone, true
	case domain.TriggerAllFailed:
		return allDone, allFailed
	case domain.TriggerOneDone:
		return anyDone || len(statuses) == 0, true
	case domain.TriggerOneSucceeded:
		return anySucceeded || allDone, anySucceeded
	case domain.TriggerOneFailed:
		return anyFailed || allDone, anyFailed
	default:
		return allDone, allSucceeded
	}
}

// CheckPipeline finishes a pipeline once every child is done.
func (m *Manager) CheckPipeline(ctx context.Context, id string) error {
	pipeline, ok, err := m.getRun(ctx, id)
	if err != nil || !ok {
		return err
	}
	if pipeline.Status.IsDone() || pipeline.Kind == domain.RunKindSchedule {
		return nil
	}
	children, err := m.store.FindRuns(ctx, repo.RunFilter{PipelineID: id})
	if err != nil {
		return fmt.Errorf("find pipeline children: %w", err)
	}
	if len(children) == 0 {
		return nil
	}
	for _, child := range children {
		if child.Status.IsDone() {
			continue
		}
		if pipeline.Status.IsStopping() {
			return nil
		}
		return m.stopEarly(ctx, pipeline, children)
	}
	anyFailed, allStopped := false, true
	for _, child := range children {
		anyFailed = anyFailed || child.Status.IsFailed()
		allStopped = allStopped && child.Status == domain.StatusStopped
	}
	status, message := domain.StatusSucceeded, "Every operation succeeded"
	switch {
	case pipeline.Status.IsStopping():
		status, message = domain.StatusStopped, "Pipeline is stopped"
	case anyFailed:
		status, message = domain.StatusFailed, "At least one operation failed"
	case allStopped:
		status, message = domain.StatusStopped, "Every operation was stopped"
	}
	_, err = m.transition(ctx, &pipeline, status, reasonCheckPipeline, message)
	return err
}
