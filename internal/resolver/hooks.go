package resolver

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/compiler"
	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// ResolveHooks materializes the hooks of run that match its current status.
// Hooks already materialized for that status are not created again.
func (r *Resolver) ResolveHooks(ctx context.Context, run domain.Run) ([]domain.Run, error) {
	compiled, err := domain.DecodeContent(run.Content)
	if err != nil {
		return nil, err
	}
	if len(compiled.Hooks) == 0 {
		return nil, nil
	}
	existing, err := r.store.ListEdges(ctx, repo.EdgeFilter{UpstreamID: run.ID, Kinds: []domain.EdgeKind{domain.EdgeKindHook}})
	if err != nil {
		return nil, fmt.Errorf("list hook edges: %w", err)
	}
	for _, edge := range existing {
		if slices.Contains(edge.Statuses, run.Status) {
			return nil, nil
		}
	}
	project, err := r.projectFor(ctx, run.ProjectID)
	if err != nil {
		return nil, err
	}
	vars := r.conditionVars(run, project)

	var hooks []domain.Run
	var edges []domain.RunEdge
	for i, hook := range compiled.Hooks {
		if !hookMatches(hook.Trigger, run.Status) {
			continue
		}
		ok, err := EvalCondition(hook.Conditions, vars)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.log("hook skipped by condition", "run_id", run.ID, "hook", i)
			continue
		}
		if hook.Connection != "" && len(r.cfg.Connections) > 0 && !slices.Contains(r.cfg.Connections, hook.Connection) {
			return nil, &domain.AccessError{Resource: "connection", ID: hook.Connection, Reason: "connection is not in the catalog"}
		}
		plan, err := r.compiler.Build(hookOperation(run, hook), "", compiler.Overrides{DefaultKind: string(domain.RunKindNotifier)}, compiler.Context{
			ProjectID: run.ProjectID,
			UserID:    run.UserID,
			ManagedBy: run.ManagedBy,
		})
		if err != nil {
			return nil, fmt.Errorf("build hook %d: %w", i, err)
		}
		hooks = append(hooks, plan.Run)
		edges = append(edges, domain.RunEdge{
			UpstreamID:   run.ID,
			DownstreamID: plan.Run.ID,
			Kind:         domain.EdgeKindHook,
			Values:       plan.Run.Params,
			Statuses:     []domain.Status{run.Status},
		})
	}
	if len(hooks) == 0 {
		return nil, nil
	}
	if err := r.store.CreateRuns(ctx, hooks, edges); err != nil {
		return nil, fmt.Errorf("create hooks: %w", err)
	}
	r.log("hooks created", "run_id", run.ID, "status", run.Status, "count", len(hooks))
	return hooks, nil
}

func hookMatches(trigger, status domain.Status) bool {
	if strings.EqualFold(string(trigger), string(domain.HookTriggerDone)) {
		return status.IsDone()
	}
	return domain.NormalizeStatus(string(trigger)) == status
}

// hookOperation turns a hook into an operation whose templated params read
// from the run that triggered it.
func hookOperation(run domain.Run, hook domain.Hook) domain.Operation {
	name := "hook"
	if hook.HubRef != "" {
		name = hook.HubRef
	}
	params := make(map[string]domain.Param, len(hook.Params))
	for key, p := range hook.Params {
		if s, ok := p.Value.(string); ok && p.IsLiteral() && isTemplate(s) {
			p.Ref = domain.RefPrefixRuns + run.ID
		}
		params[key] = p
	}
	return domain.Operation{
		Name:      run.Name + "-" + name,
		HubRef:    hook.HubRef,
		Queue:     hook.Queue,
		Params:    params,
		Component: hook.Component,
	}
}

func isTemplate(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}")
}
