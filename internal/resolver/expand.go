package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/compiler"
	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// expand creates the children of schedule, matrix and DAG runs.
func (res *resolution) expand(ctx context.Context) error {
	switch {
	case res.run.Kind == domain.RunKindSchedule && res.compiled.Schedule != nil:
		return res.expandSchedule(ctx)
	case res.run.Kind == domain.RunKindMatrix && res.compiled.Matrix != nil:
		return res.expandMatrix(ctx)
	case res.run.Kind == domain.RunKindDAG:
		return res.expandDAG(ctx)
	default:
		return nil
	}
}

// parentOperation re-reads the run's uncompiled operation; children are built from it.
func (res *resolution) parentOperation() (domain.Operation, error) {
	op, _, err := compiler.Parse([]byte(res.run.RawContent), nil, "")
	if err != nil {
		return domain.Operation{}, err
	}
	return op, nil
}

func (res *resolution) controllerID() string {
	if res.run.ControllerID != "" {
		return res.run.ControllerID
	}
	return res.run.ID
}

func (res *resolution) newChild(op domain.Operation, ov compiler.Overrides, scheduleAt *time.Time) (domain.Run, error) {
	plan, err := res.r.compiler.Build(op, "", ov, compiler.Context{
		ProjectID:    res.run.ProjectID,
		UserID:       res.run.UserID,
		PipelineID:   res.run.ID,
		ControllerID: res.controllerID(),
		ManagedBy:    res.run.ManagedBy,
		ScheduleAt:   scheduleAt,
	})
	if err != nil {
		return domain.Run{}, err
	}
	return plan.Run, nil
}

func (res *resolution) hasChildren(ctx context.Context) (bool, error) {
	n, err := res.r.store.CountRuns(ctx, repo.RunFilter{PipelineID: res.run.ID})
	if err != nil {
		return false, fmt.Errorf("count children: %w", err)
	}
	return n > 0, nil
}

// copyStructuralMeta lifts has_jobs/has_services/has_dags/has_matrices from a child.
func (res *resolution) copyStructuralMeta(child domain.Run) {
	for _, key := range domain.StructuralMetaKeys {
		if child.MetaInfo.Bool(key) {
			res.run.MetaInfo[key] = true
		}
	}
}

func (res *resolution) createChildren(ctx context.Context, children []domain.Run, edges []domain.RunEdge) error {
	if len(children) == 0 {
		return nil
	}
	if err := res.r.store.CreateRuns(ctx, children, edges); err != nil {
		return fmt.Errorf("create children: %w", err)
	}
	res.result.Created = append(res.result.Created, children...)
	res.result.Edges = append(res.result.Edges, edges...)
	res.r.log("pipeline expanded", "run_id", res.run.ID, "kind", res.run.Kind, "children", len(children))
	return nil
}

func (res *resolution) expandMatrix(ctx context.Context) error {
	exists, err := res.hasChildren(ctx)
	if err != nil || exists {
		return err
	}
	suggestions, err := res.r.suggester.Suggest(ctx, *res.compiled.Matrix)
	if err != nil {
		return err
	}
	op, err := res.parentOperation()
	if err != nil {
		return err
	}
	op.Matrix = nil
	children := make([]domain.Run, 0, len(suggestions))
	for i, suggestion := range suggestions {
		params := make(map[string]domain.Param, len(suggestion))
		for name, value := range suggestion {
			params[name] = domain.Param{Value: value}
		}
		child, err := res.newChild(op, compiler.Overrides{
			Params:   params,
			MetaInfo: domain.Metadata{domain.MetaIteration: i},
		}, nil)
		if err != nil {
			return fmt.Errorf("matrix iteration %d: %w", i, err)
		}
		res.copyStructuralMeta(child)
		children = append(children, child)
	}
	return res.createChildren(ctx, children, nil)
}
