package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// resolveEdges links every "runs.<uuid>" param to its upstream run. Existing
// edges between the same pair keep their kind and get the bindings merged in.
func (res *resolution) resolveEdges(ctx context.Context) error {
	bindings := map[string]map[string]domain.Param{}
	for name, param := range res.run.Params {
		upstreamID, ok := param.RunsRef()
		if !ok {
			continue
		}
		if bindings[upstreamID] == nil {
			bindings[upstreamID] = map[string]domain.Param{}
		}
		bindings[upstreamID][name] = param
	}
	if len(bindings) == 0 {
		return nil
	}
	existing, err := res.r.store.ListEdges(ctx, repo.EdgeFilter{DownstreamID: res.run.ID})
	if err != nil {
		return fmt.Errorf("list edges: %w", err)
	}
	ids := make([]string, 0, len(bindings))
	for id := range bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, upstreamID := range ids {
		upstream, err := res.r.store.GetRun(ctx, upstreamID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.NewValidationError("param references unknown run %s", upstreamID)
		}
		if err != nil {
			return fmt.Errorf("get upstream run: %w", err)
		}
		if err := res.checkScope(ctx, upstream); err != nil {
			return err
		}
		edge := domain.RunEdge{UpstreamID: upstreamID, DownstreamID: res.run.ID, Kind: domain.EdgeKindRun, Values: map[string]domain.Param{}}
		for _, e := range existing {
			if e.UpstreamID == upstreamID && e.Kind != domain.EdgeKindBuild && e.Kind != domain.EdgeKindJoin {
				edge = e
				if edge.Values == nil {
					edge.Values = map[string]domain.Param{}
				}
				break
			}
		}
		for name, param := range bindings[upstreamID] {
			edge.Values[name] = param
		}
		if err := res.r.store.UpsertEdge(ctx, edge); err != nil {
			return fmt.Errorf("upsert edge: %w", err)
		}
	}
	return nil
}

// checkScope rejects references to runs owned by another owner.
func (res *resolution) checkScope(ctx context.Context, upstream domain.Run) error {
	if upstream.ProjectID == res.run.ProjectID {
		return nil
	}
	other, err := res.r.store.GetProject(ctx, upstream.ProjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return &domain.AccessError{Resource: "run", ID: upstream.ID, Reason: "project not found"}
	}
	if err != nil {
		return fmt.Errorf("get upstream project: %w", err)
	}
	if res.project.Owner == "" || other.Owner != res.project.Owner {
		return &domain.AccessError{Resource: "run", ID: upstream.ID, Reason: "run belongs to a different owner"}
	}
	return nil
}
