package resolver

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// resolveParams computes the concrete value of every param and join.
func (res *resolution) resolveParams(ctx context.Context) error {
	upstreams := map[string]domain.Run{}
	getRun := func(id string) (domain.Run, error) {
		if run, ok := upstreams[id]; ok {
			return run, nil
		}
		run, err := res.r.store.GetRun(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, domain.NewValidationError("param references unknown run %s", id)
		}
		if err != nil {
			return domain.Run{}, fmt.Errorf("get run %s: %w", id, err)
		}
		upstreams[id] = run
		return run, nil
	}

	names := make([]string, 0, len(res.run.Params))
	for name := range res.run.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		param := res.run.Params[name]
		var value any
		switch {
		case param.IsLiteral():
			value = renderGlobals(param.Value, res.globals)
		case param.IsDAGRef():
			if res.run.PipelineID == "" {
				return domain.NewValidationError("param %q references a dag outside of a pipeline", name)
			}
			parent, err := getRun(res.run.PipelineID)
			if err != nil {
				return err
			}
			v, err := res.lookup(ctx, parent, param.SearchRef())
			if err != nil {
				return fmt.Errorf("param %q: %w", name, err)
			}
			value = v
		default:
			upstreamID, ok := param.RunsRef()
			if !ok {
				return domain.NewValidationError("param %q has an unresolvable reference %q", name, param.Ref)
			}
			upstream, err := getRun(upstreamID)
			if err != nil {
				return err
			}
			v, err := res.lookup(ctx, upstream, param.SearchRef())
			if err != nil {
				return fmt.Errorf("param %q: %w", name, err)
			}
			value = v
		}
		res.bind(name, value, param.ContextOnly)
	}
	for i, join := range res.compiled.Joins {
		if err := res.resolveJoin(ctx, i, join); err != nil {
			return err
		}
	}
	return nil
}

func (res *resolution) bind(name string, value any, contextOnly bool) {
	if contextOnly {
		res.contexts = append(res.contexts, domain.IO{Name: name, Value: value, ContextOnly: true})
		return
	}
	res.values[name] = value
}

// lookup reads a reference such as "outputs.loss" or "artifacts.outputs" from run.
func (res *resolution) lookup(ctx context.Context, run domain.Run, ref string) (any, error) {
	section, key, _ := strings.Cut(ref, ".")
	switch section {
	case "outputs":
		if key == "" {
			return map[string]any(run.Outputs.Clone()), nil
		}
		return run.Outputs[key], nil
	case "inputs":
		if key == "" {
			return map[string]any(run.Inputs.Clone()), nil
		}
		return run.Inputs[key], nil
	case "params":
		if run.ID == res.run.ID {
			return res.values[key], nil
		}
		return run.Params[key].Value, nil
	case "globals":
		globals := res.globals
		if run.ID != res.run.ID {
			project := res.project
			if run.ProjectID != res.run.ProjectID {
				p, err := res.r.store.GetProject(ctx, run.ProjectID)
				if err != nil && !errors.Is(err, repo.ErrNotFound) {
					return nil, fmt.Errorf("get project: %w", err)
				}
				project = p
			}
			globals = res.r.globalsFor(run, project)
		}
		v, ok := globals[key]
		if !ok {
			return nil, domain.NewValidationError("unknown global %q", key)
		}
		return v, nil
	case "artifacts":
		base := res.r.artifactsPath(run.ID)
		switch key {
		case "", "base":
			return base, nil
		default:
			return path.Join(base, key), nil
		}
	default:
		return nil, domain.NewValidationError("unsupported reference %q", ref)
	}
}

// resolveJoin queries sibling runs and accumulates each join param into a list,
// or a merged dirs set for artifacts references.
func (res *resolution) resolveJoin(ctx context.Context, index int, join domain.Join) error {
	filter, err := res.joinFilter(join)
	if err != nil {
		return fmt.Errorf("join %d: %w", index, err)
	}
	matched, err := res.r.store.FindRuns(ctx, filter)
	if err != nil {
		return fmt.Errorf("join %d: find runs: %w", index, err)
	}
	matched = slices.DeleteFunc(matched, func(run domain.Run) bool { return run.ID == res.run.ID })

	names := make([]string, 0, len(join.Params))
	for name := range join.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		jp := join.Params[name]
		ref := domain.Param{Value: jp.Value}.SearchRef()
		if strings.HasPrefix(ref, "artifacts.") {
			dirs := make([]any, 0, len(matched))
			for _, run := range matched {
				v, err := res.lookup(ctx, run, ref)
				if err != nil {
					return fmt.Errorf("join %d param %q: %w", index, name, err)
				}
				dirs = append(dirs, v)
			}
			res.bind(name, map[string]any{"dirs": dirs}, jp.ContextOnly)
			continue
		}
		values := make([]any, 0, len(matched))
		for _, run := range matched {
			v, err := res.lookup(ctx, run, ref)
			if err != nil {
				return fmt.Errorf("join %d param %q: %w", index, name, err)
			}
			values = append(values, v)
		}
		res.bind(name, values, jp.ContextOnly)
	}

	bindings := make(map[string]domain.Param, len(join.Params))
	for name, jp := range join.Params {
		bindings[name] = domain.Param{Value: jp.Value, ContextOnly: jp.ContextOnly, ToInit: jp.ToInit}
	}
	for _, run := range matched {
		edge := domain.RunEdge{UpstreamID: run.ID, DownstreamID: res.run.ID, Kind: domain.EdgeKindJoin, Values: bindings}
		if err := res.r.store.UpsertEdge(ctx, edge); err != nil {
			return fmt.Errorf("join %d: upsert edge: %w", index, err)
		}
	}
	return nil
}

// joinFilter parses "field:value, field:a|b" queries. Joins are scoped to the run's project.
func (res *resolution) joinFilter(join domain.Join) (repo.RunFilter, error) {
	filter := repo.RunFilter{ProjectID: res.run.ProjectID, OrderBy: "-created_at", Limit: join.Limit, Offset: join.Offset}
	if s := strings.TrimSpace(join.Sort); s != "" {
		filter.OrderBy = s
	}
	for _, clause := range strings.Split(join.Query, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		field, raw, ok := strings.Cut(clause, ":")
		if !ok {
			return repo.RunFilter{}, domain.NewValidationError("malformed join clause %q", clause)
		}
		value := toString(renderGlobals(strings.TrimSpace(raw), res.globals))
		values := strings.Split(value, "|")
		switch strings.TrimSpace(field) {
		case "status":
			for _, v := range values {
				status := domain.NormalizeStatus(v)
				if status == "" {
					return repo.RunFilter{}, domain.NewValidationError("join: unknown status %q", v)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
		case "kind":
			for _, v := range values {
				filter.Kinds = append(filter.Kinds, domain.RunKind(strings.TrimSpace(v)))
			}
		case "runtime":
			for _, v := range values {
				filter.Runtimes = append(filter.Runtimes, domain.Runtime(strings.TrimSpace(v)))
			}
		case "pipeline":
			filter.PipelineID = value
		case "controller":
			filter.ControllerID = value
		case "id", "uuid":
			filter.IDs = append(filter.IDs, values...)
		default:
			return repo.RunFilter{}, domain.NewValidationError("join: unsupported field %q", field)
		}
	}
	return filter, nil
}
