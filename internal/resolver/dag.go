package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/compiler"
	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// expandDAG creates one child per operation in dependency order. "ops.x" refs
// become "runs.<uuid>" refs on the child and their bindings ride on the DAG edge.
func (res *resolution) expandDAG(ctx context.Context) error {
	exists, err := res.hasChildren(ctx)
	if err != nil || exists {
		return err
	}
	ordered, deps, err := sortOperations(res.compiled.Run.Operations)
	if err != nil {
		return err
	}
	ids := make(map[string]string, len(ordered))
	children := make([]domain.Run, 0, len(ordered))
	edges := make([]domain.RunEdge, 0)
	for _, op := range ordered {
		params := make(map[string]domain.Param, len(op.Params))
		bindings := map[string]map[string]domain.Param{}
		for name, param := range op.Params {
			switch {
			case param.IsDAGRef():
				value, err := res.lookup(ctx, res.run, param.SearchRef())
				if err != nil {
					return fmt.Errorf("operation %q param %q: %w", op.Name, name, err)
				}
				bound := param
				bound.Ref = ""
				bound.Value = value
				params[name] = bound
			default:
				upstream, ok := param.OpsRef()
				if !ok {
					params[name] = param
					continue
				}
				upstream = strings.TrimSpace(upstream)
				bound := param
				bound.Ref = domain.RefPrefixRuns + ids[upstream]
				params[name] = bound
				if bindings[upstream] == nil {
					bindings[upstream] = map[string]domain.Param{}
				}
				bindings[upstream][name] = param
			}
		}
		op.Params = params
		child, err := res.newChild(op, compiler.Overrides{}, nil)
		if err != nil {
			return fmt.Errorf("operation %q: %w", op.Name, err)
		}
		ids[op.Name] = child.ID
		for _, upstream := range deps[op.Name] {
			edges = append(edges, domain.RunEdge{
				UpstreamID:   ids[upstream],
				DownstreamID: child.ID,
				Kind:         domain.EdgeKindDAG,
				Values:       bindings[upstream],
			})
		}
		res.copyStructuralMeta(child)
		children = append(children, child)
	}
	return res.createChildren(ctx, children, edges)
}

// sortOperations orders operations so every upstream precedes its dependents.
// Upstreams are explicit dependencies plus "ops.x" param refs. Returned
// operations carry trimmed names.
func sortOperations(ops []domain.Operation) ([]domain.Operation, map[string][]string, error) {
	byName := make(map[string]domain.Operation, len(ops))
	for i, op := range ops {
		name := strings.TrimSpace(op.Name)
		if name == "" {
			return nil, nil, domain.NewValidationError("dag operation %d requires a name", i)
		}
		if _, dup := byName[name]; dup {
			return nil, nil, domain.NewValidationError("dag operation %q is declared twice", name)
		}
		op.Name = name
		byName[name] = op
	}

	deps := make(map[string][]string, len(byName))
	inDegree := make(map[string]int, len(byName))
	adj := make(map[string][]string, len(byName))
	for name := range byName {
		inDegree[name] = 0
	}
	for name, op := range byName {
		upstreams := map[string]struct{}{}
		for _, dep := range op.Dependencies {
			upstreams[strings.TrimSpace(dep)] = struct{}{}
		}
		for _, param := range op.Params {
			if ref, ok := param.OpsRef(); ok {
				upstreams[strings.TrimSpace(ref)] = struct{}{}
			}
		}
		for upstream := range upstreams {
			if _, ok := byName[upstream]; !ok {
				return nil, nil, domain.NewValidationError("dag operation %q depends on unknown operation %q", name, upstream)
			}
			if upstream == name {
				return nil, nil, domain.NewValidationError("dag operation %q depends on itself", name)
			}
			deps[name] = append(deps[name], upstream)
			adj[upstream] = append(adj[upstream], name)
			inDegree[name]++
		}
		sort.Strings(deps[name])
	}

	ready := make([]string, 0, len(byName))
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	ordered := make([]domain.Operation, 0, len(byName))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])
		for _, neighbor := range adj[name] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				ready = append(ready, neighbor)
				sort.Strings(ready)
			}
		}
	}
	if len(ordered) != len(byName) {
		return nil, nil, domain.NewValidationError("dependency graph contains a cycle")
	}
	return ordered, deps, nil
}
