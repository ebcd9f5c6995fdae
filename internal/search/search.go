// Package search produces parameter suggestions for matrix runs.
package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// Suggestion is one set of parameter values for a matrix child.
type Suggestion map[string]any

// Strategy turns a matrix section into suggestions.
type Strategy interface {
	Suggest(ctx context.Context, matrix domain.Matrix) ([]Suggestion, error)
}

// Registry selects a strategy by matrix kind.
type Registry struct {
	strategies map[domain.MatrixKind]Strategy
}

// NewRegistry returns the built-in strategies: mapping, grid and random.
func NewRegistry() *Registry {
	return &Registry{strategies: map[domain.MatrixKind]Strategy{
		domain.MatrixKindMapping: Mapping{},
		domain.MatrixKindGrid:    Grid{},
		domain.MatrixKindRandom:  Random{},
	}}
}

// Register adds or replaces the strategy for kind.
func (r *Registry) Register(kind domain.MatrixKind, s Strategy) {
	r.strategies[kind] = s
}

func (r *Registry) Suggest(ctx context.Context, matrix domain.Matrix) ([]Suggestion, error) {
	s, ok := r.strategies[matrix.Kind]
	if !ok {
		return nil, domain.NewValidationError("matrix kind %q has no search strategy", matrix.Kind)
	}
	return s.Suggest(ctx, matrix)
}

// Mapping returns the declared values as they are.
type Mapping struct{}

func (Mapping) Suggest(ctx context.Context, matrix domain.Matrix) ([]Suggestion, error) {
	out := make([]Suggestion, 0, len(matrix.Values))
	for _, values := range matrix.Values {
		out = append(out, Suggestion(domain.Metadata(values).Clone()))
	}
	return out, nil
}

// Grid returns the cartesian product of discrete params, in sorted param order.
// A param is a list, {"kind": "choice", "value": [...]}, or a range or
// linspace expanded to its points.
type Grid struct{}

func (Grid) Suggest(ctx context.Context, matrix domain.Matrix) ([]Suggestion, error) {
	names := make([]string, 0, len(matrix.Params))
	for name := range matrix.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	out := []Suggestion{{}}
	for _, name := range names {
		choices, err := choicesOf(name, matrix.Params[name])
		if err != nil {
			return nil, err
		}
		next := make([]Suggestion, 0, len(out)*len(choices))
		for _, partial := range out {
			for _, choice := range choices {
				s := make(Suggestion, len(partial)+1)
				for k, v := range partial {
					s[k] = v
				}
				s[name] = choice
				next = append(next, s)
			}
		}
		out = next
	}
	if len(names) == 0 {
		return []Suggestion{}, nil
	}
	if matrix.NumRuns > 0 && len(out) > matrix.NumRuns {
		out = out[:matrix.NumRuns]
	}
	return out, nil
}

func choicesOf(name string, raw any) ([]any, error) {
	switch v := raw.(type) {
	case []any:
		return v, nil
	case map[string]any:
		kind, _ := v["kind"].(string)
		switch kind {
		case "", "choice":
			if values, ok := v["value"].([]any); ok {
				return values, nil
			}
		case "range", "linspace":
			args, err := numbers(name, v["value"], 3)
			if err != nil {
				return nil, err
			}
			if kind == "range" {
				return rangeOf(name, args[0], args[1], args[2])
			}
			return linspace(name, args[0], args[1], args[2])
		default:
			return nil, domain.NewValidationError("grid search param %q: unsupported kind %q", name, kind)
		}
	}
	return nil, domain.NewValidationError("grid search param %q: %s", name, fmt.Sprintf("expected a list of choices, got %T", raw))
}
