package search

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// maxPoints bounds the points a range or linspace expands to.
const maxPoints = 10000

// Random samples NumRuns suggestions. Each param is a discrete distribution
// (a list, choice, pchoice, range or linspace) or a continuous one (uniform,
// quniform, loguniform, qloguniform, normal, qnormal, lognormal or
// qlognormal). A seed makes the samples reproducible.
type Random struct{}

func (Random) Suggest(ctx context.Context, matrix domain.Matrix) ([]Suggestion, error) {
	if matrix.NumRuns <= 0 {
		return nil, domain.NewValidationError("random search requires numRuns")
	}
	names := make([]string, 0, len(matrix.Params))
	for name := range matrix.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	samplers := make([]sampler, len(names))
	for i, name := range names {
		s, err := samplerOf(name, matrix.Params[name])
		if err != nil {
			return nil, err
		}
		samplers[i] = s
	}
	if len(names) == 0 {
		return []Suggestion{}, nil
	}

	var seed uint64
	if matrix.Seed != nil {
		seed = uint64(*matrix.Seed)
	} else {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]Suggestion, 0, matrix.NumRuns)
	for range matrix.NumRuns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := make(Suggestion, len(names))
		for i, name := range names {
			s[name] = samplers[i](rng)
		}
		out = append(out, s)
	}
	return out, nil
}

type sampler func(*rand.Rand) any

func samplerOf(name string, raw any) (sampler, error) {
	spec, _ := raw.(map[string]any)
	kind, _ := spec["kind"].(string)
	switch kind {
	case "", "choice", "range", "linspace":
		choices, err := choicesOf(name, raw)
		if err != nil {
			return nil, err
		}
		if len(choices) == 0 {
			return nil, domain.NewValidationError("random search param %q has no choices", name)
		}
		return pick(choices), nil
	case "pchoice":
		return pchoice(name, spec["value"])
	}

	arity := 2
	if kind == "quniform" || kind == "qloguniform" || kind == "qnormal" || kind == "qlognormal" {
		arity = 3
	}
	args, err := numbers(name, spec["value"], arity)
	if err != nil {
		return nil, err
	}
	quantize := func(v float64) float64 {
		if arity == 3 && args[2] > 0 {
			return math.Round(v/args[2]) * args[2]
		}
		return v
	}
	switch kind {
	case "uniform", "quniform":
		if args[1] < args[0] {
			return nil, domain.NewValidationError("random search param %q: high is below low", name)
		}
		return func(r *rand.Rand) any { return quantize(args[0] + r.Float64()*(args[1]-args[0])) }, nil
	case "loguniform", "qloguniform":
		if args[0] <= 0 || args[1] < args[0] {
			return nil, domain.NewValidationError("random search param %q: loguniform bounds must be positive and ordered", name)
		}
		lo, hi := math.Log(args[0]), math.Log(args[1])
		return func(r *rand.Rand) any { return quantize(math.Exp(lo + r.Float64()*(hi-lo))) }, nil
	case "normal", "qnormal":
		return func(r *rand.Rand) any { return quantize(args[0] + r.NormFloat64()*args[1]) }, nil
	case "lognormal", "qlognormal":
		return func(r *rand.Rand) any { return quantize(math.Exp(args[0] + r.NormFloat64()*args[1])) }, nil
	}
	return nil, domain.NewValidationError("random search param %q: unsupported kind %q", name, kind)
}

func pick(choices []any) sampler {
	return func(r *rand.Rand) any { return choices[r.IntN(len(choices))] }
}

// pchoice samples [[value, probability], ...] pairs whose probabilities sum to 1.
func pchoice(name string, raw any) (sampler, error) {
	pairs, ok := raw.([]any)
	if !ok || len(pairs) == 0 {
		return nil, domain.NewValidationError("random search param %q: pchoice expects [[value, probability], ...]", name)
	}
	values := make([]any, len(pairs))
	cumulative := make([]float64, len(pairs))
	total := 0.0
	for i, raw := range pairs {
		pair, ok := raw.([]any)
		if !ok || len(pair) != 2 {
			return nil, domain.NewValidationError("random search param %q: pchoice entry %d is not a pair", name, i)
		}
		p, ok := number(pair[1])
		if !ok || p < 0 {
			return nil, domain.NewValidationError("random search param %q: pchoice entry %d has an invalid probability", name, i)
		}
		total += p
		values[i], cumulative[i] = pair[0], total
	}
	if math.Abs(total-1) > 1e-6 {
		return nil, domain.NewValidationError("random search param %q: pchoice probabilities sum to %g", name, total)
	}
	return func(r *rand.Rand) any {
		x := r.Float64() * total
		i := sort.SearchFloat64s(cumulative, x)
		if i >= len(values) {
			i = len(values) - 1
		}
		return values[i]
	}, nil
}

func numbers(name string, raw any, n int) ([]float64, error) {
	list, ok := raw.([]any)
	if !ok || len(list) != n {
		return nil, domain.NewValidationError("search param %q expects %d numbers", name, n)
	}
	out := make([]float64, n)
	for i, v := range list {
		f, ok := number(v)
		if !ok {
			return nil, domain.NewValidationError("search param %q: %v is not a number", name, v)
		}
		out[i] = f
	}
	return out, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// rangeOf expands [start, stop) by step.
func rangeOf(name string, start, stop, step float64) ([]any, error) {
	if step == 0 || (stop-start)/step < 0 {
		return nil, domain.NewValidationError("search param %q: range never reaches its stop", name)
	}
	n := int(math.Ceil((stop - start) / step))
	if n > maxPoints {
		return nil, domain.NewValidationError("search param %q: range expands to more than %d points", name, maxPoints)
	}
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, start+float64(i)*step)
	}
	return out, nil
}

// linspace expands num evenly spaced points over [start, stop].
func linspace(name string, start, stop, num float64) ([]any, error) {
	n := int(num)
	if n < 1 || float64(n) != num || n > maxPoints {
		return nil, domain.NewValidationError("search param %q: linspace needs between 1 and %d points", name, maxPoints)
	}
	if n == 1 {
		return []any{start}, nil
	}
	step := (stop - start) / float64(n-1)
	out := make([]any, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out, nil
}
