package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// EvalCondition evaluates an HCL boolean expression such as
// `status == "failed" && outputs.loss > 0.5`. The optional "{{ }}" wrapper is
// ignored. An empty expression is true; a null result is false.
func EvalCondition(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "{{")
	expr = strings.TrimSuffix(expr, "}}")
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	parsed, diags := hclsyntax.ParseExpression([]byte(expr), "conditions", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return false, domain.NewValidationError("invalid condition %q: %s", expr, diags.Error())
	}
	variables, err := conditionVariables(vars)
	if err != nil {
		return false, err
	}
	value, diags := parsed.Value(&hcl.EvalContext{Variables: variables})
	if diags.HasErrors() {
		return false, domain.NewValidationError("evaluate condition %q: %s", expr, diags.Error())
	}
	if value.IsNull() {
		return false, nil
	}
	if !value.IsKnown() {
		return false, domain.NewValidationError("condition %q is not known", expr)
	}
	value, err = convert.Convert(value, cty.Bool)
	if err != nil {
		return false, domain.NewValidationError("condition %q is not a boolean: %s", expr, err)
	}
	if value.IsNull() {
		return false, nil
	}
	return value.True(), nil
}

func conditionVariables(vars map[string]any) (map[string]cty.Value, error) {
	out := make(map[string]cty.Value, len(vars))
	for name, v := range vars {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode condition variable %s: %w", name, err)
		}
		ty, err := ctyjson.ImpliedType(raw)
		if err != nil {
			return nil, fmt.Errorf("condition variable %s: %w", name, err)
		}
		val, err := ctyjson.Unmarshal(raw, ty)
		if err != nil {
			return nil, fmt.Errorf("condition variable %s: %w", name, err)
		}
		out[name] = val
	}
	return out, nil
}

// conditionVars exposes a run to condition expressions.
func (r *Resolver) conditionVars(run domain.Run, project domain.Project) map[string]any {
	return map[string]any{
		"status":  string(run.Status),
		"inputs":  map[string]any(run.Inputs.Clone()),
		"outputs": map[string]any(run.Outputs.Clone()),
		"params":  paramValues(run.Params),
		"globals": r.globalsFor(run, project),
	}
}

// ConditionVars loads the variables used to evaluate conditions against run.
func (r *Resolver) ConditionVars(ctx context.Context, run domain.Run) (map[string]any, error) {
	project, err := r.projectFor(ctx, run.ProjectID)
	if err != nil {
		return nil, err
	}
	return r.conditionVars(run, project), nil
}

func paramValues(params map[string]domain.Param) map[string]any {
	out := make(map[string]any, len(params))
	for name, p := range params {
		out[name] = p.Value
	}
	return out
}
