package resolver

import (
	"context"
	"sort"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// resolveIO materializes declared inputs and outputs with their bound values.
func (res *resolution) resolveIO(ctx context.Context) error {
	inputs := domain.Metadata{}
	for i, io := range res.compiled.Inputs {
		if v, ok := res.values[io.Name]; ok {
			res.compiled.Inputs[i].Value = v
		}
		inputs[io.Name] = res.compiled.Inputs[i].Value
	}
	outputs := domain.Metadata{}
	for k, v := range res.run.Outputs {
		outputs[k] = v
	}
	for i, io := range res.compiled.Outputs {
		if v, ok := res.values[io.Name]; ok {
			res.compiled.Outputs[i].Value = v
		}
		if _, reported := outputs[io.Name]; !reported || res.compiled.Outputs[i].Value != nil {
			outputs[io.Name] = res.compiled.Outputs[i].Value
		}
	}
	if len(res.compiled.Inputs) > 0 {
		res.run.Inputs = inputs
	}
	if len(res.compiled.Outputs) > 0 {
		res.run.Outputs = outputs
	}
	sort.Slice(res.contexts, func(i, j int) bool { return res.contexts[i].Name < res.contexts[j].Name })

	names := make([]string, 0, len(res.run.Params))
	for name := range res.run.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		param := res.run.Params[name]
		value, bound := res.values[name]
		if !bound {
			continue
		}
		if param.ToEnv != "" && res.compiled.Run.Container != nil {
			if res.compiled.Run.Container.Env == nil {
				res.compiled.Run.Container.Env = map[string]string{}
			}
			res.compiled.Run.Container.Env[param.ToEnv] = toString(value)
		}
		if param.ToInit {
			if init, ok := initFromValue(value, param.Connection); ok {
				res.compiled.Run.Init = append(res.compiled.Run.Init, init)
			}
		}
	}
	return nil
}

// initFromValue turns an artifacts value {"dirs": [...], "files": [...]} into an init entry.
func initFromValue(value any, connection string) (domain.Init, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return domain.Init{}, false
	}
	artifacts := &domain.ArtifactsInit{Dirs: stringList(m["dirs"]), Files: stringList(m["files"])}
	if len(artifacts.Dirs) == 0 && len(artifacts.Files) == 0 {
		return domain.Init{}, false
	}
	return domain.Init{Artifacts: artifacts, Connection: connection}, true
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := toString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
