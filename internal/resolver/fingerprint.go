package resolver

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// fingerprint hashes the cache-relevant sections of a compiled run into a
// uuid5 scoped to the run's project. It returns "" when nothing is hashable.
func (r *Resolver) fingerprint(run domain.Run, compiled domain.CompiledOperation, contexts []domain.IO) string {
	var cacheIO []string
	if compiled.Cache != nil {
		cacheIO = compiled.Cache.IO
	}
	keep := func(io domain.IO, needValue bool) bool {
		if needValue && io.Value == nil {
			return false
		}
		return len(cacheIO) == 0 || slices.Contains(cacheIO, io.Name)
	}

	var b strings.Builder
	writeIO := func(prefix string, ios []domain.IO, needValue bool) {
		sorted := append([]domain.IO(nil), ios...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
		reprs := make([]string, 0, len(sorted))
		for _, io := range sorted {
			if keep(io, needValue) {
				reprs = append(reprs, formatAny(io))
			}
		}
		if len(reprs) > 0 {
			b.WriteString(prefix + "[" + strings.Join(reprs, ",") + "]")
		}
	}
	writeIO("in-", compiled.Inputs, false)
	writeIO("out-", compiled.Outputs, true)
	writeIO("ctx-", contexts, true)

	if len(compiled.Run.Init) > 0 {
		b.WriteString("init-" + formatAny(compiled.Run.Init))
	}
	if connections := slices.DeleteFunc(append([]string(nil), compiled.Run.Connections...), func(c string) bool { return c == "" }); len(connections) > 0 {
		b.WriteString("connections-" + formatAny(connections))
	}
	containers := make([]string, 0, 1+len(compiled.Run.Sidecars))
	if c := containerState(compiled.Run.Container); c != "" {
		containers = append(containers, c)
	}
	for i := range compiled.Run.Sidecars {
		if c := containerState(&compiled.Run.Sidecars[i]); c != "" {
			containers = append(containers, c)
		}
	}
	if len(containers) > 0 {
		b.WriteString("containers-" + formatAny(containers))
	}
	if compiled.Namespace != "" {
		b.WriteString("namespace-" + compiled.Namespace)
	}

	state := b.String()
	if state == "" {
		return ""
	}
	if run.ComponentState != "" {
		state = run.ComponentState + state
	}
	return uuid.NewSHA1(r.namespaceFor(run.ProjectID), []byte(state)).String()
}

func containerState(c *domain.Container) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	if len(c.Command) > 0 {
		b.WriteString("cmd-" + formatAny(c.Command))
	}
	if len(c.Args) > 0 {
		b.WriteString("args-" + formatAny(c.Args))
	}
	return b.String()
}

// formatAny is a stable textual form; json sorts map keys.
func formatAny(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
