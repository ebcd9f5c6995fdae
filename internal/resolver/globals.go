package resolver

import (
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

var globalsPattern = regexp.MustCompile(`\{\{\s*globals\.([a-z_]+)\s*\}\}`)

// globalsFor exposes run identity, scope, paths and timestamps to references.
func (r *Resolver) globalsFor(run domain.Run, project domain.Project) map[string]any {
	g := map[string]any{
		"uuid":               run.ID,
		"name":               run.Name,
		"status":             string(run.Status),
		"owner_name":         project.Owner,
		"project_name":       project.Name,
		"project_uuid":       run.ProjectID,
		"run_info":           strings.Join([]string{project.Owner, project.Name, "runs", run.ID}, "."),
		"store_path":         r.cfg.ArtifactsRoot,
		"run_artifacts_path": r.artifactsPath(run.ID),
		"run_outputs_path":   path.Join(r.artifactsPath(run.ID), "outputs"),
		"namespace":          run.ProjectID,
		"cloning_kind":       string(run.CloningKind),
		"original_uuid":      run.OriginalID,
		"pipeline_uuid":      run.PipelineID,
		"controller_uuid":    run.ControllerID,
		"is_independent":     run.IsIndependent(),
		"created_at":         formatTime(&run.CreatedAt),
		"compiled_at":        formatTime(ptr(r.now())),
		"schedule_at":        formatTime(run.ScheduleAt),
		"started_at":         formatTime(run.StartedAt),
		"finished_at":        formatTime(run.FinishedAt),
		"duration":           run.Duration,
	}
	if cond, ok := run.LatestCondition(); ok {
		g["condition"] = map[string]any{
			"type":    string(cond.Type),
			"reason":  cond.Reason,
			"message": cond.Message,
		}
	}
	if n, ok := run.MetaInfo.Int(domain.MetaIteration); ok {
		g["iteration"] = n
	}
	return g
}

func (r *Resolver) artifactsPath(runID string) string {
	return path.Join(r.cfg.ArtifactsRoot, runID)
}

// renderGlobals substitutes "{{ globals.x }}" placeholders. A string that is a
// single placeholder takes the global's value and type.
func renderGlobals(value any, globals map[string]any) any {
	s, ok := value.(string)
	if !ok || !strings.Contains(s, "globals.") {
		return value
	}
	if m := globalsPattern.FindStringSubmatch(strings.TrimSpace(s)); m != nil && m[0] == strings.TrimSpace(s) {
		if v, ok := globals[m[1]]; ok {
			return v
		}
		return value
	}
	return globalsPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := globalsPattern.FindStringSubmatch(match)[1]
		v, ok := globals[name]
		if !ok {
			return match
		}
		return toString(v)
	})
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return strings.TrimSpace(strings.Trim(formatAny(t), `"`))
	}
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func ptr[T any](v T) *T { return &v }
