// Package versions resolves model and artifact version references to storage paths.
//
// A reference is "name", "project:name" or "owner/project:name". References
// without an owner or project are read relative to the requesting project.
// Versions owned by another owner are never readable.
package versions

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// ObjectChecker confirms a resolved path exists in the artifact store.
type ObjectChecker interface {
	Exists(ctx context.Context, path string) error
}

type Ref struct {
	Owner   string
	Project string
	Name    string
}

func (r Ref) String() string {
	switch {
	case r.Owner != "":
		return r.Owner + "/" + r.Project + ":" + r.Name
	case r.Project != "":
		return r.Project + ":" + r.Name
	default:
		return r.Name
	}
}

func ParseRef(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, domain.NewValidationError("version reference is empty")
	}
	ref := Ref{}
	scope, name, scoped := strings.Cut(raw, ":")
	if !scoped {
		ref.Name = raw
	} else {
		ref.Name = name
		if owner, project, ok := strings.Cut(scope, "/"); ok {
			ref.Owner, ref.Project = owner, project
		} else {
			ref.Project = scope
		}
	}
	if strings.TrimSpace(ref.Name) == "" || (scoped && strings.TrimSpace(ref.Project) == "") {
		return Ref{}, domain.NewValidationError("malformed version reference %q", raw)
	}
	return ref, nil
}

// Resolved is a version plus the concrete path it mounts from.
type Resolved struct {
	Version domain.ProjectVersion
	Project domain.Project
	Path    string
}

type Resolver struct {
	projects      repo.ProjectRepository
	versions      repo.VersionRepository
	objects       ObjectChecker
	artifactsRoot string
}

// New builds a resolver. objects may be nil when no artifact store is configured.
func New(projects repo.ProjectRepository, versions repo.VersionRepository, objects ObjectChecker, artifactsRoot string) *Resolver {
	if projects == nil || versions == nil {
		return nil
	}
	return &Resolver{projects: projects, versions: versions, objects: objects, artifactsRoot: artifactsRoot}
}

// Resolve reads a version of kind visible from projectID.
func (r *Resolver) Resolve(ctx context.Context, projectID string, kind domain.VersionKind, raw string) (Resolved, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return Resolved{}, err
	}
	current, err := r.projects.GetProject(ctx, projectID)
	if err != nil {
		return Resolved{}, fmt.Errorf("get project %s: %w", projectID, err)
	}
	target := current
	if ref.Project != "" && (ref.Project != current.Name || (ref.Owner != "" && ref.Owner != current.Owner)) {
		owner := ref.Owner
		if owner == "" {
			owner = current.Owner
		}
		if owner != current.Owner {
			return Resolved{}, &domain.AccessError{Resource: string(kind) + " version", ID: ref.String(), Reason: "owned by a different owner"}
		}
		target, err = r.projects.GetProjectByName(ctx, owner, ref.Project)
		if errors.Is(err, repo.ErrNotFound) {
			return Resolved{}, domain.NewValidationError("%s version %q: project not found", kind, ref.String())
		}
		if err != nil {
			return Resolved{}, fmt.Errorf("get project %s/%s: %w", owner, ref.Project, err)
		}
	}

	version, err := r.versions.GetVersion(ctx, target.ID, kind, ref.Name)
	if errors.Is(err, repo.ErrNotFound) {
		return Resolved{}, domain.NewValidationError("%s version %q not found", kind, ref.String())
	}
	if err != nil {
		return Resolved{}, fmt.Errorf("get version: %w", err)
	}
	resolved := Resolved{Version: version, Project: target, Path: r.pathOf(version)}
	if resolved.Path == "" {
		return Resolved{}, domain.NewValidationError("%s version %q has no path or run", kind, ref.String())
	}
	if r.objects != nil {
		if err := r.objects.Exists(ctx, resolved.Path); err != nil {
			return Resolved{}, fmt.Errorf("%s version %q: %w", kind, ref.String(), err)
		}
	}
	return resolved, nil
}

func (r *Resolver) pathOf(v domain.ProjectVersion) string {
	if strings.TrimSpace(v.Path) != "" {
		return v.Path
	}
	if v.RunID == "" {
		return ""
	}
	return path.Join(r.artifactsRoot, v.RunID)
}
