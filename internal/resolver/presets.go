package resolver

import (
	"context"
	"path"
	"slices"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

// resolvePresets applies meta directives and init references to the compiled spec.
func (res *resolution) resolvePresets(ctx context.Context) error {
	if err := res.applyCopyArtifacts(); err != nil {
		return err
	}
	if err := res.resolveInitRefs(ctx); err != nil {
		return err
	}
	return res.checkConnections()
}

// applyCopyArtifacts consumes the copy_artifacts directive. Each source path is
// mounted under the run's own artifacts path with its leading run uuid dropped.
func (res *resolution) applyCopyArtifacts() error {
	raw, ok := res.run.MetaInfo[domain.MetaCopyArtifacts]
	if !ok {
		return nil
	}
	delete(res.run.MetaInfo, domain.MetaCopyArtifacts)
	directive, ok := raw.(map[string]any)
	if !ok {
		return domain.NewValidationError("copy_artifacts must be an object with dirs and files")
	}
	target := res.r.artifactsPath(res.run.ID)
	relocate := func(paths []string) []string {
		out := make([]string, 0, len(paths))
		for _, p := range paths {
			source := path.Join(res.r.cfg.ArtifactsRoot, p)
			parts := strings.Split(strings.Trim(p, "/"), "/")
			dest := path.Join(append([]string{target}, parts[1:]...)...)
			out = append(out, source+":"+dest)
		}
		return out
	}
	artifacts := &domain.ArtifactsInit{
		Dirs:  relocate(stringList(directive["dirs"])),
		Files: relocate(stringList(directive["files"])),
	}
	if len(artifacts.Dirs) == 0 && len(artifacts.Files) == 0 {
		return nil
	}
	res.compiled.Run.Init = append(res.compiled.Run.Init, domain.Init{Artifacts: artifacts, Path: target})
	return nil
}

// resolveInitRefs turns modelRef and artifactRef entries into concrete paths.
func (res *resolution) resolveInitRefs(ctx context.Context) error {
	for i, init := range res.compiled.Run.Init {
		var kind domain.VersionKind
		var ref string
		switch {
		case init.ModelRef != "":
			kind, ref = domain.VersionKindModel, init.ModelRef
		case init.ArtifactRef != "":
			kind, ref = domain.VersionKindArtifact, init.ArtifactRef
		default:
			if init.Path != "" {
				res.compiled.Run.Init[i].Path = toString(renderGlobals(init.Path, res.globals))
			}
			continue
		}
		if res.r.versions == nil {
			return domain.NewValidationError("init reference %q cannot be resolved without a version store", ref)
		}
		resolved, err := res.r.versions.Resolve(ctx, res.run.ProjectID, kind, ref)
		if err != nil {
			return err
		}
		if init.Artifacts == nil {
			res.compiled.Run.Init[i].Artifacts = &domain.ArtifactsInit{}
		}
		res.compiled.Run.Init[i].Artifacts.Dirs = append(res.compiled.Run.Init[i].Artifacts.Dirs, resolved.Path)
		if init.Path == "" {
			res.compiled.Run.Init[i].Path = path.Join(res.r.artifactsPath(res.run.ID), string(kind)+"s", resolved.Version.Name)
		}
	}
	return nil
}

// checkConnections rejects connections outside the configured catalog.
func (res *resolution) checkConnections() error {
	if len(res.r.cfg.Connections) == 0 {
		return nil
	}
	names := append([]string{}, res.compiled.Run.Connections...)
	for _, init := range res.compiled.Run.Init {
		names = append(names, init.Connection)
	}
	for _, param := range res.run.Params {
		names = append(names, param.Connection)
	}
	for _, name := range names {
		if name == "" || slices.Contains(res.r.cfg.Connections, name) {
			continue
		}
		return &domain.AccessError{Resource: "connection", ID: name, Reason: "connection is not in the catalog"}
	}
	return nil
}
