package compiler

import (
	"context"
	"fmt"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/lifecycle"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// CloneOptions customise restart, copy and resume.
type CloneOptions struct {
	// Content replaces the original's raw content when Recompile is set.
	Content     []byte
	Recompile   bool
	Override    []byte
	Strategy    PatchStrategy
	Name        string
	Description string
	Tags        []string
	MetaInfo    domain.Metadata
	UserID      string
	Pending     domain.Pending
}

// carriedMeta survive a clone.
var carriedMeta = []string{domain.MetaDestinationImage, domain.MetaUploadArtifacts}

func (c *Compiler) Restart(ctx context.Context, original domain.Run, opts CloneOptions) (domain.Run, error) {
	return c.clone(ctx, original, domain.CloningRestart, opts)
}

// Copy restarts original and mounts its artifacts into the new run.
func (c *Compiler) Copy(ctx context.Context, original domain.Run, opts CloneOptions) (domain.Run, error) {
	if _, ok := opts.MetaInfo[domain.MetaCopyArtifacts]; !ok {
		meta := opts.MetaInfo.Clone()
		meta[domain.MetaCopyArtifacts] = map[string]any{"dirs": []any{original.ID}}
		opts.MetaInfo = meta
	}
	return c.clone(ctx, original, domain.CloningCopy, opts)
}

func (c *Compiler) clone(ctx context.Context, original domain.Run, kind domain.CloningKind, opts CloneOptions) (domain.Run, error) {
	op, raw, err := c.reparse(original, opts)
	if err != nil {
		return domain.Run{}, err
	}
	meta := domain.Metadata{}
	for _, key := range carriedMeta {
		if v, ok := original.MetaInfo[key]; ok {
			meta[key] = v
		}
	}
	for k, v := range opts.MetaInfo {
		meta[k] = v
	}
	ov := Overrides{
		Name:        firstNonEmpty(opts.Name, original.Name),
		Description: firstNonEmpty(opts.Description, original.Description),
		Tags:        original.Tags,
		MetaInfo:    meta,
		cloning:     true,
	}
	if len(opts.Tags) > 0 {
		ov.Tags = opts.Tags
	}
	cctx := Context{
		ProjectID:    original.ProjectID,
		UserID:       firstNonEmpty(opts.UserID, original.UserID),
		PipelineID:   original.PipelineID,
		ControllerID: original.ControllerID,
		ManagedBy:    original.ManagedBy,
		Pending:      opts.Pending,
	}
	plan, err := c.Build(op, raw, ov, cctx)
	if err != nil {
		return domain.Run{}, err
	}
	plan.Run.OriginalID = original.ID
	plan.Run.CloningKind = kind

	builds, err := c.edges.ListEdges(ctx, repo.EdgeFilter{DownstreamID: original.ID, Kinds: []domain.EdgeKind{domain.EdgeKindBuild}})
	if err != nil {
		return domain.Run{}, fmt.Errorf("list build edges: %w", err)
	}
	for _, edge := range builds {
		plan.Edges = append(plan.Edges, domain.RunEdge{
			UpstreamID:   edge.UpstreamID,
			DownstreamID: plan.Run.ID,
			Kind:         domain.EdgeKindBuild,
		})
	}
	if err := c.runs.CreateRuns(ctx, plan.Runs(), plan.Edges); err != nil {
		return domain.Run{}, fmt.Errorf("create runs: %w", err)
	}
	return plan.Run, nil
}

// Resume recompiles a terminal run in place and moves it to RESUMING.
func (c *Compiler) Resume(ctx context.Context, run domain.Run, opts CloneOptions) (domain.Run, error) {
	if !run.Status.IsDone() {
		return domain.Run{}, &domain.InvalidStateError{RunID: run.ID, Status: run.Status, Reason: "only terminal runs can be resumed"}
	}
	if run.CloningKind == domain.CloningCache {
		return domain.Run{}, &domain.InvalidStateError{RunID: run.ID, Status: run.Status, Reason: "cache hit runs were never executed"}
	}
	op, raw, err := c.reparse(run, opts)
	if err != nil {
		return domain.Run{}, err
	}
	meta := run.MetaInfo.Clone()
	for k, v := range opts.MetaInfo {
		meta[k] = v
	}
	plan, err := c.Build(op, raw, Overrides{Name: run.Name, Description: run.Description, Tags: run.Tags, MetaInfo: meta, cloning: true}, Context{
		ProjectID:    run.ProjectID,
		UserID:       run.UserID,
		PipelineID:   run.PipelineID,
		ControllerID: run.ControllerID,
		ManagedBy:    run.ManagedBy,
		Pending:      opts.Pending,
	})
	if err != nil {
		return domain.Run{}, err
	}
	compiled := plan.Run
	run.Kind = compiled.Kind
	run.Runtime = compiled.Runtime
	run.Content = compiled.Content
	run.RawContent = compiled.RawContent
	run.MetaInfo = compiled.MetaInfo
	run.Params = compiled.Params
	run.Pending = compiled.Pending
	run.FinishedAt = nil
	run.Duration = 0
	if !lifecycle.Apply(&run, domain.NewCondition(domain.StatusResuming, reasonCompiler, "Run is resuming", c.now()), true) {
		return domain.Run{}, &domain.InvalidStateError{RunID: run.ID, Status: run.Status, Reason: "run cannot be resumed"}
	}
	fields := append([]repo.RunField{
		repo.FieldKind,
		repo.FieldRuntime,
		repo.FieldContent,
		repo.FieldRawContent,
		repo.FieldMetaInfo,
		repo.FieldParams,
		repo.FieldPending,
	}, repo.StatusFields...)
	if err := c.runs.UpdateRun(ctx, run, fields...); err != nil {
		return domain.Run{}, fmt.Errorf("update run: %w", err)
	}
	return run, nil
}

func (c *Compiler) reparse(run domain.Run, opts CloneOptions) (domain.Operation, string, error) {
	content := []byte(run.RawContent)
	if opts.Recompile && len(opts.Content) > 0 {
		content = opts.Content
	}
	return Parse(content, opts.Override, opts.Strategy)
}
