// Package resolver turns a compiled run into an executable one.
//
// Resolution is a linear sequence of idempotent stages: edges, params, I/O,
// pipeline expansion (schedule, matrix or DAG), presets, cache, build split and
// a single persisting write. Hooks are materialized separately once the run is done.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/compiler"
	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/lifecycle"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/search"
	"github.com/animus-labs/animus-orchestrator/internal/versions"
)

const (
	reasonResolver       = "SchedulingResolver"
	reasonCacheHit       = "CacheHit"
	reasonScheduleFinish = "ScheduleFinished"
)

// Suggester produces matrix suggestions.
type Suggester interface {
	Suggest(ctx context.Context, matrix domain.Matrix) ([]search.Suggestion, error)
}

// VersionResolver resolves model and artifact references on init sections.
type VersionResolver interface {
	Resolve(ctx context.Context, projectID string, kind domain.VersionKind, ref string) (versions.Resolved, error)
}

type Resolver struct {
	cfg         Config
	store       repo.Store
	compiler    *compiler.Compiler
	versions    VersionResolver
	suggester   Suggester
	transitions *lifecycle.Transitioner
	logger      *slog.Logger
	now         func() time.Time
}

// New builds a resolver. versions may be nil when no version store is wired.
func New(cfg Config, store repo.Store, c *compiler.Compiler, versionResolver VersionResolver, suggester Suggester, logger *slog.Logger) *Resolver {
	if store == nil || c == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if suggester == nil {
		suggester = search.NewRegistry()
	}
	return &Resolver{
		cfg:         cfg,
		store:       store,
		compiler:    c,
		versions:    versionResolver,
		suggester:   suggester,
		transitions: lifecycle.New(store),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock returns a copy using now for schedules, TTLs and conditions.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	cp := *r
	cp.now = now
	cp.transitions = r.transitions.WithClock(now)
	return &cp
}

// Result describes what a resolution produced.
type Result struct {
	Run      domain.Run
	Compiled domain.CompiledOperation
	// Created holds the children, schedule child or build run created during resolution.
	Created []domain.Run
	Edges   []domain.RunEdge
	// CacheHit is set when the run now points at a prior run.
	CacheHit bool
	// Finished is set when resolution completed the run (cache hit on a
	// succeeded run, or a schedule past its end).
	Finished bool
}

type resolution struct {
	r        *Resolver
	run      domain.Run
	compiled domain.CompiledOperation
	project  domain.Project
	globals  map[string]any
	values   map[string]any
	contexts []domain.IO
	finished bool
	result   Result
}

// Resolve runs every stage for run and persists the outcome.
func (r *Resolver) Resolve(ctx context.Context, run domain.Run) (Result, error) {
	compiled, err := domain.DecodeContent(run.Content)
	if err != nil {
		return Result{}, err
	}
	res := &resolution{
		r:        r,
		run:      run.Clone(),
		compiled: compiled,
		values:   map[string]any{},
	}
	if res.run.MetaInfo == nil {
		res.run.MetaInfo = domain.Metadata{}
	}
	if err := res.loadProject(ctx); err != nil {
		return Result{}, err
	}
	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{name: "edges", fn: res.resolveEdges},
		{name: "params", fn: res.resolveParams},
		{name: "io", fn: res.resolveIO},
		{name: "expand", fn: res.expand},
		{name: "presets", fn: res.resolvePresets},
		{name: "cache", fn: res.resolveCache},
		{name: "build", fn: res.resolveBuild},
		{name: "persist", fn: res.persist},
	}
	for _, stage := range stages {
		if err := stage.fn(ctx); err != nil {
			if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrAccess) {
				return Result{}, err
			}
			return Result{}, fmt.Errorf("resolve %s: %w", stage.name, err)
		}
	}
	res.result.Run = res.run
	res.result.Compiled = res.compiled
	return res.result, nil
}

func (res *resolution) loadProject(ctx context.Context) error {
	project, err := res.r.projectFor(ctx, res.run.ProjectID)
	if err != nil {
		return err
	}
	res.project = project
	res.globals = res.r.globalsFor(res.run, project)
	return nil
}

func (res *resolution) persist(ctx context.Context) error {
	content, err := domain.EncodeContent(res.compiled)
	if err != nil {
		return err
	}
	res.run.Content = content
	res.run.Resources = computeResources(res.compiled)
	if err := res.r.store.UpdateRun(ctx, res.run, repo.ResolvedFields...); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if !res.finished {
		return nil
	}
	reason, message := reasonCacheHit, "Outputs copied from "+res.run.OriginalID
	if !res.result.CacheHit {
		reason, message = reasonScheduleFinish, "Schedule reached its end"
	}
	if _, err := res.r.transitions.Transition(ctx, &res.run, domain.StatusSucceeded, reason, message, false); err != nil {
		return fmt.Errorf("transition run: %w", err)
	}
	res.result.Finished = true
	return nil
}

// resolveBuild splits a build section still present after compilation into a build run.
func (res *resolution) resolveBuild(ctx context.Context) error {
	if res.compiled.Build == nil || res.result.CacheHit {
		return nil
	}
	buildRun, edge, err := res.r.compiler.SplitBuild(&res.run, &res.compiled, domain.PendingNone)
	if err != nil {
		return err
	}
	if err := res.r.store.CreateRuns(ctx, []domain.Run{buildRun}, []domain.RunEdge{edge}); err != nil {
		return fmt.Errorf("create build run: %w", err)
	}
	res.result.Created = append(res.result.Created, buildRun)
	res.result.Edges = append(res.result.Edges, edge)
	return nil
}

// projectFor loads a project, tolerating projects unknown to the store.
func (r *Resolver) projectFor(ctx context.Context, id string) (domain.Project, error) {
	project, err := r.store.GetProject(ctx, id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return domain.Project{ID: id}, nil
	case err != nil:
		return domain.Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// namespaceFor scopes fingerprints to the run's project.
func (r *Resolver) namespaceFor(projectID string) uuid.UUID {
	if parsed, err := uuid.Parse(projectID); err == nil {
		return parsed
	}
	return uuid.NewSHA1(r.cfg.CacheNamespace, []byte(projectID))
}

func (r *Resolver) log(msg string, attrs ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Info(msg, append([]any{"component", "resolver"}, attrs...)...)
}
