// Package compiler turns operation specs into persisted runs.
package compiler

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

const reasonCompiler = "OperationCompiler"

// Spec is the caller's submission.
type Spec struct {
	Content     []byte
	Override    []byte
	Strategy    PatchStrategy
	Name        string
	Description string
	Tags        []string
	MetaInfo    domain.Metadata
}

// Context scopes a compilation.
type Context struct {
	ProjectID    string
	UserID       string
	PipelineID   string
	ControllerID string
	ManagedBy    domain.ManagedBy
	Pending      domain.Pending
	ScheduleAt   *time.Time
}

// Plan is a compiled run plus the runs and edges created with it.
type Plan struct {
	Run     domain.Run
	Related []domain.Run
	Edges   []domain.RunEdge
}

// Runs lists every run of the plan, related runs first.
func (p Plan) Runs() []domain.Run {
	out := make([]domain.Run, 0, len(p.Related)+1)
	out = append(out, p.Related...)
	return append(out, p.Run)
}

type Compiler struct {
	cfg   Config
	runs  repo.RunRepository
	edges repo.EdgeRepository
	now   func() time.Time
	newID func() string
}

func New(cfg Config, runs repo.RunRepository, edges repo.EdgeRepository) *Compiler {
	if runs == nil || edges == nil {
		return nil
	}
	return &Compiler{
		cfg:   cfg,
		runs:  runs,
		edges: edges,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Compile parses spec, builds its run and persists it with any build sub-run.
func (c *Compiler) Compile(ctx context.Context, spec Spec, cctx Context) (Plan, error) {
	op, raw, err := Parse(spec.Content, spec.Override, spec.Strategy)
	if err != nil {
		return Plan{}, err
	}
	plan, err := c.Build(op, raw, overridesFromSpec(spec), cctx)
	if err != nil {
		return Plan{}, err
	}
	if err := c.runs.CreateRuns(ctx, plan.Runs(), plan.Edges); err != nil {
		return Plan{}, fmt.Errorf("create runs: %w", err)
	}
	return plan, nil
}

// Overrides replace compiled values on the resulting run.
type Overrides struct {
	Name        string
	Description string
	Tags        []string
	MetaInfo    domain.Metadata
	Params      map[string]domain.Param
	// DefaultKind is the run kind of a hubRef-only operation. Defaults to job.
	DefaultKind string
	cloning     bool
}

func overridesFromSpec(spec Spec) Overrides {
	return Overrides{Name: spec.Name, Description: spec.Description, Tags: spec.Tags, MetaInfo: spec.MetaInfo}
}

// Build compiles op into a run without persisting it. raw is stored as raw_content.
func (c *Compiler) Build(op domain.Operation, raw string, ov Overrides, cctx Context) (Plan, error) {
	if op.Template != nil && op.Template.Enabled {
		return Plan{}, domain.NewValidationError("operation %q is a template and cannot be executed", op.Name)
	}
	if raw == "" {
		encoded, err := EncodeOperation(op)
		if err != nil {
			return Plan{}, err
		}
		raw = encoded
	}
	if len(ov.Params) > 0 {
		params := make(map[string]domain.Param, len(op.Params)+len(ov.Params))
		for k, v := range op.Params {
			params[k] = v
		}
		for k, v := range ov.Params {
			params[k] = v
		}
		op.Params = params
	}
	compiled, err := compileWithDefault(op, firstNonEmpty(ov.DefaultKind, string(domain.RunKindJob)))
	if err != nil {
		return Plan{}, err
	}
	kind, runtime := DeriveKind(compiled)

	managedBy := cctx.ManagedBy
	if managedBy == "" {
		managedBy = domain.ManagedByAgent
	}
	meta := StructuralMeta(compiled)
	for k, v := range ov.MetaInfo {
		meta[k] = v
	}

	now := c.now()
	run := domain.Run{
		ID:               c.newID(),
		ProjectID:        cctx.ProjectID,
		UserID:           cctx.UserID,
		Name:             firstNonEmpty(ov.Name, compiled.Name),
		Description:      firstNonEmpty(ov.Description, compiled.Description),
		Tags:             compiled.Tags,
		Kind:             kind,
		Runtime:          runtime,
		Status:           domain.StatusCreated,
		StatusConditions: []domain.Condition{domain.NewCondition(domain.StatusCreated, reasonCompiler, "Run is created", now)},
		Pending:          cctx.Pending,
		ManagedBy:        managedBy,
		PipelineID:       cctx.PipelineID,
		ControllerID:     cctx.ControllerID,
		Params:           op.Params,
		RawContent:       raw,
		MetaInfo:         meta,
		LiveState:        domain.LiveStateLive,
		ScheduleAt:       cctx.ScheduleAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if len(ov.Tags) > 0 {
		run.Tags = ov.Tags
	}
	if run.IsManaged() && !c.supports(kind, runtime) {
		return Plan{}, &domain.KindNotSupportedError{Kind: kind, Runtime: runtime}
	}
	if compiled.IsApproved != nil && !*compiled.IsApproved && run.Pending == domain.PendingNone {
		run.Pending = domain.PendingApproval
	}

	plan := Plan{}
	switch {
	case ov.cloning && compiled.Build != nil:
		compiled.Build = nil
	case run.Pending == domain.PendingUpload && compiled.Build != nil:
		buildRun, edge, err := c.SplitBuild(&run, &compiled, domain.PendingUpload)
		if err != nil {
			return Plan{}, err
		}
		plan.Related = append(plan.Related, buildRun)
		plan.Edges = append(plan.Edges, edge)
	}

	content, err := domain.EncodeContent(compiled)
	if err != nil {
		return Plan{}, err
	}
	run.Content = content
	plan.Run = run
	return plan, nil
}

// SplitBuild moves compiled's build section into a sibling builder run that
// parent depends on through a build edge. The parent becomes pending on BUILD.
func (c *Compiler) SplitBuild(parent *domain.Run, compiled *domain.CompiledOperation, pending domain.Pending) (domain.Run, domain.RunEdge, error) {
	if compiled.Build == nil {
		return domain.Run{}, domain.RunEdge{}, fmt.Errorf("run %s has no build section", parent.ID)
	}
	build := *compiled.Build
	op := domain.Operation{
		Name:      firstNonEmpty(parent.Name, "run") + "-build",
		Queue:     build.Queue,
		Params:    build.Params,
		HubRef:    build.HubRef,
		Component: build.Component,
	}
	builderCompiled, err := compileWithDefault(op, string(domain.RuntimeBuilder))
	if err != nil {
		return domain.Run{}, domain.RunEdge{}, err
	}
	raw, err := EncodeOperation(op)
	if err != nil {
		return domain.Run{}, domain.RunEdge{}, err
	}
	content, err := domain.EncodeContent(builderCompiled)
	if err != nil {
		return domain.Run{}, domain.RunEdge{}, err
	}
	now := c.now()
	buildRun := domain.Run{
		ID:               c.newID(),
		ProjectID:        parent.ProjectID,
		UserID:           parent.UserID,
		Name:             op.Name,
		Kind:             domain.RunKindJob,
		Runtime:          domain.RuntimeBuilder,
		Status:           domain.StatusCreated,
		StatusConditions: []domain.Condition{domain.NewCondition(domain.StatusCreated, reasonCompiler, "Build run is created", now)},
		Pending:          pending,
		ManagedBy:        parent.ManagedBy,
		Params:           build.Params,
		Content:          content,
		RawContent:       raw,
		MetaInfo:         domain.Metadata{domain.MetaHasJobs: true},
		LiveState:        domain.LiveStateLive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if parent.MetaInfo == nil {
		parent.MetaInfo = domain.Metadata{}
	}
	if build.Destination != "" {
		parent.MetaInfo[domain.MetaDestinationImage] = build.Destination
	}
	compiled.Build = nil
	parent.Pending = domain.PendingBuild
	edge := domain.RunEdge{UpstreamID: buildRun.ID, DownstreamID: parent.ID, Kind: domain.EdgeKindBuild}
	return buildRun, edge, nil
}

func (c *Compiler) supports(kind domain.RunKind, runtime domain.Runtime) bool {
	if len(c.cfg.AllowedKinds) > 0 && !slices.Contains(c.cfg.AllowedKinds, kind) {
		return false
	}
	if len(c.cfg.AllowedRuntimes) > 0 && !slices.Contains(c.cfg.AllowedRuntimes, runtime) {
		return false
	}
	return true
}

// CompileOperation merges an operation with its component and checks its params.
func CompileOperation(op domain.Operation) (domain.CompiledOperation, error) {
	return compileWithDefault(op, string(domain.RunKindJob))
}

func compileWithDefault(op domain.Operation, defaultKind string) (domain.CompiledOperation, error) {
	comp := op.Component
	external := comp == nil
	if external {
		if strings.TrimSpace(op.HubRef) == "" {
			return domain.CompiledOperation{}, domain.NewValidationError("operation %q requires a component or a hubRef", op.Name)
		}
		comp = &domain.Component{Name: op.HubRef, Run: domain.RunSection{Kind: defaultKind}}
	}
	compiled := domain.CompiledOperation{
		Version:            op.Version,
		Name:               firstNonEmpty(op.Name, comp.Name),
		Description:        firstNonEmpty(op.Description, comp.Description),
		Tags:               op.Tags,
		Queue:              op.Queue,
		Namespace:          op.Namespace,
		Cache:              op.Cache,
		Build:              op.Build,
		Hooks:              op.Hooks,
		Matrix:             op.Matrix,
		Schedule:           op.Schedule,
		Joins:              op.Joins,
		Dependencies:       op.Dependencies,
		Trigger:            op.Trigger,
		Conditions:         op.Conditions,
		SkipOnUpstreamSkip: op.SkipOnUpstreamSkip,
		IsApproved:         op.IsApproved,
		Inputs:             comp.Inputs,
		Outputs:            comp.Outputs,
		Run:                comp.Run,
	}
	if len(compiled.Tags) == 0 {
		compiled.Tags = comp.Tags
	}
	if compiled.Cache == nil {
		compiled.Cache = comp.Cache
	}
	if compiled.Trigger == "" {
		compiled.Trigger = domain.TriggerAllSucceeded
	}
	if compiled.Run.Kind == "" {
		compiled.Run.Kind = defaultKind
	}
	if err := validateCompiled(op, compiled, external); err != nil {
		return domain.CompiledOperation{}, err
	}
	return compiled, nil
}

func validateCompiled(op domain.Operation, compiled domain.CompiledOperation, external bool) error {
	verr := &domain.ValidationError{}
	if compiled.Schedule != nil {
		switch compiled.Schedule.Kind {
		case domain.ScheduleKindCron:
			if strings.TrimSpace(compiled.Schedule.Cron) == "" {
				verr.Add("cron schedule requires a cron expression")
			}
		case domain.ScheduleKindInterval:
			if compiled.Schedule.Frequency <= 0 {
				verr.Add("interval schedule requires a positive frequency")
			}
		case domain.ScheduleKindDateTime:
			if compiled.Schedule.StartAt == nil {
				verr.Add("datetime schedule requires startAt")
			}
		}
	}
	if compiled.IsDAG() && len(compiled.Run.Operations) == 0 {
		verr.Add("dag requires at least one operation")
	}
	if external {
		return verr.OrNil()
	}

	declared := map[string]domain.IO{}
	for _, io := range compiled.Inputs {
		declared[io.Name] = io
	}
	for _, io := range compiled.Outputs {
		declared[io.Name] = io
	}
	matrixParams := matrixParamNames(compiled.Matrix)
	for name, param := range op.Params {
		if param.ContextOnly {
			continue
		}
		if _, ok := declared[name]; !ok {
			if _, fromMatrix := matrixParams[name]; !fromMatrix {
				verr.Addf("param %q does not match any declared input or output", name)
			}
		}
	}
	for _, io := range compiled.Inputs {
		if io.IsOptional || io.Value != nil {
			continue
		}
		if _, ok := op.Params[io.Name]; ok {
			continue
		}
		if _, ok := matrixParams[io.Name]; ok {
			continue
		}
		verr.Addf("input %q is required", io.Name)
	}
	return verr.OrNil()
}

func matrixParamNames(m *domain.Matrix) map[string]struct{} {
	out := map[string]struct{}{}
	if m == nil {
		return out
	}
	for name := range m.Params {
		out[name] = struct{}{}
	}
	for _, values := range m.Values {
		for name := range values {
			out[name] = struct{}{}
		}
	}
	return out
}

// DeriveKind maps the compiled shape to the run kind and runtime.
func DeriveKind(c domain.CompiledOperation) (domain.RunKind, domain.Runtime) {
	if c.Schedule != nil {
		return domain.RunKindSchedule, domain.Runtime(c.Schedule.Kind)
	}
	if c.Matrix != nil {
		return domain.RunKindMatrix, domain.Runtime(c.Matrix.Kind)
	}
	switch kind := strings.ToLower(c.Run.Kind); kind {
	case string(domain.RunKindDAG):
		return domain.RunKindDAG, domain.RuntimeDAG
	case string(domain.RunKindService):
		return domain.RunKindService, domain.RuntimeService
	case string(domain.RunKindTuner):
		return domain.RunKindTuner, domain.RuntimeTuner
	case string(domain.RunKindNotifier):
		return domain.RunKindNotifier, domain.RuntimeNotifier
	case string(domain.RunKindCleaner):
		return domain.RunKindCleaner, domain.RuntimeCleaner
	case "", string(domain.RunKindJob):
		return domain.RunKindJob, domain.RuntimeJob
	default:
		return domain.RunKindJob, domain.Runtime(kind)
	}
}

// StructuralMeta folds the compiled shape into meta info flags.
func StructuralMeta(c domain.CompiledOperation) domain.Metadata {
	meta := domain.Metadata{}
	switch c.Run.Kind {
	case string(domain.RunKindDAG):
		meta[domain.MetaHasDAGs] = true
	case string(domain.RunKindService):
		meta[domain.MetaHasServices] = true
	default:
		meta[domain.MetaHasJobs] = true
	}
	if c.Matrix != nil {
		meta[domain.MetaHasMatrices] = true
		if c.Matrix.Concurrency > 0 {
			meta[domain.MetaConcurrency] = c.Matrix.Concurrency
		}
	}
	if c.Schedule != nil {
		meta[domain.MetaHasSchedules] = true
	}
	if len(c.Hooks) > 0 {
		meta[domain.MetaHasHooks] = true
	}
	if c.Matrix == nil && c.IsDAG() && c.Run.Concurrency > 0 {
		meta[domain.MetaConcurrency] = c.Run.Concurrency
	}
	return meta
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
