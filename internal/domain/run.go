package domain

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// RunKind is the structural kind of a run.
type RunKind string

const (
	RunKindJob      RunKind = "job"
	RunKindService  RunKind = "service"
	RunKindDAG      RunKind = "dag"
	RunKindMatrix   RunKind = "matrix"
	RunKindSchedule RunKind = "schedule"
	RunKindTuner    RunKind = "tuner"
	RunKindNotifier RunKind = "notifier"
	RunKindCleaner  RunKind = "cleaner"
)

// ExecKinds are launched directly on the substrate.
var ExecKinds = []RunKind{RunKindJob, RunKindService, RunKindTuner, RunKindNotifier, RunKindCleaner}

// PipelineKinds own child runs admitted under a budget.
var PipelineKinds = []RunKind{RunKindDAG, RunKindMatrix}

func (k RunKind) IsExec() bool {
	return slices.Contains(ExecKinds, k)
}

func (k RunKind) IsPipeline() bool {
	return k == RunKindDAG || k == RunKindMatrix
}

// Runtime refines a kind, e.g. a job running as a pytorchjob or a cron schedule.
type Runtime string

const (
	RuntimeJob        Runtime = "job"
	RuntimeService    Runtime = "service"
	RuntimeDAG        Runtime = "dag"
	RuntimeTFJob      Runtime = "tfjob"
	RuntimePytorchJob Runtime = "pytorchjob"
	RuntimeMPIJob     Runtime = "mpijob"
	RuntimeXGBJob     Runtime = "xgbjob"
	RuntimeRayJob     Runtime = "rayjob"
	RuntimeDaskJob    Runtime = "daskjob"
	RuntimePaddleJob  Runtime = "paddlejob"
	RuntimeBuilder    Runtime = "builder"
	RuntimeTuner      Runtime = "tuner"
	RuntimeNotifier   Runtime = "notifier"
	RuntimeCleaner    Runtime = "cleaner"
)

type Pending string

const (
	PendingNone     Pending = ""
	PendingApproval Pending = "approval"
	PendingUpload   Pending = "upload"
	PendingBuild    Pending = "build"
	PendingCache    Pending = "cache"
)

type ManagedBy string

const (
	ManagedByAgent ManagedBy = "agent"
	ManagedByCLI   ManagedBy = "cli"
	ManagedByUser  ManagedBy = "user"
)

type CloningKind string

const (
	CloningNone    CloningKind = ""
	CloningRestart CloningKind = "restart"
	CloningCopy    CloningKind = "copy"
	CloningCache   CloningKind = "cache"
)

type LiveState string

const (
	LiveStateLive                LiveState = "live"
	LiveStateArchived            LiveState = "archived"
	LiveStateDeletionProgressing LiveState = "deletion_progressing"
)

// Meta info keys.
const (
	MetaHasJobs           = "has_jobs"
	MetaHasServices       = "has_services"
	MetaHasDAGs           = "has_dags"
	MetaHasMatrices       = "has_matrices"
	MetaHasSchedules      = "has_schedules"
	MetaHasHooks          = "has_hooks"
	MetaConcurrency       = "concurrency"
	MetaIteration         = "iteration"
	MetaCopyArtifacts     = "copy_artifacts"
	MetaRecompile         = "recompile"
	MetaRewritePath       = "rewrite_path"
	MetaIsExternal        = "is_external"
	MetaUploadArtifacts   = "upload_artifacts"
	MetaDestinationImage  = "destination_image"
	MetaScheduleRunsCount = "schedule_runs"
)

// StructuralMetaKeys are propagated from children to their pipeline.
var StructuralMetaKeys = []string{MetaHasJobs, MetaHasServices, MetaHasDAGs, MetaHasMatrices}

// Resources is the accounting snapshot of a run's declared requests.
type Resources struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	GPU    float64 `json:"gpu"`
	Custom float64 `json:"custom"`
	Cost   float64 `json:"cost"`
}

// Run is a single schedulable work item.
type Run struct {
	ID               string
	ProjectID        string
	UserID           string
	Name             string
	Description      string
	Tags             []string
	Kind             RunKind
	Runtime          Runtime
	Status           Status
	StatusConditions []Condition
	Pending          Pending
	ManagedBy        ManagedBy
	CloningKind      CloningKind
	OriginalID       string
	PipelineID       string
	ControllerID     string
	State            string
	ComponentState   string
	Inputs           Metadata
	Outputs          Metadata
	Params           map[string]Param
	Content          string
	RawContent       string
	MetaInfo         Metadata
	Resources        Resources
	LiveState        LiveState
	ScheduleAt       *time.Time
	CheckedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	WaitTime         int64
	Duration         int64
	DeletedAt        *time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(string(r.Kind)) == "" {
		return errors.New("run kind is required")
	}
	if NormalizeStatus(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	if r.OriginalID == "" && r.CloningKind != CloningNone {
		return errors.New("cloning kind requires an original run")
	}
	return nil
}

// IsManaged reports whether the platform owns scheduling for the run.
func (r Run) IsManaged() bool { return r.ManagedBy == ManagedByAgent }

// IsIndependent reports whether the run is not owned by a pipeline.
func (r Run) IsIndependent() bool { return r.PipelineID == "" }

// Concurrency returns the declared concurrency override, if any.
func (r Run) Concurrency() (int, bool) {
	if r.MetaInfo == nil {
		return 0, false
	}
	n, ok := r.MetaInfo.Int(MetaConcurrency)
	if !ok || n <= 0 {
		return 0, false
	}
	return n, true
}

// LatestCondition returns the last applied condition.
func (r Run) LatestCondition() (Condition, bool) {
	if len(r.StatusConditions) == 0 {
		return Condition{}, false
	}
	return r.StatusConditions[len(r.StatusConditions)-1], true
}

func (r Run) Clone() Run {
	out := r
	out.Tags = append([]string(nil), r.Tags...)
	out.StatusConditions = append([]Condition(nil), r.StatusConditions...)
	out.Inputs = cloneNullable(r.Inputs)
	out.Outputs = cloneNullable(r.Outputs)
	out.MetaInfo = cloneNullable(r.MetaInfo)
	if r.Params != nil {
		out.Params = make(map[string]Param, len(r.Params))
		for k, v := range r.Params {
			out.Params[k] = v
		}
	}
	out.ScheduleAt = cloneTime(r.ScheduleAt)
	out.CheckedAt = cloneTime(r.CheckedAt)
	out.StartedAt = cloneTime(r.StartedAt)
	out.FinishedAt = cloneTime(r.FinishedAt)
	out.DeletedAt = cloneTime(r.DeletedAt)
	return out
}

func cloneNullable(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	return m.Clone()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EdgeKind classifies a dependency between two runs.
type EdgeKind string

const (
	EdgeKindDAG   EdgeKind = "dag"
	EdgeKindJoin  EdgeKind = "join"
	EdgeKindRun   EdgeKind = "run"
	EdgeKindBuild EdgeKind = "build"
	EdgeKindHook  EdgeKind = "hook"
	EdgeKindEvent EdgeKind = "event"
)

// RunEdge is a directed dependency carrying parameter bindings.
type RunEdge struct {
	UpstreamID   string
	DownstreamID string
	Kind         EdgeKind
	Values       map[string]Param
	Statuses     []Status
}

// Project is the scope owning runs.
type Project struct {
	ID    string
	Name  string
	Owner string
}

type VersionKind string

const (
	VersionKindModel     VersionKind = "model"
	VersionKindArtifact  VersionKind = "artifact"
	VersionKindComponent VersionKind = "component"
)

// ProjectVersion is a named reference to a run's artifacts or a stored path.
type ProjectVersion struct {
	ID        string
	ProjectID string
	Kind      VersionKind
	Name      string
	RunID     string
	Path      string
	CreatedAt time.Time
}
