package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

var ErrNotFound = errors.New("not found")

// RunField names a persisted run column for partial updates.
type RunField string

const (
	FieldName             RunField = "name"
	FieldDescription      RunField = "description"
	FieldTags             RunField = "tags"
	FieldProjectID        RunField = "project_id"
	FieldKind             RunField = "kind"
	FieldRuntime          RunField = "runtime"
	FieldStatus           RunField = "status"
	FieldStatusConditions RunField = "status_conditions"
	FieldPending          RunField = "pending"
	FieldCloningKind      RunField = "cloning_kind"
	FieldOriginalID       RunField = "original_id"
	FieldState            RunField = "state"
	FieldComponentState   RunField = "component_state"
	FieldInputs           RunField = "inputs"
	FieldOutputs          RunField = "outputs"
	FieldParams           RunField = "params"
	FieldContent          RunField = "content"
	FieldRawContent       RunField = "raw_content"
	FieldMetaInfo         RunField = "meta_info"
	FieldResources        RunField = "resources"
	FieldLiveState        RunField = "live_state"
	FieldScheduleAt       RunField = "schedule_at"
	FieldCheckedAt        RunField = "checked_at"
	FieldStartedAt        RunField = "started_at"
	FieldFinishedAt       RunField = "finished_at"
	FieldWaitTime         RunField = "wait_time"
	FieldDuration         RunField = "duration"
	FieldDeletedAt        RunField = "deleted_at"
)

// StatusFields are written whenever a condition is applied.
var StatusFields = []RunField{
	FieldStatus,
	FieldStatusConditions,
	FieldStartedAt,
	FieldFinishedAt,
	FieldWaitTime,
	FieldDuration,
}

// ResolvedFields are written when the resolver persists a compiled run.
var ResolvedFields = []RunField{
	FieldContent,
	FieldState,
	FieldInputs,
	FieldOutputs,
	FieldParams,
	FieldMetaInfo,
	FieldResources,
	FieldPending,
	FieldCloningKind,
	FieldOriginalID,
}

// RunFilter is the predicate set used by every run query. Zero values are ignored.
type RunFilter struct {
	IDs              []string
	ProjectID        string
	Statuses         []domain.Status
	ExcludeStatuses  []domain.Status
	Kinds            []domain.RunKind
	Runtimes         []domain.Runtime
	ManagedBy        domain.ManagedBy
	PendingIsNull    bool
	Pending          domain.Pending
	State            string
	PipelineID       string
	ControllerID     string
	ControllerIsNull bool
	OriginalID       string
	CloningKinds     []domain.CloningKind
	LiveState        domain.LiveState
	ScheduleAtBefore *time.Time
	// CheckedAtBefore matches runs never checked or checked before the instant.
	CheckedAtBefore *time.Time
	UpdatedAtBefore *time.Time
	// OrderBy is a column name; a leading "-" sorts descending. Defaults to created_at.
	OrderBy string
	Limit   int
	Offset  int
}

type EdgeFilter struct {
	UpstreamID   string
	DownstreamID string
	Kinds        []domain.EdgeKind
}

// RunRepository persists runs. CreateRuns writes runs and edges atomically.
type RunRepository interface {
	GetRun(ctx context.Context, id string) (domain.Run, error)
	FindRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	CountRuns(ctx context.Context, filter RunFilter) (int, error)
	CreateRuns(ctx context.Context, runs []domain.Run, edges []domain.RunEdge) error
	UpdateRun(ctx context.Context, run domain.Run, fields ...RunField) error
	UpdateRuns(ctx context.Context, runs []domain.Run, fields ...RunField) error
}

// EdgeRepository persists run edges.
type EdgeRepository interface {
	CreateEdge(ctx context.Context, edge domain.RunEdge) error
	UpsertEdge(ctx context.Context, edge domain.RunEdge) error
	ListEdges(ctx context.Context, filter EdgeFilter) ([]domain.RunEdge, error)
}

// ProjectRepository resolves project scopes.
type ProjectRepository interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	GetProjectByName(ctx context.Context, owner, name string) (domain.Project, error)
}

// VersionRepository reads versioned references. It is read-only for the control plane.
type VersionRepository interface {
	GetVersion(ctx context.Context, projectID string, kind domain.VersionKind, name string) (domain.ProjectVersion, error)
}

// Store groups every repository the control plane consumes.
type Store interface {
	RunRepository
	EdgeRepository
	ProjectRepository
	VersionRepository
}
