package domain

import (
	"strings"
	"time"
)

// Operation is the declarative spec submitted for execution.
type Operation struct {
	Version            float64          `json:"version,omitempty" yaml:"version,omitempty"`
	Kind               string           `json:"kind,omitempty" yaml:"kind,omitempty"`
	Name               string           `json:"name,omitempty" yaml:"name,omitempty"`
	Description        string           `json:"description,omitempty" yaml:"description,omitempty"`
	Tags               []string         `json:"tags,omitempty" yaml:"tags,omitempty"`
	Queue              string           `json:"queue,omitempty" yaml:"queue,omitempty"`
	Namespace          string           `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Cache              *Cache           `json:"cache,omitempty" yaml:"cache,omitempty"`
	Build              *Build           `json:"build,omitempty" yaml:"build,omitempty"`
	Hooks              []Hook           `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	Params             map[string]Param `json:"params,omitempty" yaml:"params,omitempty"`
	Matrix             *Matrix          `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	Schedule           *Schedule        `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Joins              []Join           `json:"joins,omitempty" yaml:"joins,omitempty"`
	Dependencies       []string         `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Trigger            TriggerPolicy    `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Conditions         string           `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	SkipOnUpstreamSkip bool             `json:"skipOnUpstreamSkip,omitempty" yaml:"skipOnUpstreamSkip,omitempty"`
	IsApproved         *bool            `json:"isApproved,omitempty" yaml:"isApproved,omitempty"`
	Template           *Template        `json:"template,omitempty" yaml:"template,omitempty"`
	HubRef             string           `json:"hubRef,omitempty" yaml:"hubRef,omitempty"`
	Component          *Component       `json:"component,omitempty" yaml:"component,omitempty"`
}

// Component is the reusable executable part of an operation.
type Component struct {
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
	Inputs      []IO       `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []IO       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Cache       *Cache     `json:"cache,omitempty" yaml:"cache,omitempty"`
	Run         RunSection `json:"run" yaml:"run"`
}

// CompiledOperation is an operation merged with its component; stored as run content.
type CompiledOperation struct {
	Version            float64       `json:"version,omitempty"`
	Name               string        `json:"name,omitempty"`
	Description        string        `json:"description,omitempty"`
	Tags               []string      `json:"tags,omitempty"`
	Queue              string        `json:"queue,omitempty"`
	Namespace          string        `json:"namespace,omitempty"`
	Cache              *Cache        `json:"cache,omitempty"`
	Build              *Build        `json:"build,omitempty"`
	Hooks              []Hook        `json:"hooks,omitempty"`
	Matrix             *Matrix       `json:"matrix,omitempty"`
	Schedule           *Schedule     `json:"schedule,omitempty"`
	Joins              []Join        `json:"joins,omitempty"`
	Dependencies       []string      `json:"dependencies,omitempty"`
	Trigger            TriggerPolicy `json:"trigger,omitempty"`
	Conditions         string        `json:"conditions,omitempty"`
	SkipOnUpstreamSkip bool          `json:"skipOnUpstreamSkip,omitempty"`
	IsApproved         *bool         `json:"isApproved,omitempty"`
	Inputs             []IO          `json:"inputs,omitempty"`
	Outputs            []IO          `json:"outputs,omitempty"`
	Run                RunSection    `json:"run"`
}

// IO declares an input or output of a component.
type IO struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Value       any    `json:"value,omitempty" yaml:"value,omitempty"`
	IsOptional  bool   `json:"isOptional,omitempty" yaml:"isOptional,omitempty"`
	IsList      bool   `json:"isList,omitempty" yaml:"isList,omitempty"`
	ContextOnly bool   `json:"contextOnly,omitempty" yaml:"contextOnly,omitempty"`
}

// RunSection describes what the component executes.
type RunSection struct {
	Kind          string          `json:"kind" yaml:"kind"`
	Container     *Container      `json:"container,omitempty" yaml:"container,omitempty"`
	Init          []Init          `json:"init,omitempty" yaml:"init,omitempty"`
	Sidecars      []Container     `json:"sidecars,omitempty" yaml:"sidecars,omitempty"`
	Connections   []string        `json:"connections,omitempty" yaml:"connections,omitempty"`
	Operations    []Operation     `json:"operations,omitempty" yaml:"operations,omitempty"`
	Concurrency   int             `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	EarlyStopping []EarlyStopping `json:"earlyStopping,omitempty" yaml:"earlyStopping,omitempty"`
}

type Container struct {
	Name      string             `json:"name,omitempty" yaml:"name,omitempty"`
	Image     string             `json:"image,omitempty" yaml:"image,omitempty"`
	Command   []string           `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string           `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string  `json:"env,omitempty" yaml:"env,omitempty"`
	Resources ContainerResources `json:"resources,omitempty" yaml:"resources,omitempty"`
}

type ContainerResources struct {
	Requests map[string]string `json:"requests,omitempty" yaml:"requests,omitempty"`
	Limits   map[string]string `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// Init mounts content into the run before it starts.
type Init struct {
	Artifacts   *ArtifactsInit `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Git         *GitInit       `json:"git,omitempty" yaml:"git,omitempty"`
	Connection  string         `json:"connection,omitempty" yaml:"connection,omitempty"`
	Path        string         `json:"path,omitempty" yaml:"path,omitempty"`
	ModelRef    string         `json:"modelRef,omitempty" yaml:"modelRef,omitempty"`
	ArtifactRef string         `json:"artifactRef,omitempty" yaml:"artifactRef,omitempty"`
}

type ArtifactsInit struct {
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`
	Dirs  []string `json:"dirs,omitempty" yaml:"dirs,omitempty"`
}

type GitInit struct {
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty"`
}

// Param binds a value, or a reference to another run's value, to an input.
type Param struct {
	Value       any    `json:"value,omitempty" yaml:"value,omitempty"`
	Ref         string `json:"ref,omitempty" yaml:"ref,omitempty"`
	ContextOnly bool   `json:"contextOnly,omitempty" yaml:"contextOnly,omitempty"`
	Connection  string `json:"connection,omitempty" yaml:"connection,omitempty"`
	ToInit      bool   `json:"toInit,omitempty" yaml:"toInit,omitempty"`
	ToEnv       string `json:"toEnv,omitempty" yaml:"toEnv,omitempty"`
}

const (
	RefPrefixOps  = "ops."
	RefPrefixRuns = "runs."
	RefPrefixJoin = "join."
	RefDAG        = "dag"
)

// OpsRef returns the upstream operation name for refs like "ops.train".
func (p Param) OpsRef() (string, bool) {
	if !strings.HasPrefix(p.Ref, RefPrefixOps) {
		return "", false
	}
	return strings.TrimPrefix(p.Ref, RefPrefixOps), true
}

// RunsRef returns the upstream run uuid for refs like "runs.<uuid>".
func (p Param) RunsRef() (string, bool) {
	if !strings.HasPrefix(p.Ref, RefPrefixRuns) {
		return "", false
	}
	return strings.TrimPrefix(p.Ref, RefPrefixRuns), true
}

// IsDAGRef reports whether the value is read from the parent pipeline.
func (p Param) IsDAGRef() bool { return p.Ref == RefDAG }

// IsLiteral reports whether the param has no reference to resolve.
func (p Param) IsLiteral() bool { return p.Ref == "" }

// SearchRef returns the reference expression held in the value, e.g. "outputs.loss".
func (p Param) SearchRef() string {
	s, _ := p.Value.(string)
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{{")
	s = strings.TrimSuffix(s, "}}")
	return strings.TrimSpace(s)
}

type MatrixKind string

const (
	MatrixKindGrid      MatrixKind = "grid"
	MatrixKindRandom    MatrixKind = "random"
	MatrixKindMapping   MatrixKind = "mapping"
	MatrixKindHyperband MatrixKind = "hyperband"
	MatrixKindBayes     MatrixKind = "bayes"
	MatrixKindHyperopt  MatrixKind = "hyperopt"
	MatrixKindIterative MatrixKind = "iterative"
)

type Matrix struct {
	Kind          MatrixKind       `json:"kind" yaml:"kind"`
	Concurrency   int              `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Values        []map[string]any `json:"values,omitempty" yaml:"values,omitempty"`
	Params        map[string]any   `json:"params,omitempty" yaml:"params,omitempty"`
	NumRuns       int              `json:"numRuns,omitempty" yaml:"numRuns,omitempty"`
	Seed          *int64           `json:"seed,omitempty" yaml:"seed,omitempty"`
	EarlyStopping []EarlyStopping  `json:"earlyStopping,omitempty" yaml:"earlyStopping,omitempty"`
}

type EarlyStoppingKind string

const (
	EarlyStoppingFailure EarlyStoppingKind = "failure_early_stopping"
	EarlyStoppingMetric  EarlyStoppingKind = "metric_early_stopping"
)

// EarlyStopping stops a pipeline before every child is done.
//
// A failure policy triggers once Percent of the children failed. A metric
// policy triggers once any child output Metric reaches Value in the direction
// of Optimization.
type EarlyStopping struct {
	Kind         EarlyStoppingKind `json:"kind" yaml:"kind"`
	Percent      float64           `json:"percent,omitempty" yaml:"percent,omitempty"`
	Metric       string            `json:"metric,omitempty" yaml:"metric,omitempty"`
	Value        float64           `json:"value,omitempty" yaml:"value,omitempty"`
	Optimization string            `json:"optimization,omitempty" yaml:"optimization,omitempty"`
}

type ScheduleKind string

const (
	ScheduleKindCron     ScheduleKind = "cron"
	ScheduleKindInterval ScheduleKind = "interval"
	ScheduleKindDateTime ScheduleKind = "datetime"
)

type Schedule struct {
	Kind          ScheduleKind `json:"kind" yaml:"kind"`
	Cron          string       `json:"cron,omitempty" yaml:"cron,omitempty"`
	Frequency     int64        `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	StartAt       *time.Time   `json:"startAt,omitempty" yaml:"startAt,omitempty"`
	EndAt         *time.Time   `json:"endAt,omitempty" yaml:"endAt,omitempty"`
	MaxRuns       int          `json:"maxRuns,omitempty" yaml:"maxRuns,omitempty"`
	DependsOnPast bool         `json:"dependsOnPast,omitempty" yaml:"dependsOnPast,omitempty"`
}

type Cache struct {
	Disable *bool    `json:"disable,omitempty" yaml:"disable,omitempty"`
	TTL     int64    `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	IO      []string `json:"io,omitempty" yaml:"io,omitempty"`
}

// Build produces the image consumed by the operation.
type Build struct {
	HubRef      string           `json:"hubRef,omitempty" yaml:"hubRef,omitempty"`
	Connection  string           `json:"connection,omitempty" yaml:"connection,omitempty"`
	Queue       string           `json:"queue,omitempty" yaml:"queue,omitempty"`
	Params      map[string]Param `json:"params,omitempty" yaml:"params,omitempty"`
	Component   *Component       `json:"component,omitempty" yaml:"component,omitempty"`
	Destination string           `json:"destination,omitempty" yaml:"destination,omitempty"`
}

// Hook is an operation triggered when the run reaches a status.
type Hook struct {
	HubRef     string           `json:"hubRef,omitempty" yaml:"hubRef,omitempty"`
	Connection string           `json:"connection,omitempty" yaml:"connection,omitempty"`
	Trigger    Status           `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Conditions string           `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Queue      string           `json:"queue,omitempty" yaml:"queue,omitempty"`
	Params     map[string]Param `json:"params,omitempty" yaml:"params,omitempty"`
	Component  *Component       `json:"component,omitempty" yaml:"component,omitempty"`
}

// HookTriggerDone matches every terminal status.
const HookTriggerDone Status = "done"

// Join aggregates values from sibling runs matched by a query.
type Join struct {
	Query  string               `json:"query,omitempty" yaml:"query,omitempty"`
	Sort   string               `json:"sort,omitempty" yaml:"sort,omitempty"`
	Limit  int                  `json:"limit,omitempty" yaml:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty" yaml:"offset,omitempty"`
	Params map[string]JoinParam `json:"params,omitempty" yaml:"params,omitempty"`
}

type JoinParam struct {
	Value       string `json:"value" yaml:"value"`
	ContextOnly bool   `json:"contextOnly,omitempty" yaml:"contextOnly,omitempty"`
	ToInit      bool   `json:"toInit,omitempty" yaml:"toInit,omitempty"`
}

type Template struct {
	Enabled     bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      []string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// TriggerPolicy decides when a DAG node starts given its upstream statuses.
type TriggerPolicy string

const (
	TriggerAllSucceeded TriggerPolicy = "all_succeeded"
	TriggerAllFailed    TriggerPolicy = "all_failed"
	TriggerAllDone      TriggerPolicy = "all_done"
	TriggerOneSucceeded TriggerPolicy = "one_succeeded"
	TriggerOneFailed    TriggerPolicy = "one_failed"
	TriggerOneDone      TriggerPolicy = "one_done"
)

// EarlyStoppingPolicies returns the policies of a matrix or DAG run.
func (c CompiledOperation) EarlyStoppingPolicies() []EarlyStopping {
	if c.Matrix != nil {
		return c.Matrix.EarlyStopping
	}
	if c.IsDAG() {
		return c.Run.EarlyStopping
	}
	return nil
}

// IsDAG reports whether the compiled run section is a pipeline graph.
func (c CompiledOperation) IsDAG() bool { return c.Run.Kind == string(RunKindDAG) }

// CacheDisabled returns the effective disable flag; nil means unset.
func (c CompiledOperation) CacheDisabled() *bool {
	if c.Cache == nil {
		return nil
	}
	return c.Cache.Disable
}
