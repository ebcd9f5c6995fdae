// Package signals carries fire-and-forget work notifications keyed by run id.
//
// Scheduler-topic signals are consumed by the scheduler worker in this module.
// Agent-topic signals are consumed by the external execution substrate.
package signals

import (
	"context"
	"strings"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

type Kind string

const (
	KindPrepare          Kind = "runs_prepare"
	KindStart            Kind = "runs_start"
	KindStartImmediately Kind = "runs_start_immediately"
	KindStop             Kind = "runs_stop"
	KindNotifyDone       Kind = "runs_notify_done"
	KindHooks            Kind = "runs_hooks"
	KindCheckPipeline    Kind = "runs_check_pipeline"

	KindAgentStart Kind = "agent_start"
	KindAgentStop  Kind = "agent_stop"
	KindAgentCheck Kind = "agent_check"
	KindAgentClean Kind = "agent_clean"
)

type Topic string

const (
	TopicScheduler Topic = "scheduler"
	TopicAgent     Topic = "agent"
)

func (k Kind) Topic() Topic {
	if strings.HasPrefix(string(k), "agent_") {
		return TopicAgent
	}
	return TopicScheduler
}

// Signal is a run id plus the minimal context a consumer needs to route it.
type Signal struct {
	Kind      Kind           `json:"kind"`
	RunID     string         `json:"run_id"`
	ProjectID string         `json:"project_id,omitempty"`
	RunKind   domain.RunKind `json:"run_kind,omitempty"`
	Name      string         `json:"name,omitempty"`
	Paths     []string       `json:"paths,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// For builds a signal for run.
func For(kind Kind, run domain.Run) Signal {
	return Signal{
		Kind:      kind,
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		RunKind:   run.Kind,
		Name:      run.Name,
		CreatedAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, sigs ...Signal) error
}

// Consumer returns at most limit pending signals for topic without blocking.
type Consumer interface {
	Consume(ctx context.Context, topic Topic, limit int) ([]Signal, error)
}

type Queue interface {
	Publisher
	Consumer
}
