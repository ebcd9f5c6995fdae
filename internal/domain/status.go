package domain

import (
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of a run, derived from its latest condition.
type Status string

const (
	StatusCreated        Status = "created"
	StatusResuming       Status = "resuming"
	StatusOnSchedule     Status = "on_schedule"
	StatusCompiled       Status = "compiled"
	StatusQueued         Status = "queued"
	StatusScheduled      Status = "scheduled"
	StatusStarting       Status = "starting"
	StatusRunning        Status = "running"
	StatusProcessing     Status = "processing"
	StatusStopping       Status = "stopping"
	StatusRetrying       Status = "retrying"
	StatusUnschedulable  Status = "unschedulable"
	StatusWarning        Status = "warning"
	StatusFailed         Status = "failed"
	StatusUpstreamFailed Status = "upstream_failed"
	StatusStopped        Status = "stopped"
	StatusSkipped        Status = "skipped"
	StatusSucceeded      Status = "succeeded"
	StatusUnknown        Status = "unknown"
)

var (
	// DoneStatuses are terminal.
	DoneStatuses = []Status{
		StatusSucceeded,
		StatusFailed,
		StatusStopped,
		StatusSkipped,
		StatusUpstreamFailed,
		StatusWarning,
	}
	// OnSubstrateStatuses are owned by the execution substrate.
	OnSubstrateStatuses = []Status{
		StatusScheduled,
		StatusStarting,
		StatusRunning,
		StatusProcessing,
	}
	// PendingStatuses can still be compiled by the resolver.
	PendingStatuses = []Status{
		StatusCreated,
		StatusOnSchedule,
		StatusResuming,
	}
	// CacheActiveStatuses are preferred when looking for a cache candidate.
	CacheActiveStatuses = []Status{
		StatusProcessing,
		StatusScheduled,
		StatusStarting,
		StatusRunning,
		StatusSucceeded,
	}
	// CacheExcludedStatuses never serve as a cache candidate.
	CacheExcludedStatuses = []Status{
		StatusFailed,
		StatusSkipped,
		StatusUpstreamFailed,
		StatusStopped,
	}
)

func NormalizeStatus(value string) Status {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	switch s {
	case StatusCreated, StatusResuming, StatusOnSchedule, StatusCompiled, StatusQueued,
		StatusScheduled, StatusStarting, StatusRunning, StatusProcessing, StatusStopping,
		StatusRetrying, StatusUnschedulable, StatusWarning, StatusFailed, StatusUpstreamFailed,
		StatusStopped, StatusSkipped, StatusSucceeded, StatusUnknown:
		return s
	default:
		return ""
	}
}

func (s Status) IsDone() bool { return slices.Contains(DoneStatuses, s) }

func (s Status) IsOnSubstrate() bool { return slices.Contains(OnSubstrateStatuses, s) }

func (s Status) IsPending() bool { return slices.Contains(PendingStatuses, s) }

// IsCompilable reports whether the resolver may (re)compile a run in this state.
func (s Status) IsCompilable() bool { return s.IsPending() }

// IsSafeStoppable reports whether a run can be stopped without the substrate.
func (s Status) IsSafeStoppable() bool {
	return s.IsPending() || s == StatusCompiled || s == StatusQueued
}

func (s Status) IsRunning() bool {
	return s == StatusRunning || s == StatusProcessing
}

func (s Status) IsStopping() bool { return s == StatusStopping }

func (s Status) IsFailed() bool {
	return s == StatusFailed || s == StatusUpstreamFailed
}

// Condition records one lifecycle transition.
type Condition struct {
	Type               Status    `json:"type"`
	Status             string    `json:"status"`
	Reason             string    `json:"reason,omitempty"`
	Message            string    `json:"message,omitempty"`
	LastUpdateTime     time.Time `json:"last_update_time"`
	LastTransitionTime time.Time `json:"last_transition_time"`
}

func NewCondition(status Status, reason, message string, now time.Time) Condition {
	now = now.UTC()
	return Condition{
		Type:               status,
		Status:             "True",
		Reason:             reason,
		Message:            message,
		LastUpdateTime:     now,
		LastTransitionTime: now,
	}
}
