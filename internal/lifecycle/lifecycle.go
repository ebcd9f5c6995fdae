// Package lifecycle applies status conditions to runs.
//
// A condition is accepted when:
//   - it is not CREATED (runs are created in that state, never moved back to it)
//   - the run is not STOPPING, or the condition is terminal
//   - the run is not terminal, or the caller forces the transition
//
// Rejected conditions are no-ops. Accepted conditions replace the latest
// condition when it has the same type and are appended otherwise; the run's
// status always mirrors the latest condition.
package lifecycle

import (
	"context"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// CanApply reports whether moving from current to next is legal.
func CanApply(current, next domain.Status, force bool) bool {
	if domain.NormalizeStatus(string(next)) == "" || next == domain.StatusCreated {
		return false
	}
	if current == domain.StatusStopping && !next.IsDone() {
		return false
	}
	if current.IsDone() && !force {
		return false
	}
	return true
}

// Apply mutates run in memory. It reports whether the condition was accepted.
func Apply(run *domain.Run, cond domain.Condition, force bool) bool {
	if run == nil || !CanApply(run.Status, cond.Type, force) {
		return false
	}
	if last, ok := run.LatestCondition(); ok && last.Type == cond.Type {
		cond.LastTransitionTime = last.LastTransitionTime
		run.StatusConditions[len(run.StatusConditions)-1] = cond
	} else {
		run.StatusConditions = append(run.StatusConditions, cond)
	}
	run.Status = cond.Type
	stamp(run, cond.LastUpdateTime)
	return true
}

func stamp(run *domain.Run, now time.Time) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if run.StartedAt == nil && run.Status.IsRunning() {
		started := now
		run.StartedAt = &started
		if !run.CreatedAt.IsZero() {
			run.WaitTime = int64(started.Sub(run.CreatedAt).Seconds())
		}
	}
	if run.FinishedAt == nil && run.Status.IsDone() {
		finished := now
		run.FinishedAt = &finished
		if run.StartedAt == nil {
			run.StartedAt = &finished
		}
		run.Duration = int64(finished.Sub(*run.StartedAt).Seconds())
	}
}

// Transitioner applies and persists conditions.
type Transitioner struct {
	runs repo.RunRepository
	now  func() time.Time
}

func New(runs repo.RunRepository) *Transitioner {
	if runs == nil {
		return nil
	}
	return &Transitioner{runs: runs, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns a copy stamping conditions with now.
func (t *Transitioner) WithClock(now func() time.Time) *Transitioner {
	cp := *t
	cp.now = now
	return &cp
}

func (t *Transitioner) Now() time.Time { return t.now() }

// Transition applies status to run and persists the status fields plus extra.
// It returns false without error when the transition is illegal.
func (t *Transitioner) Transition(ctx context.Context, run *domain.Run, status domain.Status, reason, message string, force bool, extra ...repo.RunField) (bool, error) {
	cond := domain.NewCondition(status, reason, message, t.now())
	if !Apply(run, cond, force) {
		return false, nil
	}
	fields := append(append([]repo.RunField{}, repo.StatusFields...), extra...)
	if err := t.runs.UpdateRun(ctx, *run, fields...); err != nil {
		return false, err
	}
	return true, nil
}

// TransitionAll applies status to every run that accepts it in one bulk update
// and returns the runs that changed.
func (t *Transitioner) TransitionAll(ctx context.Context, runs []domain.Run, status domain.Status, reason, message string, extra ...repo.RunField) ([]domain.Run, error) {
	now := t.now()
	changed := make([]domain.Run, 0, len(runs))
	for i := range runs {
		run := runs[i]
		if Apply(&run, domain.NewCondition(status, reason, message, now), false) {
			changed = append(changed, run)
		}
	}
	if len(changed) == 0 {
		return changed, nil
	}
	fields := append(append([]repo.RunField{}, repo.StatusFields...), extra...)
	if err := t.runs.UpdateRuns(ctx, changed, fields...); err != nil {
		return nil, err
	}
	return changed, nil
}

// Stop moves a run to STOPPED when nothing runs on the substrate yet, else STOPPING.
// It reports the status applied, or "" when the run could not be stopped.
func (t *Transitioner) Stop(ctx context.Context, run *domain.Run, reason, message string) (domain.Status, error) {
	target := domain.StatusStopping
	if run.Status.IsSafeStoppable() {
		target = domain.StatusStopped
	}
	ok, err := t.Transition(ctx, run, target, reason, message, false)
	if err != nil || !ok {
		return "", err
	}
	return target, nil
}
