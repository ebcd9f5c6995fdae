package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/animus-labs/animus-orchestrator/internal/compiler"
	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// NextScheduleAt computes the next trigger time. last is the schedule_at of the
// latest child, nil before the first one. The result depends only on its arguments.
func NextScheduleAt(s domain.Schedule, last *time.Time, now time.Time) (time.Time, error) {
	switch s.Kind {
	case domain.ScheduleKindCron:
		sched, err := cron.ParseStandard(s.Cron)
		if err != nil {
			return time.Time{}, domain.NewValidationError("invalid cron expression %q: %v", s.Cron, err)
		}
		base := now
		switch {
		case last != nil:
			base = *last
		case s.StartAt != nil:
			base = s.StartAt.Add(-time.Second)
		}
		return sched.Next(base.UTC()), nil
	case domain.ScheduleKindInterval:
		if s.Frequency <= 0 {
			return time.Time{}, domain.NewValidationError("interval schedule requires a positive frequency")
		}
		freq := time.Duration(s.Frequency) * time.Second
		if last == nil {
			if s.StartAt == nil {
				return now, nil
			}
			return skipTo(*s.StartAt, freq, now), nil
		}
		next := last.Add(freq)
		if next.Before(now) {
			start := *last
			if s.StartAt != nil {
				start = *s.StartAt
			}
			return skipTo(start, freq, now), nil
		}
		return next, nil
	case domain.ScheduleKindDateTime:
		if s.StartAt == nil {
			return time.Time{}, domain.NewValidationError("datetime schedule requires startAt")
		}
		return *s.StartAt, nil
	default:
		return time.Time{}, domain.NewValidationError("unsupported schedule kind %q", s.Kind)
	}
}

// skipTo returns the first start + n*freq not before now, n rounded up unless
// now sits exactly on a boundary.
func skipTo(start time.Time, freq time.Duration, now time.Time) time.Time {
	if !start.Before(now) {
		return start
	}
	elapsed := now.Sub(start)
	skip := elapsed / freq
	if elapsed%freq != 0 {
		skip++
	}
	return start.Add(skip * freq)
}

// expandSchedule creates the next child, or finishes the schedule once it has
// produced max_runs children or passed end_at.
func (res *resolution) expandSchedule(ctx context.Context) error {
	s := *res.compiled.Schedule
	now := res.r.now()
	count, err := res.r.store.CountRuns(ctx, repo.RunFilter{PipelineID: res.run.ID})
	if err != nil {
		return fmt.Errorf("count schedule runs: %w", err)
	}
	if (s.MaxRuns > 0 && count >= s.MaxRuns) ||
		(s.EndAt != nil && now.After(*s.EndAt)) ||
		(s.Kind == domain.ScheduleKindDateTime && count > 0) {
		res.finished = true
		return nil
	}
	waiting, err := res.r.store.CountRuns(ctx, repo.RunFilter{
		PipelineID: res.run.ID,
		Statuses:   []domain.Status{domain.StatusCreated, domain.StatusOnSchedule},
	})
	if err != nil {
		return fmt.Errorf("count waiting schedule runs: %w", err)
	}
	if waiting > 0 {
		return nil
	}

	var last *time.Time
	latest, err := res.r.store.FindRuns(ctx, repo.RunFilter{PipelineID: res.run.ID, OrderBy: "-schedule_at", Limit: 1})
	if err != nil {
		return fmt.Errorf("find last schedule run: %w", err)
	}
	if len(latest) > 0 {
		last = latest[0].ScheduleAt
	}
	next, err := NextScheduleAt(s, last, now)
	if err != nil {
		return err
	}
	if s.EndAt != nil && next.After(*s.EndAt) {
		res.finished = true
		return nil
	}

	op, err := res.parentOperation()
	if err != nil {
		return err
	}
	op.Schedule = nil
	child, err := res.newChild(op, compiler.Overrides{
		Name:     res.run.Name,
		MetaInfo: domain.Metadata{domain.MetaIteration: count},
	}, &next)
	if err != nil {
		return err
	}
	res.copyStructuralMeta(child)
	res.run.MetaInfo[domain.MetaScheduleRunsCount] = count + 1
	return res.createChildren(ctx, []domain.Run{child}, nil)
}
