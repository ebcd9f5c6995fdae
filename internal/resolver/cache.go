package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

// resolveCache fingerprints the run and, when eligible, points it at a prior
// run with the same fingerprint, kind and runtime.
func (res *resolution) resolveCache(ctx context.Context) error {
	res.run.State = res.r.fingerprint(res.run, res.compiled, res.contexts)
	if !res.cacheEligible() {
		return nil
	}
	candidate, ok, err := res.findCandidate(ctx)
	if err != nil || !ok {
		return err
	}
	candidate, ok, err = res.acceptCandidate(ctx, candidate)
	if err != nil || !ok {
		return err
	}
	res.run.OriginalID = candidate.ID
	res.run.CloningKind = domain.CloningCache
	res.result.CacheHit = true
	if candidate.Status == domain.StatusSucceeded {
		res.run.Outputs = candidate.Outputs.Clone()
		res.finished = true
	} else {
		res.run.Pending = domain.PendingCache
	}
	res.r.log("cache hit", "run_id", res.run.ID, "original_id", candidate.ID, "status", candidate.Status)
	return nil
}

// cacheEligible: independent runs cache only when cache.disable is explicitly
// false; runs inside a pipeline cache unless it is true.
func (res *resolution) cacheEligible() bool {
	run := res.run
	if run.State == "" || run.CloningKind != domain.CloningNone {
		return false
	}
	// Pipelines and schedules have no substrate outputs of their own. A clone
	// would have to copy every child and edge, so they always expand again and
	// their children cache individually.
	if run.Kind == domain.RunKindSchedule || run.Kind.IsPipeline() {
		return false
	}
	if disabled := res.compiled.CacheDisabled(); disabled != nil {
		return !*disabled
	}
	return !run.IsIndependent()
}

// findCandidate prefers the latest run already progressing or succeeded, then
// falls back to the latest run not in a failed terminal state.
func (res *resolution) findCandidate(ctx context.Context) (domain.Run, bool, error) {
	base := repo.RunFilter{
		ProjectID: res.run.ProjectID,
		State:     res.run.State,
		Kinds:     []domain.RunKind{res.run.Kind},
		Runtimes:  []domain.Runtime{res.run.Runtime},
		OrderBy:   "-created_at",
		Limit:     2,
	}
	active := base
	active.Statuses = domain.CacheActiveStatuses
	fallback := base
	fallback.ExcludeStatuses = domain.CacheExcludedStatuses
	for _, filter := range []repo.RunFilter{active, fallback} {
		runs, err := res.r.store.FindRuns(ctx, filter)
		if err != nil {
			return domain.Run{}, false, fmt.Errorf("find cache candidates: %w", err)
		}
		for _, run := range runs {
			if run.ID != res.run.ID {
				return run, true, nil
			}
		}
	}
	return domain.Run{}, false, nil
}

func (res *resolution) acceptCandidate(ctx context.Context, candidate domain.Run) (domain.Run, bool, error) {
	if candidate.CloningKind == domain.CloningCache && candidate.OriginalID != "" {
		original, err := res.r.store.GetRun(ctx, candidate.OriginalID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Run{}, false, nil
		}
		if err != nil {
			return domain.Run{}, false, fmt.Errorf("get cache original: %w", err)
		}
		candidate = original
	}
	if candidate.ID == res.run.ID {
		return domain.Run{}, false, nil
	}
	ttl := res.r.cfg.DefaultCacheTTL
	if res.compiled.Cache != nil && res.compiled.Cache.TTL > 0 {
		ttl = time.Duration(res.compiled.Cache.TTL) * time.Second
	}
	if ttl > 0 && candidate.FinishedAt != nil && res.r.now().After(candidate.FinishedAt.Add(ttl)) {
		return domain.Run{}, false, nil
	}
	if candidate.Status.IsStopping() {
		return domain.Run{}, false, nil
	}
	if candidate.Status.IsDone() && candidate.Status != domain.StatusSucceeded {
		return domain.Run{}, false, nil
	}
	return candidate, true, nil
}
