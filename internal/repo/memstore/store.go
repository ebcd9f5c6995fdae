// Package memstore keeps every repository contract in process memory. It backs the
// scheduler's memory store mode and the package tests.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

type Store struct {
	mu       sync.RWMutex
	runs     map[string]entry
	seq      int64
	edges    []domain.RunEdge
	projects map[string]domain.Project
	versions []domain.ProjectVersion
	now      func() time.Time
}

type entry struct {
	run domain.Run
	seq int64
}

var _ repo.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		runs:     map[string]entry{},
		projects: map[string]domain.Project{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock stamping created_at and updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutProject registers a project.
func (s *Store) PutProject(project domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = project
}

// PutVersion registers a project version.
func (s *Store) PutVersion(version domain.ProjectVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = append(s.versions, version)
}

func (s *Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return e.run.Clone(), nil
}

func (s *Store) FindRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := s.match(filter)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []domain.Run{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]domain.Run, 0, len(matched))
	for _, e := range matched {
		out = append(out, e.run.Clone())
	}
	return out, nil
}

func (s *Store) CountRuns(ctx context.Context, filter repo.RunFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.match(filter)), nil
}

func (s *Store) CreateRuns(ctx context.Context, runs []domain.Run, edges []domain.RunEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range runs {
		if err := run.Validate(); err != nil {
			return err
		}
		if _, exists := s.runs[run.ID]; exists {
			return fmt.Errorf("insert run: duplicate id %s", run.ID)
		}
	}
	ids := make(map[string]struct{}, len(runs))
	for _, run := range runs {
		ids[run.ID] = struct{}{}
	}
	for _, edge := range edges {
		for _, id := range []string{edge.UpstreamID, edge.DownstreamID} {
			if _, ok := ids[id]; ok {
				continue
			}
			if _, ok := s.runs[id]; !ok {
				return fmt.Errorf("insert edge: unknown run %s", id)
			}
		}
		if edge.Kind == domain.EdgeKindBuild && s.hasBuildEdge(edge.DownstreamID) {
			return fmt.Errorf("insert edge: run %s already has a build dependency", edge.DownstreamID)
		}
	}
	now := s.now()
	for _, run := range runs {
		s.seq++
		run = run.Clone()
		if run.CreatedAt.IsZero() {
			run.CreatedAt = now
		}
		run.UpdatedAt = now
		s.runs[run.ID] = entry{run: run, seq: s.seq}
	}
	for _, edge := range edges {
		s.edges = append(s.edges, cloneEdge(edge))
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run domain.Run, fields ...repo.RunField) error {
	return s.UpdateRuns(ctx, []domain.Run{run}, fields...)
}

func (s *Store) UpdateRuns(ctx context.Context, runs []domain.Run, fields ...repo.RunField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range runs {
		if _, ok := s.runs[run.ID]; !ok {
			return repo.ErrNotFound
		}
	}
	now := s.now()
	for _, run := range runs {
		e := s.runs[run.ID]
		applyFields(&e.run, run.Clone(), fields)
		e.run.UpdatedAt = now
		s.runs[run.ID] = e
	}
	return nil
}

func (s *Store) CreateEdge(ctx context.Context, edge domain.RunEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if edge.Kind == domain.EdgeKindBuild && s.hasBuildEdge(edge.DownstreamID) {
		return fmt.Errorf("insert edge: run %s already has a build dependency", edge.DownstreamID)
	}
	s.edges = append(s.edges, cloneEdge(edge))
	return nil
}

func (s *Store) UpsertEdge(ctx context.Context, edge domain.RunEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.edges {
		if existing.UpstreamID == edge.UpstreamID && existing.DownstreamID == edge.DownstreamID && existing.Kind == edge.Kind {
			s.edges[i] = cloneEdge(edge)
			return nil
		}
	}
	if edge.Kind == domain.EdgeKindBuild && s.hasBuildEdge(edge.DownstreamID) {
		return fmt.Errorf("insert edge: run %s already has a build dependency", edge.DownstreamID)
	}
	s.edges = append(s.edges, cloneEdge(edge))
	return nil
}

func (s *Store) ListEdges(ctx context.Context, filter repo.EdgeFilter) ([]domain.RunEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RunEdge, 0)
	for _, edge := range s.edges {
		if filter.UpstreamID != "" && edge.UpstreamID != filter.UpstreamID {
			continue
		}
		if filter.DownstreamID != "" && edge.DownstreamID != filter.DownstreamID {
			continue
		}
		if len(filter.Kinds) > 0 && !slices.Contains(filter.Kinds, edge.Kind) {
			continue
		}
		out = append(out, cloneEdge(edge))
	}
	return out, nil
}

func (s *Store) GetProject(ctx context.Context, id string) (domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[id]
	if !ok {
		return domain.Project{}, repo.ErrNotFound
	}
	return project, nil
}

func (s *Store) GetProjectByName(ctx context.Context, owner, name string) (domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, project := range s.projects {
		if project.Owner == owner && project.Name == name {
			return project, nil
		}
	}
	return domain.Project{}, repo.ErrNotFound
}

func (s *Store) GetVersion(ctx context.Context, projectID string, kind domain.VersionKind, name string) (domain.ProjectVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, version := range s.versions {
		if version.ProjectID == projectID && version.Kind == kind && version.Name == name {
			return version, nil
		}
	}
	return domain.ProjectVersion{}, repo.ErrNotFound
}

func (s *Store) hasBuildEdge(downstreamID string) bool {
	for _, edge := range s.edges {
		if edge.Kind == domain.EdgeKindBuild && edge.DownstreamID == downstreamID {
			return true
		}
	}
	return false
}

func (s *Store) match(filter repo.RunFilter) []entry {
	out := make([]entry, 0)
	for _, e := range s.runs {
		if matches(e.run, filter) {
			out = append(out, e)
		}
	}
	sortEntries(out, filter.OrderBy)
	return out
}

func matches(run domain.Run, f repo.RunFilter) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, run.ID) {
		return false
	}
	if f.ProjectID != "" && run.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, run.Status) {
		return false
	}
	if len(f.ExcludeStatuses) > 0 && slices.Contains(f.ExcludeStatuses, run.Status) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, run.Kind) {
		return false
	}
	if len(f.Runtimes) > 0 && !slices.Contains(f.Runtimes, run.Runtime) {
		return false
	}
	if f.ManagedBy != "" && run.ManagedBy != f.ManagedBy {
		return false
	}
	if f.PendingIsNull && run.Pending != domain.PendingNone {
		return false
	}
	if f.Pending != "" && run.Pending != f.Pending {
		return false
	}
	if f.State != "" && run.State != f.State {
		return false
	}
	if f.PipelineID != "" && run.PipelineID != f.PipelineID {
		return false
	}
	if f.ControllerID != "" && run.ControllerID != f.ControllerID {
		return false
	}
	if f.ControllerIsNull && run.ControllerID != "" {
		return false
	}
	if f.OriginalID != "" && run.OriginalID != f.OriginalID {
		return false
	}
	if len(f.CloningKinds) > 0 && !slices.Contains(f.CloningKinds, run.CloningKind) {
		return false
	}
	if f.LiveState != "" && run.LiveState != f.LiveState {
		return false
	}
	if f.ScheduleAtBefore != nil && (run.ScheduleAt == nil || run.ScheduleAt.After(*f.ScheduleAtBefore)) {
		return false
	}
	if f.CheckedAtBefore != nil && run.CheckedAt != nil && run.CheckedAt.After(*f.CheckedAtBefore) {
		return false
	}
	if f.UpdatedAtBefore != nil && run.UpdatedAt.After(*f.UpdatedAtBefore) {
		return false
	}
	return true
}

func sortEntries(entries []entry, orderBy string) {
	desc := strings.HasPrefix(orderBy, "-")
	column := strings.TrimPrefix(orderBy, "-")
	key := func(r domain.Run) time.Time {
		switch column {
		case "updated_at":
			return r.UpdatedAt
		case "finished_at":
			if r.FinishedAt != nil {
				return *r.FinishedAt
			}
			return time.Time{}
		case "schedule_at":
			if r.ScheduleAt != nil {
				return *r.ScheduleAt
			}
			return time.Time{}
		default:
			return r.CreatedAt
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ki, kj := key(entries[i].run), key(entries[j].run)
		if column == "name" {
			if entries[i].run.Name != entries[j].run.Name {
				if desc {
					return entries[i].run.Name > entries[j].run.Name
				}
				return entries[i].run.Name < entries[j].run.Name
			}
		} else if !ki.Equal(kj) {
			if desc {
				return ki.After(kj)
			}
			return ki.Before(kj)
		}
		if desc {
			return entries[i].seq > entries[j].seq
		}
		return entries[i].seq < entries[j].seq
	})
}

func applyFields(dst *domain.Run, src domain.Run, fields []repo.RunField) {
	for _, field := range fields {
		switch field {
		case repo.FieldName:
			dst.Name = src.Name
		case repo.FieldDescription:
			dst.Description = src.Description
		case repo.FieldTags:
			dst.Tags = src.Tags
		case repo.FieldProjectID:
			dst.ProjectID = src.ProjectID
		case repo.FieldKind:
			dst.Kind = src.Kind
		case repo.FieldRuntime:
			dst.Runtime = src.Runtime
		case repo.FieldStatus:
			dst.Status = src.Status
		case repo.FieldStatusConditions:
			dst.StatusConditions = src.StatusConditions
		case repo.FieldPending:
			dst.Pending = src.Pending
		case repo.FieldCloningKind:
			dst.CloningKind = src.CloningKind
		case repo.FieldOriginalID:
			dst.OriginalID = src.OriginalID
		case repo.FieldState:
			dst.State = src.State
		case repo.FieldComponentState:
			dst.ComponentState = src.ComponentState
		case repo.FieldInputs:
			dst.Inputs = src.Inputs
		case repo.FieldOutputs:
			dst.Outputs = src.Outputs
		case repo.FieldParams:
			dst.Params = src.Params
		case repo.FieldContent:
			dst.Content = src.Content
		case repo.FieldRawContent:
			dst.RawContent = src.RawContent
		case repo.FieldMetaInfo:
			dst.MetaInfo = src.MetaInfo
		case repo.FieldResources:
			dst.Resources = src.Resources
		case repo.FieldLiveState:
			dst.LiveState = src.LiveState
		case repo.FieldScheduleAt:
			dst.ScheduleAt = src.ScheduleAt
		case repo.FieldCheckedAt:
			dst.CheckedAt = src.CheckedAt
		case repo.FieldStartedAt:
			dst.StartedAt = src.StartedAt
		case repo.FieldFinishedAt:
			dst.FinishedAt = src.FinishedAt
		case repo.FieldWaitTime:
			dst.WaitTime = src.WaitTime
		case repo.FieldDuration:
			dst.Duration = src.Duration
		case repo.FieldDeletedAt:
			dst.DeletedAt = src.DeletedAt
		}
	}
}

func cloneEdge(edge domain.RunEdge) domain.RunEdge {
	out := edge
	if edge.Values != nil {
		out.Values = make(map[string]domain.Param, len(edge.Values))
		for k, v := range edge.Values {
			out.Values[k] = v
		}
	}
	out.Statuses = append([]domain.Status(nil), edge.Statuses...)
	return out
}
