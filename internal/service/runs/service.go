package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/compiler"
	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/lifecycle"
	"github.com/animus-labs/animus-orchestrator/internal/platform/auditlog"
	"github.com/animus-labs/animus-orchestrator/internal/platform/requestid"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/signals"
)

const reasonUser = "ControlAction"

const (
	ActionCreated     = "run.created"
	ActionStatus      = "run.status"
	ActionStopped     = "run.stopped"
	ActionApproved    = "run.approved"
	ActionInvalidated = "run.invalidated"
	ActionRestarted   = "run.restarted"
	ActionCopied      = "run.copied"
	ActionResumed     = "run.resumed"
	ActionTransferred = "run.transferred"
	ActionDeleted     = "run.deleted"
)

// Auditor records control actions.
type Auditor interface {
	Record(ctx context.Context, event auditlog.Event) error
}

type AuditInfo struct {
	Actor     string
	RequestID string
	Service   string
}

type Service struct {
	store       repo.Store
	compiler    *compiler.Compiler
	publisher   signals.Publisher
	transitions *lifecycle.Transitioner
	audit       Auditor
	logger      *slog.Logger
	now         func() time.Time
}

// New builds the service. audit may be nil.
func New(store repo.Store, c *compiler.Compiler, publisher signals.Publisher, audit Auditor, logger *slog.Logger) *Service {
	if store == nil || c == nil || publisher == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		compiler:    c,
		publisher:   publisher,
		transitions: lifecycle.New(store),
		audit:       audit,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	cp := *s
	cp.now = now
	cp.transitions = s.transitions.WithClock(now)
	return &cp
}

// Create compiles spec into the project and prepares every created run.
func (s *Service) Create(ctx context.Context, info AuditInfo, spec compiler.Spec, cctx compiler.Context) (domain.Run, error) {
	if _, err := s.store.GetProject(ctx, cctx.ProjectID); err != nil {
		return domain.Run{}, fmt.Errorf("get project: %w", err)
	}
	if cctx.UserID == "" {
		cctx.UserID = info.Actor
	}
	plan, err := s.compiler.Compile(ctx, spec, cctx)
	if err != nil {
		return domain.Run{}, err
	}
	if err := s.publish(ctx, signals.KindPrepare, plan.Runs()...); err != nil {
		return domain.Run{}, err
	}
	s.record(ctx, info, ActionCreated, plan.Run, map[string]any{
		"kind":    string(plan.Run.Kind),
		"runtime": string(plan.Run.Runtime),
		"related": len(plan.Related),
	})
	return plan.Run, nil
}

// Transition applies a condition reported by the caller. It returns false
// when the lifecycle rejects the condition.
func (s *Service) Transition(ctx context.Context, info AuditInfo, runID string, status domain.Status, reason, message string, force bool) (domain.Run, bool, error) {
	next := domain.NormalizeStatus(string(status))
	if next == "" {
		return domain.Run{}, false, domain.NewValidationError("unknown status %q", status)
	}
	run, err := s.get(ctx, runID)
	if err != nil {
		return domain.Run{}, false, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = reasonUser
	}
	from := run.Status
	ok, err := s.transitions.Transition(ctx, &run, next, reason, message, force)
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("transition run: %w", err)
	}
	if !ok {
		return run, false, nil
	}
	if next.IsDone() {
		if err := s.publish(ctx, signals.KindNotifyDone, run); err != nil {
			return domain.Run{}, false, err
		}
	}
	s.record(ctx, info, ActionStatus, run, map[string]any{
		"from":  string(from),
		"to":    string(next),
		"force": force,
	})
	return run, true, nil
}

// Stop asks the scheduler to stop the run and, for pipelines, its children.
func (s *Service) Stop(ctx context.Context, info AuditInfo, runID string) (domain.Run, error) {
	run, err := s.get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status.IsDone() {
		return domain.Run{}, &domain.InvalidStateError{RunID: run.ID, Status: run.Status, Reason: "run is already done"}
	}
	if err := s.publish(ctx, signals.KindStop, run); err != nil {
		return domain.Run{}, err
	}
	s.record(ctx, info, ActionStopped, run, nil)
	return run, nil
}

// Approve clears an approval or upload pending state. Runs pending on a
// cache hit or a build are released by the scheduler and cannot be approved.
func (s *Service) Approve(ctx context.Context, info AuditInfo, runID string) (domain.Run, error) {
	run, err := s.get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	switch run.Pending {
	case domain.PendingNone:
		return run, nil
	case domain.PendingApproval, domain.PendingUpload:
	default:
		return domain.Run{}, &domain.InvalidStateError{RunID: run.ID, Status: run.Status, Reason: fmt.Sprintf("run is pending on %s", run.Pending)}
	}

	previous := run.Pending
	run.Pending = domain.PendingNone
	if previous == domain.PendingUpload && requiresApproval(run) {
		run.Pending = domain.PendingApproval
	}
	if err := s.store.UpdateRun(ctx, run, repo.FieldPending); err != nil {
		return domain.Run{}, fmt.Errorf("update run: %w", err)
	}
	if run.Pending == domain.PendingNone {
		kind := signals.KindPrepare
		if run.Status == domain.StatusCompiled {
			kind = signals.KindStart
		}
		if err := s.publish(ctx, kind, run); err != nil {
			return domain.Run{}, err
		}
	}
	s.record(ctx, info, ActionApproved, run, map[string]any{
		"from":    string(previous),
		"pending": string(run.Pending),
	})
	return run, nil
}

func requiresApproval(run domain.Run) bool {
	compiled, err := domain.DecodeContent(run.Content)
	if err != nil {
		return false
	}
	return compiled.IsApproved != nil && !*compiled.IsApproved
}

// Invalidate clears the run's fingerprint so it never serves as a cache hit.
func (s *Service) Invalidate(ctx context.Context, info AuditInfo, runID string) (domain.Run, error) {
	run, err := s.get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.State == "" {
		return run, nil
	}
	run.State = ""
	if err := s.store.UpdateRun(ctx, run, repo.FieldState); err != nil {
		return domain.Run{}, fmt.Errorf("update run: %w", err)
	}
	s.record(ctx, info, ActionInvalidated, run, nil)
	return run, nil
}

func (s *Service) Restart(ctx context.Context, info AuditInfo, runID string, opts compiler.CloneOptions) (domain.Run, error) {
	return s.clone(ctx, info, runID, opts, ActionRestarted, s.compiler.Restart)
}

// Copy restarts the run with its artifacts mounted into the new run.
func (s *Service) Copy(ctx context.Context, info AuditInfo, runID string, opts compiler.CloneOptions) (domain.Run, error) {
	return s.clone(ctx, info, runID, opts, ActionCopied, s.compiler.Copy)
}

// Resume recompiles a terminal run in place.
func (s *Service) Resume(ctx context.Context, info AuditInfo, runID string, opts compiler.CloneOptions) (domain.Run, error) {
	return s.clone(ctx, info, runID, opts, ActionResumed, s.compiler.Resume)
}

type cloneFunc func(context.Context, domain.Run, compiler.CloneOptions) (domain.Run, error)

func (s *Service) clone(ctx context.Context, info AuditInfo, runID string, opts compiler.CloneOptions, action string, fn cloneFunc) (domain.Run, error) {
	original, err := s.get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if opts.UserID == "" {
		opts.UserID = info.Actor
	}
	run, err := fn(ctx, original, opts)
	if err != nil {
		return domain.Run{}, err
	}
	if err := s.publish(ctx, signals.KindPrepare, run); err != nil {
		return domain.Run{}, err
	}
	s.record(ctx, info, action, run, map[string]any{"original_id": original.ID})
	return run, nil
}

// Transfer moves the run and its descendants to a project of the same owner.
func (s *Service) Transfer(ctx context.Context, info AuditInfo, runID, projectID string) (domain.Run, error) {
	run, err := s.get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.ProjectID == projectID {
		return run, nil
	}
	source, err := s.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("get project: %w", err)
	}
	target, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("get project: %w", err)
	}
	if source.Owner != target.Owner {
		return domain.Run{}, &domain.AccessError{Resource: "project", ID: projectID, Reason: "runs can only be transferred between projects of the same owner"}
	}
	if !run.IsIndependent() {
		return domain.Run{}, &domain.InvalidStateError{RunID: run.ID, Status: run.Status, Reason: "pipeline operations move with their pipeline"}
	}

	moved, err := s.descendants(ctx, run.ID)
	if err != nil {
		return domain.Run{}, err
	}
	moved = append(moved, run)
	for i := range moved {
		moved[i].ProjectID = target.ID
	}
	if err := s.store.UpdateRuns(ctx, moved, repo.FieldProjectID); err != nil {
		return domain.Run{}, fmt.Errorf("transfer runs: %w", err)
	}
	run = moved[len(moved)-1]
	s.record(ctx, info, ActionTransferred, run, map[string]any{
		"from":  source.ID,
		"to":    target.ID,
		"count": len(moved),
	})
	return run, nil
}

// Delete marks the run and its descendants for deletion. The admission
// controller stops live ones and confirms the deletion after a grace period.
func (s *Service) Delete(ctx context.Context, info AuditInfo, runID string) error {
	run, err := s.get(ctx, runID)
	if err != nil {
		return err
	}
	if run.LiveState == domain.LiveStateDeletionProgressing {
		return nil
	}
	marked, err := s.descendants(ctx, run.ID)
	if err != nil {
		return err
	}
	marked = append(marked, run)
	pending := marked[:0]
	for _, r := range marked {
		if r.LiveState == domain.LiveStateDeletionProgressing {
			continue
		}
		r.LiveState = domain.LiveStateDeletionProgressing
		pending = append(pending, r)
	}
	if err := s.store.UpdateRuns(ctx, pending, repo.FieldLiveState); err != nil {
		return fmt.Errorf("mark runs deleted: %w", err)
	}
	s.record(ctx, info, ActionDeleted, run, map[string]any{"count": len(pending)})
	return nil
}

func (s *Service) get(ctx context.Context, runID string) (domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// descendants lists the runs owned by id as pipeline or controller.
func (s *Service) descendants(ctx context.Context, id string) ([]domain.Run, error) {
	seen := map[string]struct{}{id: {}}
	var out []domain.Run
	for _, filter := range []repo.RunFilter{{PipelineID: id}, {ControllerID: id}} {
		runs, err := s.store.FindRuns(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("find descendants: %w", err)
		}
		for _, r := range runs {
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, kind signals.Kind, runs ...domain.Run) error {
	now := s.now()
	sigs := make([]signals.Signal, 0, len(runs))
	for _, run := range runs {
		sig := signals.For(kind, run)
		sig.CreatedAt = now
		sigs = append(sigs, sig)
	}
	if err := s.publisher.Publish(ctx, sigs...); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, info AuditInfo, action string, run domain.Run, payload map[string]any) {
	if s.audit == nil {
		return
	}
	actor := strings.TrimSpace(info.Actor)
	if actor == "" {
		actor = "system"
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["status"] = string(run.Status)
	if info.Service != "" {
		payload["service"] = info.Service
	}
	requestID := info.RequestID
	if requestID == "" {
		requestID, _ = requestid.FromContext(ctx)
	}
	err := s.audit.Record(ctx, auditlog.Event{
		OccurredAt:   s.now(),
		Actor:        actor,
		Action:       action,
		ResourceType: "run",
		ResourceID:   run.ID,
		ProjectID:    run.ProjectID,
		RequestID:    requestID,
		Payload:      payload,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("record audit event", "component", "runs", "action", action, "run_id", run.ID, "error", err)
	}
}
