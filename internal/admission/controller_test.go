package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/repo/memstore"
	"github.com/animus-labs/animus-orchestrator/internal/signals"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNumToStart(t *testing.T) {
	n := func(v int) *int { return &v }
	cases := []struct {
		name        string
		concurrency *int
		consumed    int
		maxBudget   *int
		want        int
	}{
		{name: "no concurrency no budget", concurrency: nil, consumed: 0, maxBudget: nil, want: 0},
		{name: "budget replaces missing concurrency", concurrency: nil, consumed: 3, maxBudget: n(10), want: 7},
		{name: "negative concurrency uses budget", concurrency: n(-1), consumed: 2, maxBudget: n(5), want: 3},
		{name: "concurrency only", concurrency: n(4), consumed: 1, maxBudget: nil, want: 3},
		{name: "concurrency smaller than budget", concurrency: n(4), consumed: 1, maxBudget: n(10), want: 3},
		{name: "budget smaller than concurrency", concurrency: n(10), consumed: 1, maxBudget: n(4), want: 3},
		{name: "budget exhausted", concurrency: n(10), consumed: 0, maxBudget: n(0), want: 0},
		{name: "budget consumed", concurrency: n(10), consumed: 5, maxBudget: n(5), want: 0},
		{name: "over consumed concurrency", concurrency: n(2), consumed: 3, maxBudget: nil, want: -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NumToStart(tc.concurrency, tc.consumed, tc.maxBudget); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

type fixture struct {
	store      *memstore.Store
	queue      *signals.ChannelQueue
	controller *Controller
	reg        *prometheus.Registry
	seq        int
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memstore.New()
	store.SetClock(func() time.Time { return testNow })
	queue := signals.NewChannelQueue()
	reg := prometheus.NewRegistry()
	c := New(cfg, store, queue, reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if c == nil {
		t.Fatalf("expected controller")
	}
	return &fixture{store: store, queue: queue, controller: c.WithClock(func() time.Time { return testNow }), reg: reg}
}

func (f *fixture) add(t *testing.T, run domain.Run) domain.Run {
	t.Helper()
	f.seq++
	if run.ID == "" {
		run.ID = fmt.Sprintf("r%03d", f.seq)
	}
	run.ProjectID = "p1"
	if run.Kind == "" {
		run.Kind = domain.RunKindJob
	}
	if run.ManagedBy == "" {
		run.ManagedBy = domain.ManagedByAgent
	}
	if run.LiveState == "" {
		run.LiveState = domain.LiveStateLive
	}
	run.CreatedAt = testNow.Add(time.Duration(f.seq) * time.Millisecond)
	if err := f.store.CreateRuns(context.Background(), []domain.Run{run}, nil); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func (f *fixture) addMany(t *testing.T, n int, run domain.Run) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.add(t, run)
	}
}

func (f *fixture) count(t *testing.T, filter repo.RunFilter) int {
	t.Helper()
	n, err := f.store.CountRuns(context.Background(), filter)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func (f *fixture) kinds(t *testing.T, topic signals.Topic) map[signals.Kind]int {
	t.Helper()
	sigs, err := f.queue.Consume(context.Background(), topic, 0)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	out := map[signals.Kind]int{}
	for _, sig := range sigs {
		out[sig.Kind]++
	}
	return out
}

func TestControllerBudget(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg)
	dag := f.add(t, domain.Run{
		ID:       "dag",
		Kind:     domain.RunKindDAG,
		Status:   domain.StatusRunning,
		MetaInfo: domain.Metadata{domain.MetaConcurrency: 3},
	})
	f.add(t, domain.Run{Status: domain.StatusRunning, PipelineID: dag.ID, ControllerID: dag.ID})
	f.addMany(t, 4, domain.Run{Status: domain.StatusCompiled, PipelineID: dag.ID, ControllerID: dag.ID})

	state := f.controller.Tick(context.Background())
	if len(state.Failed) != 0 {
		t.Fatalf("unexpected failed passes: %v", state.Failed)
	}
	if state.Admitted != 2 || !state.Full {
		t.Fatalf("expected 2 admitted and full, got %+v", state)
	}
	// Queued runs are released to the substrate within the same tick.
	if state.Scheduled != 2 {
		t.Fatalf("expected 2 scheduled, got %d", state.Scheduled)
	}
	consumed := f.count(t, repo.RunFilter{ControllerID: dag.ID, Statuses: consumingStatuses})
	if consumed != 3 {
		t.Fatalf("expected controller at its concurrency of 3, got %d", consumed)
	}
	if got := f.kinds(t, signals.TopicAgent)[signals.KindAgentStart]; got != 2 {
		t.Fatalf("expected 2 agent starts, got %d", got)
	}

	// A settled tick admits nothing more until a slot frees up.
	if state := f.controller.Tick(context.Background()); state.Admitted != 0 {
		t.Fatalf("expected no admission at budget, got %+v", state)
	}
	if got := testutil.ToFloat64(f.controller.metrics.admitted.WithLabelValues("controller")); got != 2 {
		t.Fatalf("expected admitted metric 2, got %v", got)
	}
	if got := testutil.ToFloat64(f.controller.metrics.full); got != 1 {
		t.Fatalf("expected full gauge set, got %v", got)
	}
}

func TestControllerNestedPipelines(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	root := f.add(t, domain.Run{
		ID:       "root",
		Kind:     domain.RunKindDAG,
		Status:   domain.StatusRunning,
		MetaInfo: domain.Metadata{domain.MetaConcurrency: 4},
	})
	nested := f.add(t, domain.Run{
		ID:           "nested",
		Kind:         domain.RunKindMatrix,
		Status:       domain.StatusRunning,
		PipelineID:   root.ID,
		ControllerID: root.ID,
		MetaInfo:     domain.Metadata{domain.MetaConcurrency: 2},
	})
	f.add(t, domain.Run{Kind: domain.RunKindDAG, Status: domain.StatusCompiled, PipelineID: root.ID, ControllerID: root.ID})
	f.addMany(t, 5, domain.Run{Status: domain.StatusCompiled, PipelineID: nested.ID, ControllerID: root.ID})

	state := f.controller.Tick(context.Background())
	if state.Admitted != 3 {
		t.Fatalf("expected 1 nested pipeline and 2 matrix runs admitted, got %+v", state)
	}
	if got := f.kinds(t, signals.TopicScheduler)[signals.KindStartImmediately]; got != 1 {
		t.Fatalf("expected nested pipeline started immediately, got %d", got)
	}
	if n := f.count(t, repo.RunFilter{PipelineID: nested.ID, Statuses: consumingStatuses}); n != 2 {
		t.Fatalf("expected matrix capped at 2, got %d", n)
	}
	if !state.Full {
		t.Fatalf("expected full with matrix candidates left")
	}
}

func TestRunningNestedPipelineHoldsNoSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	root := f.add(t, domain.Run{
		ID:       "root",
		Kind:     domain.RunKindDAG,
		Status:   domain.StatusRunning,
		MetaInfo: domain.Metadata{domain.MetaConcurrency: 1},
	})
	nested := f.add(t, domain.Run{
		ID:           "nested",
		Kind:         domain.RunKindMatrix,
		Status:       domain.StatusRunning,
		PipelineID:   root.ID,
		ControllerID: root.ID,
	})
	first := f.add(t, domain.Run{Status: domain.StatusCompiled, PipelineID: nested.ID, ControllerID: root.ID})
	second := f.add(t, domain.Run{Status: domain.StatusCompiled, PipelineID: nested.ID, ControllerID: root.ID})

	state := f.controller.Tick(ctx)
	if state.Admitted != 1 || !state.Full {
		t.Fatalf("expected one nested child admitted with work left, got %+v", state)
	}
	if run, _ := f.store.GetRun(ctx, first.ID); run.Status != domain.StatusScheduled {
		t.Fatalf("expected oldest child scheduled, got %s", run.Status)
	}

	// The controller slot is taken by the first child until it finishes.
	for i := 0; i < 3; i++ {
		state = f.controller.Tick(ctx)
		if state.Admitted != 0 || !state.Full {
			t.Fatalf("tick %d: expected a full controller, got %+v", i, state)
		}
	}

	done, err := f.store.GetRun(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := f.controller.transitions.Transition(ctx, &done, domain.StatusSucceeded, "Agent", "", false); err != nil {
		t.Fatalf("finish first child: %v", err)
	}
	if state = f.controller.Tick(ctx); state.Admitted != 1 {
		t.Fatalf("expected the freed slot reused, got %+v", state)
	}
	if run, _ := f.store.GetRun(ctx, second.ID); run.Status != domain.StatusScheduled {
		t.Fatalf("expected second child scheduled, got %s", run.Status)
	}
}

func TestControllerDefaultsToGlobalBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 2
	f := newFixture(t, cfg)
	dag := f.add(t, domain.Run{ID: "dag", Kind: domain.RunKindDAG, Status: domain.StatusRunning})
	f.addMany(t, 3, domain.Run{Status: domain.StatusCompiled, PipelineID: dag.ID, ControllerID: dag.ID})
	other := f.add(t, domain.Run{ID: "other", Kind: domain.RunKindDAG, Status: domain.StatusRunning, ManagedBy: domain.ManagedByCLI})
	f.add(t, domain.Run{Status: domain.StatusCompiled, PipelineID: other.ID, ControllerID: other.ID, ManagedBy: domain.ManagedByCLI})

	state := f.controller.Tick(context.Background())
	if state.Admitted != 2 || !state.Full {
		t.Fatalf("expected global budget of 2, got %+v", state)
	}
	if n := f.count(t, repo.RunFilter{ControllerID: other.ID, Statuses: []domain.Status{domain.StatusCompiled}}); n != 1 {
		t.Fatalf("expected runs not managed by the agent left alone, got %d compiled", n)
	}
}

func TestQueueRespectsGlobalBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 3
	f := newFixture(t, cfg)
	checked := testNow
	f.add(t, domain.Run{Status: domain.StatusRunning, CheckedAt: &checked})
	f.addMany(t, 4, domain.Run{Status: domain.StatusQueued})

	state := f.controller.Tick(context.Background())
	if state.Scheduled != 2 || !state.Full {
		t.Fatalf("expected 2 scheduled and full, got %+v", state)
	}
	if n := f.count(t, repo.RunFilter{Statuses: domain.OnSubstrateStatuses}); n != 3 {
		t.Fatalf("expected 3 runs on the substrate, got %d", n)
	}
	sigs, err := f.queue.Consume(context.Background(), signals.TopicAgent, 0)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(sigs) != 2 || sigs[0].RunID != "r002" || sigs[1].RunID != "r003" {
		t.Fatalf("expected oldest queued runs started first, got %+v", sigs)
	}
}

func TestSchedulePromotion(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	due := testNow.Add(2 * time.Second)
	later := testNow.Add(9 * time.Second)
	far := testNow.Add(time.Hour)
	ready := f.add(t, domain.Run{Status: domain.StatusCreated, ScheduleAt: &due})
	f.add(t, domain.Run{Status: domain.StatusCreated, ScheduleAt: &due, Pending: domain.PendingApproval})
	f.add(t, domain.Run{Status: domain.StatusCreated, ScheduleAt: &later})
	f.add(t, domain.Run{Status: domain.StatusCreated, ScheduleAt: &far})

	state := f.controller.Tick(context.Background())
	if state.Promoted != 1 || !state.Full {
		t.Fatalf("expected one promotion with upcoming work, got %+v", state)
	}
	stored, err := f.store.GetRun(context.Background(), ready.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != domain.StatusOnSchedule {
		t.Fatalf("expected on_schedule, got %s", stored.Status)
	}
	if got := f.kinds(t, signals.TopicScheduler)[signals.KindPrepare]; got != 1 {
		t.Fatalf("expected one prepare signal, got %d", got)
	}
}

func TestRetryPrepare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	far := testNow.Add(time.Hour)
	f.store.SetClock(func() time.Time { return testNow.Add(-10 * time.Minute) })
	stuck := f.add(t, domain.Run{ID: "stuck", Status: domain.StatusCreated})
	f.add(t, domain.Run{ID: "later", Status: domain.StatusCreated, ScheduleAt: &far})
	f.add(t, domain.Run{ID: "approval", Status: domain.StatusCreated, Pending: domain.PendingApproval})
	f.add(t, domain.Run{ID: "deleted", Status: domain.StatusCreated, LiveState: domain.LiveStateDeletionProgressing})
	pipe := f.add(t, domain.Run{ID: "pipe", Kind: domain.RunKindDAG, Status: domain.StatusRunning})
	root := f.add(t, domain.Run{ID: "root", Status: domain.StatusCreated, PipelineID: pipe.ID, ControllerID: pipe.ID})
	f.add(t, domain.Run{ID: "up", Status: domain.StatusRunning, PipelineID: pipe.ID, ControllerID: pipe.ID})
	f.add(t, domain.Run{ID: "blocked", Status: domain.StatusCreated, PipelineID: pipe.ID, ControllerID: pipe.ID})
	if err := f.store.CreateEdge(ctx, domain.RunEdge{UpstreamID: "up", DownstreamID: "blocked", Kind: domain.EdgeKindDAG}); err != nil {
		t.Fatalf("create edge: %v", err)
	}
	idle := f.add(t, domain.Run{ID: "idle", Kind: domain.RunKindDAG, Status: domain.StatusCompiled})
	f.add(t, domain.Run{ID: "orphan", Status: domain.StatusCreated, PipelineID: idle.ID, ControllerID: idle.ID})
	f.store.SetClock(func() time.Time { return testNow })
	f.add(t, domain.Run{ID: "fresh", Status: domain.StatusCreated})

	state := f.controller.Tick(ctx)
	if state.Retried != 2 {
		t.Fatalf("expected 2 retried runs, got %+v", state)
	}
	sigs, err := f.queue.Consume(ctx, signals.TopicScheduler, 0)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	got := map[string]bool{}
	for _, sig := range sigs {
		if sig.Kind == signals.KindPrepare {
			got[sig.RunID] = true
		}
	}
	if len(got) != 2 || !got[stuck.ID] || !got[root.ID] {
		t.Fatalf("expected prepare for stuck and root, got %v", got)
	}

	// Retried runs wait a full grace period before the next attempt.
	if state := f.controller.Tick(ctx); state.Retried != 0 {
		t.Fatalf("expected no retry within the grace period, got %+v", state)
	}
}

func TestStoppingAndChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStopBatch = 2
	f := newFixture(t, cfg)
	f.addMany(t, 3, domain.Run{Status: domain.StatusStopping})
	f.add(t, domain.Run{Kind: domain.RunKindDAG, Status: domain.StatusStopping, ID: "pipe"})
	recent := testNow.Add(-time.Minute)
	stale := testNow.Add(-2 * time.Hour)
	f.add(t, domain.Run{ID: "fresh", Status: domain.StatusRunning, CheckedAt: &recent})
	f.add(t, domain.Run{ID: "stale", Status: domain.StatusRunning, CheckedAt: &stale})

	state := f.controller.Tick(context.Background())
	if state.Stopping != 2 || !state.Full {
		t.Fatalf("expected a stop batch of 2 and full, got %+v", state)
	}
	if state.Checked != 1 {
		t.Fatalf("expected one stale check, got %+v", state)
	}
	kinds := f.kinds(t, signals.TopicAgent)
	if kinds[signals.KindAgentStop] != 2 || kinds[signals.KindAgentCheck] != 1 {
		t.Fatalf("unexpected agent signals: %v", kinds)
	}
	checked, _ := f.store.GetRun(context.Background(), "stale")
	if checked.CheckedAt == nil || !checked.CheckedAt.Equal(testNow) {
		t.Fatalf("expected checked_at stamped, got %v", checked.CheckedAt)
	}
}

func TestHeartbeatStopsStaleRuns(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store.SetClock(func() time.Time { return testNow.Add(-time.Hour) })
	f.add(t, domain.Run{ID: "stuck", Status: domain.StatusStopping})
	f.add(t, domain.Run{ID: "pipe", Kind: domain.RunKindDAG, Status: domain.StatusStopping})
	f.add(t, domain.Run{ID: "busy", Kind: domain.RunKindDAG, Status: domain.StatusStopping})
	f.add(t, domain.Run{Status: domain.StatusRunning, PipelineID: "busy", ControllerID: "busy"})
	f.store.SetClock(func() time.Time { return testNow })
	f.add(t, domain.Run{ID: "recent", Status: domain.StatusStopping})

	state := f.controller.Tick(context.Background())
	if state.Heartbeat != 2 {
		t.Fatalf("expected stuck run and empty pipeline stopped, got %+v", state)
	}
	for id, want := range map[string]domain.Status{
		"stuck":  domain.StatusStopped,
		"pipe":   domain.StatusStopped,
		"busy":   domain.StatusStopping,
		"recent": domain.StatusStopping,
	} {
		run, err := f.store.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if run.Status != want {
			t.Fatalf("%s: expected %s, got %s", id, want, run.Status)
		}
	}
	if got := f.kinds(t, signals.TopicScheduler)[signals.KindNotifyDone]; got != 2 {
		t.Fatalf("expected notify_done for stopped runs, got %d", got)
	}
}

func TestDeletionPass(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store.SetClock(func() time.Time { return testNow.Add(-10 * time.Minute) })
	f.add(t, domain.Run{ID: "old", Status: domain.StatusSucceeded, LiveState: domain.LiveStateDeletionProgressing})
	f.store.SetClock(func() time.Time { return testNow })
	f.add(t, domain.Run{ID: "young", Status: domain.StatusSucceeded, LiveState: domain.LiveStateDeletionProgressing})
	f.add(t, domain.Run{ID: "live", Status: domain.StatusRunning, LiveState: domain.LiveStateDeletionProgressing})

	state := f.controller.Tick(context.Background())
	if state.Deleting != 2 {
		t.Fatalf("expected one confirmation and one stop, got %+v", state)
	}
	old, _ := f.store.GetRun(context.Background(), "old")
	if old.DeletedAt == nil {
		t.Fatalf("expected deletion confirmed")
	}
	young, _ := f.store.GetRun(context.Background(), "young")
	if young.DeletedAt != nil {
		t.Fatalf("expected grace period honored")
	}
	live, _ := f.store.GetRun(context.Background(), "live")
	if live.Status != domain.StatusStopped {
		t.Fatalf("expected live run stopped, got %s", live.Status)
	}
	kinds := f.kinds(t, signals.TopicAgent)
	if kinds[signals.KindAgentClean] != 1 || kinds[signals.KindAgentStop] != 1 {
		t.Fatalf("unexpected agent signals: %v", kinds)
	}
}

func TestDeletionConfirmsOrphanPipelines(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	deleting := domain.LiveStateDeletionProgressing
	f.store.SetClock(func() time.Time { return testNow.Add(-10 * time.Minute) })
	f.add(t, domain.Run{ID: "root", Kind: domain.RunKindDAG, Status: domain.StatusSucceeded, LiveState: deleting})
	f.add(t, domain.Run{ID: "nested", Kind: domain.RunKindMatrix, Status: domain.StatusSucceeded, LiveState: deleting, PipelineID: "root", ControllerID: "root"})
	f.add(t, domain.Run{ID: "trial", Status: domain.StatusSucceeded, LiveState: deleting, PipelineID: "nested", ControllerID: "root"})
	f.add(t, domain.Run{ID: "report", Status: domain.StatusFailed, LiveState: deleting, PipelineID: "root", ControllerID: "root"})
	f.add(t, domain.Run{ID: "partial", Kind: domain.RunKindDAG, Status: domain.StatusSucceeded, LiveState: deleting})
	f.add(t, domain.Run{ID: "marked", Status: domain.StatusSucceeded, LiveState: deleting, PipelineID: "partial", ControllerID: "partial"})
	f.add(t, domain.Run{ID: "late", Status: domain.StatusSucceeded, PipelineID: "partial", ControllerID: "partial"})
	f.store.SetClock(func() time.Time { return testNow })

	state := f.controller.Tick(context.Background())
	if state.Deleting != 5 {
		t.Fatalf("expected three runs and two pipelines confirmed, got %+v", state)
	}
	for id, want := range map[string]bool{
		"root":    true,
		"nested":  true,
		"trial":   true,
		"report":  true,
		"partial": false,
		"marked":  true,
		"late":    false,
	} {
		run, err := f.store.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got := run.DeletedAt != nil; got != want {
			t.Fatalf("%s: expected deleted=%v, got %v", id, want, got)
		}
	}
	late, _ := f.store.GetRun(context.Background(), "late")
	if late.LiveState != deleting {
		t.Fatalf("expected late child marked for deletion, got %s", late.LiveState)
	}
}

type failingDeletes struct {
	*memstore.Store
}

func (s failingDeletes) FindRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if filter.LiveState == domain.LiveStateDeletionProgressing {
		return nil, errors.New("connection reset")
	}
	return s.Store.FindRuns(ctx, filter)
}

func TestFailedPassDoesNotBlockOthers(t *testing.T) {
	store := memstore.New()
	store.SetClock(func() time.Time { return testNow })
	queue := signals.NewChannelQueue()
	c := New(DefaultConfig(), failingDeletes{store}, queue, nil, nil).WithClock(func() time.Time { return testNow })
	if err := store.CreateRuns(context.Background(), []domain.Run{{
		ID: "q", ProjectID: "p1", Kind: domain.RunKindJob, Status: domain.StatusQueued, ManagedBy: domain.ManagedByAgent,
	}}, nil); err != nil {
		t.Fatalf("create run: %v", err)
	}

	state := c.Tick(context.Background())
	if len(state.Failed) != 1 || state.Failed[0] != passDeleting {
		t.Fatalf("expected only the deletion pass to fail, got %v", state.Failed)
	}
	if state.Scheduled != 1 {
		t.Fatalf("expected queue pass to proceed, got %+v", state)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 0
	cfg.Interval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ANIMUS_ADMISSION_INTERVAL", "2s")
	t.Setenv("ANIMUS_MAX_CONCURRENCY", "7")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Interval != 2*time.Second || cfg.MaxConcurrency != 7 || cfg.MaxDeleteItems != 200 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	t.Setenv("ANIMUS_MAX_CONCURRENCY", "lots")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected parse error")
	}
}
