package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/animus-orchestrator/internal/compiler"
	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
	"github.com/animus-labs/animus-orchestrator/internal/repo/memstore"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memstore.Store
	compiler *compiler.Compiler
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	store.SetClock(func() time.Time { return testNow })
	store.PutProject(domain.Project{ID: "p1", Name: "vision", Owner: "alice"})
	c := compiler.New(compiler.Config{}, store, store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(DefaultConfig(), store, c, nil, nil, logger)
	if r == nil {
		t.Fatalf("expected resolver")
	}
	return &fixture{store: store, compiler: c, resolver: r.WithClock(func() time.Time { return testNow })}
}

func (f *fixture) compileIn(t *testing.T, projectID, spec string) domain.Run {
	t.Helper()
	plan, err := f.compiler.Compile(context.Background(), compiler.Spec{Content: []byte(spec)}, compiler.Context{ProjectID: projectID, UserID: "u1"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return plan.Run
}

func (f *fixture) compile(t *testing.T, spec string) domain.Run {
	t.Helper()
	return f.compileIn(t, "p1", spec)
}

func (f *fixture) get(t *testing.T, id string) domain.Run {
	t.Helper()
	run, err := f.store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("get run %s: %v", id, err)
	}
	return run
}

func (f *fixture) resolve(t *testing.T, id string) Result {
	t.Helper()
	result, err := f.resolver.Resolve(context.Background(), f.get(t, id))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return result
}

// finish moves a stored run to status with the given outputs.
func (f *fixture) finish(t *testing.T, id string, status domain.Status, outputs domain.Metadata) domain.Run {
	t.Helper()
	run := f.get(t, id)
	run.Status = status
	run.StatusConditions = append(run.StatusConditions, domain.NewCondition(status, "Test", "", testNow))
	if status.IsDone() {
		finished := testNow
		run.FinishedAt = &finished
	}
	run.Outputs = outputs
	fields := append(append([]repo.RunField{}, repo.StatusFields...), repo.FieldOutputs)
	if err := f.store.UpdateRun(context.Background(), run, fields...); err != nil {
		t.Fatalf("update run: %v", err)
	}
	return run
}

func (f *fixture) children(t *testing.T, pipelineID string) []domain.Run {
	t.Helper()
	runs, err := f.store.FindRuns(context.Background(), repo.RunFilter{PipelineID: pipelineID, OrderBy: "created_at"})
	if err != nil {
		t.Fatalf("find children: %v", err)
	}
	return runs
}

const linearDAG = `
name: pipe
component:
  run:
    kind: dag
    operations:
      - name: a
        component:
          outputs: [{name: loss, type: float}]
          run: {kind: job, container: {image: busybox, command: [a]}}
      - name: b
        params:
          x: {ref: ops.a, value: outputs.loss}
        component:
          inputs: [{name: x, type: float}]
          run: {kind: job, container: {image: busybox, command: [b]}}
      - name: c
        dependencies: [b]
        component:
          run: {kind: service, container: {image: busybox, command: [c]}}
`

func TestResolveLinearDAG(t *testing.T) {
	f := newFixture(t)
	pipe := f.compile(t, linearDAG)

	result := f.resolve(t, pipe.ID)
	if len(result.Created) != 3 || len(result.Edges) != 2 {
		t.Fatalf("expected 3 children and 2 edges, got %d/%d", len(result.Created), len(result.Edges))
	}
	ids := map[string]string{}
	for _, child := range result.Created {
		if child.PipelineID != pipe.ID || child.ControllerID != pipe.ID {
			t.Fatalf("child %s not linked to pipeline: %+v", child.Name, child)
		}
		ids[child.Name] = child.ID
	}
	edges, err := f.store.ListEdges(context.Background(), repo.EdgeFilter{DownstreamID: ids["b"]})
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 || edges[0].UpstreamID != ids["a"] || edges[0].Kind != domain.EdgeKindDAG {
		t.Fatalf("unexpected edges into b: %+v", edges)
	}
	if _, ok := edges[0].Values["x"]; !ok {
		t.Fatalf("expected x binding on edge, got %+v", edges[0].Values)
	}
	edges, _ = f.store.ListEdges(context.Background(), repo.EdgeFilter{DownstreamID: ids["c"]})
	if len(edges) != 1 || edges[0].UpstreamID != ids["b"] {
		t.Fatalf("unexpected edges into c: %+v", edges)
	}

	stored := f.get(t, pipe.ID)
	if !stored.MetaInfo.Bool(domain.MetaHasJobs) || !stored.MetaInfo.Bool(domain.MetaHasServices) {
		t.Fatalf("expected structural meta copied to pipeline, got %v", stored.MetaInfo)
	}

	again := f.resolve(t, pipe.ID)
	if len(again.Created) != 0 {
		t.Fatalf("expected idempotent expansion, got %d children", len(again.Created))
	}
	if n := len(f.children(t, pipe.ID)); n != 3 {
		t.Fatalf("expected 3 children after second resolve, got %d", n)
	}

	f.finish(t, ids["a"], domain.StatusSucceeded, domain.Metadata{"loss": 0.25})
	b := f.resolve(t, ids["b"])
	if b.Run.Inputs["x"] != 0.25 {
		t.Fatalf("expected x bound from a, got %v", b.Run.Inputs)
	}
	edges, _ = f.store.ListEdges(context.Background(), repo.EdgeFilter{DownstreamID: ids["b"]})
	if len(edges) != 1 || edges[0].Kind != domain.EdgeKindDAG {
		t.Fatalf("expected dag edge kept, got %+v", edges)
	}
}

func TestResolveDAGRejectsCycle(t *testing.T) {
	f := newFixture(t)
	pipe := f.compile(t, `
component:
  run:
    kind: dag
    operations:
      - {name: a, dependencies: [b], component: {run: {kind: job}}}
      - {name: b, dependencies: [a], component: {run: {kind: job}}}
`)
	_, err := f.resolver.Resolve(context.Background(), f.get(t, pipe.ID))
	if !errors.Is(err, domain.ErrValidation) || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle validation error, got %v", err)
	}
	if n := len(f.children(t, pipe.ID)); n != 0 {
		t.Fatalf("expected no children, got %d", n)
	}
}

func TestSortOperations(t *testing.T) {
	ops := []domain.Operation{
		{Name: "c", Dependencies: []string{"a", "b"}},
		{Name: "b", Params: map[string]domain.Param{"x": {Ref: "ops.a"}}},
		{Name: "a"},
	}
	ordered, deps, err := sortOperations(ops)
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	names := make([]string, 0, len(ordered))
	for _, op := range ordered {
		names = append(names, op.Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, names); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b"}, deps["c"]); diff != "" {
		t.Fatalf("deps mismatch (-want +got):\n%s", diff)
	}

	cases := map[string][]domain.Operation{
		"unknown": {{Name: "a", Dependencies: []string{"missing"}}},
		"self":    {{Name: "a", Dependencies: []string{"a"}}},
		"dup":     {{Name: "a"}, {Name: "a"}},
		"unnamed": {{}},
	}
	for name, ops := range cases {
		if _, _, err := sortOperations(ops); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestResolveDAGTrimsOperationNames(t *testing.T) {
	f := newFixture(t)
	pipe := f.compile(t, `
component:
  run:
    kind: dag
    operations:
      - name: " a "
        component:
          outputs: [{name: loss, type: float}]
          run: {kind: job, container: {image: busybox}}
      - name: b
        dependencies: [" a"]
        params:
          x: {ref: "ops. a ", value: outputs.loss}
        component:
          inputs: [{name: x, type: float}]
          run: {kind: job, container: {image: busybox}}
`)
	result := f.resolve(t, pipe.ID)
	ids := map[string]string{}
	for _, child := range result.Created {
		ids[child.Name] = child.ID
	}
	if ids["a"] == "" || ids["b"] == "" {
		t.Fatalf("expected trimmed child names, got %v", ids)
	}
	if len(result.Edges) != 1 {
		t.Fatalf("expected a single edge, got %+v", result.Edges)
	}
	edge := result.Edges[0]
	if edge.UpstreamID != ids["a"] || edge.DownstreamID != ids["b"] {
		t.Fatalf("unexpected edge %+v for ids %v", edge, ids)
	}
	if _, ok := edge.Values["x"]; !ok {
		t.Fatalf("expected x binding on edge, got %+v", edge.Values)
	}
}

const cachedJob = `
name: featurize
cache: {disable: false}
params:
  lr: {value: 0.01}
component:
  inputs: [{name: lr, type: float}]
  outputs: [{name: loss, type: float}]
  run: {kind: job, container: {image: python:3.12, command: [python, featurize.py]}}
`

func TestResolveCacheHit(t *testing.T) {
	f := newFixture(t)
	first := f.compile(t, cachedJob)
	res := f.resolve(t, first.ID)
	if res.CacheHit || res.Run.State == "" {
		t.Fatalf("expected fingerprint without hit, got %+v", res)
	}
	f.finish(t, first.ID, domain.StatusSucceeded, domain.Metadata{"loss": 0.1})

	second := f.compile(t, cachedJob)
	res = f.resolve(t, second.ID)
	if !res.CacheHit || !res.Finished {
		t.Fatalf("expected finished cache hit, got %+v", res)
	}
	stored := f.get(t, second.ID)
	if stored.Status != domain.StatusSucceeded || stored.OriginalID != first.ID || stored.CloningKind != domain.CloningCache {
		t.Fatalf("unexpected cached run: status=%s original=%s kind=%s", stored.Status, stored.OriginalID, stored.CloningKind)
	}
	if stored.Outputs["loss"] != 0.1 {
		t.Fatalf("expected outputs copied, got %v", stored.Outputs)
	}
	if cond, _ := stored.LatestCondition(); cond.Reason != reasonCacheHit {
		t.Fatalf("expected cache hit reason, got %q", cond.Reason)
	}

	third := f.compile(t, cachedJob)
	res = f.resolve(t, third.ID)
	if !res.CacheHit || f.get(t, third.ID).OriginalID != first.ID {
		t.Fatalf("expected cache pointer followed to the original run, got %+v", res.Run.OriginalID)
	}
}

func TestResolveCacheSkipsFailedCandidate(t *testing.T) {
	f := newFixture(t)
	first := f.compile(t, cachedJob)
	f.resolve(t, first.ID)
	f.finish(t, first.ID, domain.StatusFailed, nil)

	second := f.compile(t, cachedJob)
	res := f.resolve(t, second.ID)
	if res.CacheHit {
		t.Fatalf("expected no cache hit on a failed run")
	}
	if stored := f.get(t, second.ID); stored.OriginalID != "" || stored.Pending != domain.PendingNone {
		t.Fatalf("unexpected cache fields: %+v", stored)
	}
}

func TestResolveCacheWaitsOnRunningCandidate(t *testing.T) {
	f := newFixture(t)
	first := f.compile(t, cachedJob)
	f.resolve(t, first.ID)
	f.finish(t, first.ID, domain.StatusRunning, nil)

	second := f.compile(t, cachedJob)
	res := f.resolve(t, second.ID)
	if !res.CacheHit || res.Finished {
		t.Fatalf("expected pending cache hit, got %+v", res)
	}
	if stored := f.get(t, second.ID); stored.Pending != domain.PendingCache || stored.Status != domain.StatusCreated {
		t.Fatalf("expected pending cache, got pending=%q status=%s", stored.Pending, stored.Status)
	}
}

func TestResolveCacheDisabledByDefaultForIndependentRuns(t *testing.T) {
	f := newFixture(t)
	spec := strings.Replace(cachedJob, "cache: {disable: false}\n", "", 1)
	first := f.compile(t, spec)
	f.resolve(t, first.ID)
	f.finish(t, first.ID, domain.StatusSucceeded, domain.Metadata{"loss": 0.1})

	second := f.compile(t, spec)
	if res := f.resolve(t, second.ID); res.CacheHit {
		t.Fatalf("expected no cache hit without an explicit cache section")
	}
}

func TestResolveCacheSkipsPipelines(t *testing.T) {
	f := newFixture(t)
	spec := strings.Replace(linearDAG, "name: pipe\n", "name: pipe\ncache: {disable: false}\n", 1)
	first := f.compile(t, spec)
	f.resolve(t, first.ID)
	f.finish(t, first.ID, domain.StatusSucceeded, nil)

	second := f.compile(t, spec)
	res := f.resolve(t, second.ID)
	if res.CacheHit || res.Run.CloningKind != domain.CloningNone {
		t.Fatalf("expected pipeline to expand again, got cache hit=%v cloning=%q", res.CacheHit, res.Run.CloningKind)
	}
	if len(res.Created) != 3 {
		t.Fatalf("expected 3 fresh children, got %d", len(res.Created))
	}
}

func TestNextScheduleAt(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC) }
	tp := func(v time.Time) *time.Time { return &v }
	cases := []struct {
		name     string
		schedule domain.Schedule
		last     *time.Time
		want     time.Time
	}{
		{name: "cron from now", schedule: domain.Schedule{Kind: domain.ScheduleKindCron, Cron: "0 * * * *"}, want: at(13, 0)},
		{name: "cron from start", schedule: domain.Schedule{Kind: domain.ScheduleKindCron, Cron: "0 * * * *", StartAt: tp(at(12, 0))}, want: at(12, 0)},
		{name: "cron from last", schedule: domain.Schedule{Kind: domain.ScheduleKindCron, Cron: "*/15 * * * *"}, last: tp(at(11, 0)), want: at(11, 15)},
		{name: "interval first", schedule: domain.Schedule{Kind: domain.ScheduleKindInterval, Frequency: 60}, want: testNow},
		{name: "interval next", schedule: domain.Schedule{Kind: domain.ScheduleKindInterval, Frequency: 3600}, last: tp(at(11, 30)), want: at(12, 30)},
		{name: "interval skips missed", schedule: domain.Schedule{Kind: domain.ScheduleKindInterval, Frequency: 1800}, last: tp(at(10, 0)), want: at(12, 0)},
		{name: "interval skips to start grid", schedule: domain.Schedule{Kind: domain.ScheduleKindInterval, Frequency: 3600, StartAt: tp(at(11, 45))}, want: at(12, 45)},
		{name: "interval future start", schedule: domain.Schedule{Kind: domain.ScheduleKindInterval, Frequency: 60, StartAt: tp(at(14, 0))}, want: at(14, 0)},
		{name: "datetime", schedule: domain.Schedule{Kind: domain.ScheduleKindDateTime, StartAt: tp(at(18, 0))}, want: at(18, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NextScheduleAt(tc.schedule, tc.last, testNow)
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
			again, _ := NextScheduleAt(tc.schedule, tc.last, testNow)
			if !again.Equal(got) {
				t.Fatalf("expected deterministic result, got %s then %s", got, again)
			}
		})
	}

	if _, err := NextScheduleAt(domain.Schedule{Kind: domain.ScheduleKindCron, Cron: "not cron"}, nil, testNow); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for bad cron, got %v", err)
	}
}

func scheduleSpec(maxRuns int) string {
	return fmt.Sprintf(`
name: nightly
schedule: {kind: interval, frequency: 60, maxRuns: %d}
component:
  run: {kind: job, container: {image: busybox, command: [report]}}
`, maxRuns)
}

func TestResolveScheduleMaxRuns(t *testing.T) {
	f := newFixture(t)
	schedule := f.compile(t, scheduleSpec(1))
	if schedule.Kind != domain.RunKindSchedule {
		t.Fatalf("expected schedule kind, got %s", schedule.Kind)
	}

	first := f.resolve(t, schedule.ID)
	if len(first.Created) != 1 {
		t.Fatalf("expected one child, got %d", len(first.Created))
	}
	child := first.Created[0]
	if child.Kind != domain.RunKindJob || child.Name != "nightly" || child.ScheduleAt == nil || !child.ScheduleAt.Equal(testNow) {
		t.Fatalf("unexpected schedule child: %+v", child)
	}
	if n, _ := child.MetaInfo.Int(domain.MetaIteration); n != 0 {
		t.Fatalf("expected iteration 0, got %d", n)
	}

	second := f.resolve(t, schedule.ID)
	if len(second.Created) != 0 || !second.Finished {
		t.Fatalf("expected finished schedule without new children, got %+v", second)
	}
	stored := f.get(t, schedule.ID)
	if stored.Status != domain.StatusSucceeded {
		t.Fatalf("expected schedule succeeded, got %s", stored.Status)
	}
	if n := len(f.children(t, schedule.ID)); n != 1 {
		t.Fatalf("expected exactly one child, got %d", n)
	}
}

func TestResolveScheduleWaitsForPendingChild(t *testing.T) {
	f := newFixture(t)
	schedule := f.compile(t, scheduleSpec(3))
	f.resolve(t, schedule.ID)
	again := f.resolve(t, schedule.ID)
	if len(again.Created) != 0 || again.Finished {
		t.Fatalf("expected no new child while one is waiting, got %+v", again)
	}
	children := f.children(t, schedule.ID)
	if len(children) != 1 {
		t.Fatalf("expected one child, got %d", len(children))
	}

	f.finish(t, children[0].ID, domain.StatusSucceeded, nil)
	next := f.resolve(t, schedule.ID)
	if len(next.Created) != 1 {
		t.Fatalf("expected second child once the first is done, got %d", len(next.Created))
	}
	if want := testNow.Add(time.Minute); !next.Created[0].ScheduleAt.Equal(want) {
		t.Fatalf("expected next trigger %s, got %s", want, next.Created[0].ScheduleAt)
	}
	if n, _ := f.get(t, schedule.ID).MetaInfo.Int(domain.MetaScheduleRunsCount); n != 2 {
		t.Fatalf("expected schedule_runs 2, got %d", n)
	}
}

func TestResolveMatrixMapping(t *testing.T) {
	f := newFixture(t)
	sweep := f.compile(t, `
name: sweep
matrix:
  kind: mapping
  concurrency: 2
  values:
    - {lr: 0.1}
    - {lr: 0.2}
component:
  inputs: [{name: lr, type: float}]
  run: {kind: job, container: {image: busybox}}
`)
	res := f.resolve(t, sweep.ID)
	if len(res.Created) != 2 {
		t.Fatalf("expected 2 children, got %d", len(res.Created))
	}
	for i, child := range res.Created {
		if child.Kind != domain.RunKindJob || child.PipelineID != sweep.ID {
			t.Fatalf("unexpected child %d: %+v", i, child)
		}
		if n, _ := child.MetaInfo.Int(domain.MetaIteration); n != i {
			t.Fatalf("expected iteration %d, got %d", i, n)
		}
		want := []float64{0.1, 0.2}[i]
		if child.Params["lr"].Value != want {
			t.Fatalf("expected lr %v, got %v", want, child.Params["lr"].Value)
		}
	}
	if c, ok := f.get(t, sweep.ID).Concurrency(); !ok || c != 2 {
		t.Fatalf("expected concurrency 2, got %d", c)
	}
}

func TestResolveRejectsForeignOwner(t *testing.T) {
	f := newFixture(t)
	f.store.PutProject(domain.Project{ID: "p2", Name: "other", Owner: "bob"})
	f.store.PutProject(domain.Project{ID: "p3", Name: "mine", Owner: "alice"})
	spec := `
component:
  outputs: [{name: loss, type: float}]
  run: {kind: job}
`
	foreign := f.compileIn(t, "p2", spec)
	f.finish(t, foreign.ID, domain.StatusSucceeded, domain.Metadata{"loss": 1.0})
	sibling := f.compileIn(t, "p3", spec)
	f.finish(t, sibling.ID, domain.StatusSucceeded, domain.Metadata{"loss": 2.0})

	consumer := func(upstream string) string {
		return fmt.Sprintf(`
params:
  x: {ref: runs.%s, value: outputs.loss}
component:
  inputs: [{name: x, type: float}]
  run: {kind: job}
`, upstream)
	}
	denied := f.compile(t, consumer(foreign.ID))
	if _, err := f.resolver.Resolve(context.Background(), f.get(t, denied.ID)); !errors.Is(err, domain.ErrAccess) {
		t.Fatalf("expected access error, got %v", err)
	}

	allowed := f.compile(t, consumer(sibling.ID))
	res := f.resolve(t, allowed.ID)
	if res.Run.Inputs["x"] != 2.0 {
		t.Fatalf("expected x from sibling project, got %v", res.Run.Inputs)
	}
	edges, _ := f.store.ListEdges(context.Background(), repo.EdgeFilter{DownstreamID: allowed.ID})
	if len(edges) != 1 || edges[0].Kind != domain.EdgeKindRun {
		t.Fatalf("expected run edge, got %+v", edges)
	}
}

func TestResolveUnknownUpstream(t *testing.T) {
	f := newFixture(t)
	run := f.compile(t, `
params:
  x: {ref: runs.missing, value: outputs.loss}
component:
  inputs: [{name: x}]
  run: {kind: job}
`)
	if _, err := f.resolver.Resolve(context.Background(), f.get(t, run.ID)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResolveGlobalsAndEnv(t *testing.T) {
	f := newFixture(t)
	run := f.compile(t, `
name: report
params:
  out: {value: "{{ globals.run_outputs_path }}", toEnv: OUT_DIR}
  project: {value: "project {{ globals.project_name }}", contextOnly: true}
component:
  inputs: [{name: out, type: path}]
  run: {kind: job, container: {image: busybox}}
`)
	res := f.resolve(t, run.ID)
	want := "/artifacts/" + run.ID + "/outputs"
	if res.Run.Inputs["out"] != want {
		t.Fatalf("expected %s, got %v", want, res.Run.Inputs["out"])
	}
	if got := res.Compiled.Run.Container.Env["OUT_DIR"]; got != want {
		t.Fatalf("expected env OUT_DIR=%s, got %q", want, got)
	}
}

func TestResolveCopyArtifacts(t *testing.T) {
	f := newFixture(t)
	run := f.compile(t, cachedJob)
	stored := f.get(t, run.ID)
	stored.MetaInfo[domain.MetaCopyArtifacts] = map[string]any{"dirs": []any{"orig/outputs"}, "files": []any{"orig/model.bin"}}
	if err := f.store.UpdateRun(context.Background(), stored, repo.FieldMetaInfo); err != nil {
		t.Fatalf("update: %v", err)
	}
	res := f.resolve(t, run.ID)
	if _, ok := res.Run.MetaInfo[domain.MetaCopyArtifacts]; ok {
		t.Fatalf("expected copy_artifacts directive consumed")
	}
	inits := res.Compiled.Run.Init
	if len(inits) != 1 || inits[0].Artifacts == nil {
		t.Fatalf("expected one artifacts init, got %+v", inits)
	}
	target := "/artifacts/" + run.ID
	want := domain.ArtifactsInit{
		Dirs:  []string{"/artifacts/orig/outputs:" + target + "/outputs"},
		Files: []string{"/artifacts/orig/model.bin:" + target + "/model.bin"},
	}
	if diff := cmp.Diff(want, *inits[0].Artifacts); diff != "" {
		t.Fatalf("artifacts mismatch (-want +got):\n%s", diff)
	}
	if inits[0].Path != target {
		t.Fatalf("expected init path %s, got %s", target, inits[0].Path)
	}
}

func TestResolveRejectsUnknownConnection(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.Connections = []string{"s3-data"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.resolver = New(cfg, f.store, f.compiler, nil, nil, logger).WithClock(func() time.Time { return testNow })

	run := f.compile(t, `
component:
  run: {kind: job, connections: [secret-db]}
`)
	if _, err := f.resolver.Resolve(context.Background(), f.get(t, run.ID)); !errors.Is(err, domain.ErrAccess) {
		t.Fatalf("expected access error, got %v", err)
	}
}

func TestResolveJoin(t *testing.T) {
	f := newFixture(t)
	producer := `
component:
  outputs: [{name: loss, type: float}]
  run: {kind: job}
`
	a := f.compile(t, producer)
	f.finish(t, a.ID, domain.StatusSucceeded, domain.Metadata{"loss": 0.3})
	b := f.compile(t, producer)
	f.finish(t, b.ID, domain.StatusSucceeded, domain.Metadata{"loss": 0.2})
	failed := f.compile(t, producer)
	f.finish(t, failed.ID, domain.StatusFailed, nil)

	agg := f.compile(t, `
joins:
  - query: "status: succeeded"
    sort: created_at
    params:
      losses: {value: outputs.loss}
      dirs: {value: artifacts.outputs, contextOnly: true}
component:
  inputs: [{name: losses, type: float, isList: true, isOptional: true}]
  run: {kind: job}
`)
	res := f.resolve(t, agg.ID)
	if diff := cmp.Diff([]any{0.3, 0.2}, res.Run.Inputs["losses"]); diff != "" {
		t.Fatalf("join mismatch (-want +got):\n%s", diff)
	}
	edges, _ := f.store.ListEdges(context.Background(), repo.EdgeFilter{DownstreamID: agg.ID, Kinds: []domain.EdgeKind{domain.EdgeKindJoin}})
	if len(edges) != 2 {
		t.Fatalf("expected 2 join edges, got %d", len(edges))
	}
}

func TestComputeResources(t *testing.T) {
	got := computeResources(domain.CompiledOperation{Run: domain.RunSection{
		Container: &domain.Container{Resources: domain.ContainerResources{Requests: map[string]string{
			"cpu":            "500m",
			"memory":         "1Gi",
			"nvidia.com/gpu": "1",
		}}},
		Sidecars: []domain.Container{{Resources: domain.ContainerResources{Limits: map[string]string{
			"cpu":    "1.5",
			"memory": "512Mi",
		}}}},
	}})
	want := domain.Resources{CPU: 2, Memory: 1536, GPU: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("resources mismatch (-want +got):\n%s", diff)
	}
}
