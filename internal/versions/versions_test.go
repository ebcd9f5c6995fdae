package versions

import (
	"context"
	"errors"
	"testing"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo/memstore"
)

type fakeObjects struct {
	missing map[string]bool
	checked []string
}

func (f *fakeObjects) Exists(ctx context.Context, path string) error {
	f.checked = append(f.checked, path)
	if f.missing[path] {
		return errors.New("missing")
	}
	return nil
}

func newFixture(t *testing.T) (*memstore.Store, *fakeObjects, *Resolver) {
	t.Helper()
	store := memstore.New()
	store.PutProject(domain.Project{ID: "p1", Name: "vision", Owner: "acme"})
	store.PutProject(domain.Project{ID: "p2", Name: "nlp", Owner: "acme"})
	store.PutProject(domain.Project{ID: "p3", Name: "vision", Owner: "other"})
	store.PutVersion(domain.ProjectVersion{ID: "v1", ProjectID: "p1", Kind: domain.VersionKindModel, Name: "resnet", RunID: "r1"})
	store.PutVersion(domain.ProjectVersion{ID: "v2", ProjectID: "p2", Kind: domain.VersionKindArtifact, Name: "vocab", Path: "s3/vocab"})
	store.PutVersion(domain.ProjectVersion{ID: "v3", ProjectID: "p3", Kind: domain.VersionKindModel, Name: "resnet", RunID: "r9"})
	objects := &fakeObjects{missing: map[string]bool{}}
	return store, objects, New(store, store, objects, "/artifacts")
}

func TestParseRef(t *testing.T) {
	cases := []struct {
		raw  string
		want Ref
		ok   bool
	}{
		{raw: "resnet", want: Ref{Name: "resnet"}, ok: true},
		{raw: "nlp:vocab", want: Ref{Project: "nlp", Name: "vocab"}, ok: true},
		{raw: "acme/nlp:vocab", want: Ref{Owner: "acme", Project: "nlp", Name: "vocab"}, ok: true},
		{raw: "nlp:", ok: false},
		{raw: ":vocab", ok: false},
		{raw: " ", ok: false},
	}
	for _, tc := range cases {
		got, err := ParseRef(tc.raw)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("ParseRef(%q)=%+v,%v want %+v", tc.raw, got, err, tc.want)
		}
		if !tc.ok && !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("ParseRef(%q) expected validation error, got %v", tc.raw, err)
		}
	}
}

func TestResolveSameProjectFromRun(t *testing.T) {
	_, objects, r := newFixture(t)
	got, err := r.Resolve(context.Background(), "p1", domain.VersionKindModel, "resnet")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Path != "/artifacts/r1" || got.Version.ID != "v1" {
		t.Fatalf("unexpected resolution: %+v", got)
	}
	if len(objects.checked) != 1 {
		t.Fatalf("expected object check, got %v", objects.checked)
	}
}

func TestResolveSiblingProject(t *testing.T) {
	_, _, r := newFixture(t)
	got, err := r.Resolve(context.Background(), "p1", domain.VersionKindArtifact, "acme/nlp:vocab")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Path != "s3/vocab" || got.Project.ID != "p2" {
		t.Fatalf("unexpected resolution: %+v", got)
	}
}

func TestResolveRejectsOtherOwner(t *testing.T) {
	_, _, r := newFixture(t)
	_, err := r.Resolve(context.Background(), "p1", domain.VersionKindModel, "other/vision:resnet")
	var accessErr *domain.AccessError
	if !errors.As(err, &accessErr) {
		t.Fatalf("expected AccessError, got %v", err)
	}
}

func TestResolveMissing(t *testing.T) {
	_, objects, r := newFixture(t)
	if _, err := r.Resolve(context.Background(), "p1", domain.VersionKindModel, "missing"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	objects.missing["/artifacts/r1"] = true
	if _, err := r.Resolve(context.Background(), "p1", domain.VersionKindModel, "resnet"); err == nil {
		t.Fatalf("expected error when artifacts are missing")
	}
}
