package search

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

func TestMappingPassesValuesThrough(t *testing.T) {
	matrix := domain.Matrix{Kind: domain.MatrixKindMapping, Values: []map[string]any{{"lr": 0.1}, {"lr": 0.2, "depth": 3.0}}}
	got, err := NewRegistry().Suggest(context.Background(), matrix)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	want := []Suggestion{{"lr": 0.1}, {"lr": 0.2, "depth": 3.0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mapping mismatch (-want +got):\n%s", diff)
	}
	got[0]["lr"] = 9.0
	if matrix.Values[0]["lr"] != 0.1 {
		t.Fatalf("suggestions must not alias matrix values")
	}
}

func TestGridProduct(t *testing.T) {
	matrix := domain.Matrix{
		Kind: domain.MatrixKindGrid,
		Params: map[string]any{
			"lr":    []any{0.1, 0.2},
			"depth": map[string]any{"kind": "choice", "value": []any{1.0, 2.0}},
		},
	}
	got, err := NewRegistry().Suggest(context.Background(), matrix)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	want := []Suggestion{
		{"depth": 1.0, "lr": 0.1},
		{"depth": 1.0, "lr": 0.2},
		{"depth": 2.0, "lr": 0.1},
		{"depth": 2.0, "lr": 0.2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("grid mismatch (-want +got):\n%s", diff)
	}

	matrix.NumRuns = 3
	got, _ = Grid{}.Suggest(context.Background(), matrix)
	if len(got) != 3 {
		t.Fatalf("expected numRuns cap, got %d", len(got))
	}
}

func TestUnknownStrategy(t *testing.T) {
	_, err := NewRegistry().Suggest(context.Background(), domain.Matrix{Kind: domain.MatrixKindBayes})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = Grid{}.Suggest(context.Background(), domain.Matrix{Params: map[string]any{"lr": map[string]any{"kind": "uniform"}}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for non-choice param, got %v", err)
	}
}

func TestGridExpandsRanges(t *testing.T) {
	matrix := domain.Matrix{
		Kind: domain.MatrixKindGrid,
		Params: map[string]any{
			"epochs": map[string]any{"kind": "range", "value": []any{1, 4, 2}},
			"lr":     map[string]any{"kind": "linspace", "value": []any{0.0, 1.0, 3}},
		},
	}
	got, err := NewRegistry().Suggest(context.Background(), matrix)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	want := []Suggestion{
		{"epochs": 1.0, "lr": 0.0},
		{"epochs": 1.0, "lr": 0.5},
		{"epochs": 1.0, "lr": 1.0},
		{"epochs": 3.0, "lr": 0.0},
		{"epochs": 3.0, "lr": 0.5},
		{"epochs": 3.0, "lr": 1.0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("grid mismatch (-want +got):\n%s", diff)
	}
}

func TestRandomSampling(t *testing.T) {
	seed := int64(7)
	matrix := domain.Matrix{
		Kind:    domain.MatrixKindRandom,
		NumRuns: 20,
		Seed:    &seed,
		Params: map[string]any{
			"optimizer": []any{"adam", "sgd"},
			"lr":        map[string]any{"kind": "loguniform", "value": []any{0.001, 0.1}},
			"dropout":   map[string]any{"kind": "uniform", "value": []any{0.1, 0.5}},
			"batch":     map[string]any{"kind": "pchoice", "value": []any{[]any{32, 0.5}, []any{64, 0.5}}},
			"depth":     map[string]any{"kind": "range", "value": []any{2, 8, 2}},
			"momentum":  map[string]any{"kind": "qnormal", "value": []any{0.9, 0.01, 0.05}},
		},
	}
	first, err := NewRegistry().Suggest(context.Background(), matrix)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(first) != 20 {
		t.Fatalf("expected 20 suggestions, got %d", len(first))
	}
	for i, s := range first {
		if lr := s["lr"].(float64); lr < 0.001 || lr > 0.1 {
			t.Fatalf("suggestion %d: lr %v out of bounds", i, lr)
		}
		if d := s["dropout"].(float64); d < 0.1 || d > 0.5 {
			t.Fatalf("suggestion %d: dropout %v out of bounds", i, d)
		}
		if o := s["optimizer"]; o != "adam" && o != "sgd" {
			t.Fatalf("suggestion %d: unexpected optimizer %v", i, o)
		}
		if b := s["batch"]; b != 32 && b != 64 {
			t.Fatalf("suggestion %d: unexpected batch %v", i, b)
		}
		if d := s["depth"]; d != 2.0 && d != 4.0 && d != 6.0 {
			t.Fatalf("suggestion %d: unexpected depth %v", i, d)
		}
	}

	again, err := Random{}.Suggest(context.Background(), matrix)
	if err != nil {
		t.Fatalf("suggest again: %v", err)
	}
	if diff := cmp.Diff(first, again); diff != "" {
		t.Fatalf("seeded sampling is not reproducible (-first +again):\n%s", diff)
	}
}

func TestRandomRejectsInvalidMatrix(t *testing.T) {
	cases := map[string]domain.Matrix{
		"no runs":       {Kind: domain.MatrixKindRandom, Params: map[string]any{"lr": []any{0.1}}},
		"bad kind":      {Kind: domain.MatrixKindRandom, NumRuns: 2, Params: map[string]any{"lr": map[string]any{"kind": "beta", "value": []any{1, 2}}}},
		"bad arity":     {Kind: domain.MatrixKindRandom, NumRuns: 2, Params: map[string]any{"lr": map[string]any{"kind": "uniform", "value": []any{1}}}},
		"empty":         {Kind: domain.MatrixKindRandom, NumRuns: 2, Params: map[string]any{"lr": []any{}}},
		"probabilities": {Kind: domain.MatrixKindRandom, NumRuns: 2, Params: map[string]any{"lr": map[string]any{"kind": "pchoice", "value": []any{[]any{0.1, 0.3}}}}},
	}
	for name, matrix := range cases {
		if _, err := NewRegistry().Suggest(context.Background(), matrix); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}
