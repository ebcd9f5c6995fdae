package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

const insertEdgeQuery = `INSERT INTO run_edges (upstream_id, downstream_id, kind, "values", statuses)
	VALUES ($1,$2,$3,$4,$5)`

const upsertEdgeQuery = insertEdgeQuery + `
	ON CONFLICT (upstream_id, downstream_id, kind)
	DO UPDATE SET "values" = EXCLUDED."values", statuses = EXCLUDED.statuses`

type EdgeStore struct {
	db DB
}

func NewEdgeStore(db DB) *EdgeStore {
	if db == nil {
		return nil
	}
	return &EdgeStore{db: db}
}

func (s *EdgeStore) CreateEdge(ctx context.Context, edge domain.RunEdge) error {
	return insertEdge(ctx, s.db, edge, false)
}

// UpsertEdge replaces the bindings of an existing edge of the same kind.
func (s *EdgeStore) UpsertEdge(ctx context.Context, edge domain.RunEdge) error {
	return insertEdge(ctx, s.db, edge, true)
}

func insertEdge(ctx context.Context, db DB, edge domain.RunEdge, upsert bool) error {
	if strings.TrimSpace(edge.UpstreamID) == "" || strings.TrimSpace(edge.DownstreamID) == "" {
		return fmt.Errorf("edge endpoints are required")
	}
	values, err := encodeJSON(edge.Values, "{}")
	if err != nil {
		return fmt.Errorf("encode edge values: %w", err)
	}
	statuses, err := encodeJSON(edge.Statuses, "[]")
	if err != nil {
		return fmt.Errorf("encode edge statuses: %w", err)
	}
	query := insertEdgeQuery
	if upsert {
		query = upsertEdgeQuery
	}
	if _, err := db.ExecContext(ctx, query, edge.UpstreamID, edge.DownstreamID, string(edge.Kind), values, statuses); err != nil {
		return fmt.Errorf("insert edge %s->%s: %w", edge.UpstreamID, edge.DownstreamID, err)
	}
	return nil
}

func (s *EdgeStore) ListEdges(ctx context.Context, filter repo.EdgeFilter) ([]domain.RunEdge, error) {
	var p placeholders
	clauses := make([]string, 0, 3)
	if filter.UpstreamID != "" {
		clauses = append(clauses, "upstream_id = "+p.add(filter.UpstreamID))
	}
	if filter.DownstreamID != "" {
		clauses = append(clauses, "downstream_id = "+p.add(filter.DownstreamID))
	}
	if len(filter.Kinds) > 0 {
		clauses = append(clauses, "kind = ANY("+p.add(stringsOf(filter.Kinds))+")")
	}
	query := `SELECT upstream_id, downstream_id, kind, "values", statuses FROM run_edges`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY upstream_id, downstream_id"

	rows, err := s.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	edges := make([]domain.RunEdge, 0)
	for rows.Next() {
		var edge domain.RunEdge
		var values, statuses []byte
		if err := rows.Scan(&edge.UpstreamID, &edge.DownstreamID, &edge.Kind, &values, &statuses); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		if err := unmarshalIfSet(values, &edge.Values); err != nil {
			return nil, fmt.Errorf("decode edge values: %w", err)
		}
		if err := unmarshalIfSet(statuses, &edge.Statuses); err != nil {
			return nil, fmt.Errorf("decode edge statuses: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	return edges, nil
}
