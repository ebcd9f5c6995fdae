package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
	"github.com/animus-labs/animus-orchestrator/internal/repo"
)

const runColumns = `run_id, project_id, user_id, name, description, tags, kind, runtime, status,
	status_conditions, pending, managed_by, cloning_kind, original_id, pipeline_id, controller_id,
	state, component_state, inputs, outputs, params, content, raw_content, meta_info, resources,
	live_state, schedule_at, checked_at, created_at, updated_at, started_at, finished_at,
	wait_time, duration, deleted_at`

const insertRunQuery = `INSERT INTO runs (` + runColumns + `) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,
	$26,$27,$28,$29,$30,$31,$32,$33,$34,$35)`

const selectRunQuery = `SELECT ` + runColumns + ` FROM runs WHERE run_id = $1`

// orderColumns maps RunFilter.OrderBy values to SQL; anything else sorts by created_at.
var orderColumns = map[string]string{
	"created_at":  "created_at",
	"updated_at":  "updated_at",
	"finished_at": "finished_at",
	"schedule_at": "schedule_at",
	"name":        "name",
}

type RunStore struct {
	db  TxDB
	now func() time.Time
}

func NewRunStore(db TxDB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRunQuery, id))
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) FindRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	var p placeholders
	query := `SELECT ` + runColumns + ` FROM runs` + whereClause(&p, filter) + orderClause(filter.OrderBy)
	if filter.Limit > 0 {
		query += " LIMIT " + p.add(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + p.add(filter.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, fmt.Errorf("find runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) CountRuns(ctx context.Context, filter repo.RunFilter) (int, error) {
	var p placeholders
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM runs`+whereClause(&p, filter), p.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// CreateRuns inserts runs then edges in one transaction.
func (s *RunStore) CreateRuns(ctx context.Context, runs []domain.Run, edges []domain.RunEdge) error {
	for _, run := range runs {
		if err := run.Validate(); err != nil {
			return err
		}
	}
	now := s.now()
	return withTx(ctx, s.db, func(tx DB) error {
		for _, run := range runs {
			if run.CreatedAt.IsZero() {
				run.CreatedAt = now
			}
			run.UpdatedAt = now
			args, err := runArgs(run)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, insertRunQuery, args...); err != nil {
				return fmt.Errorf("insert run %s: %w", run.ID, err)
			}
		}
		for _, edge := range edges {
			if err := insertEdge(ctx, tx, edge, false); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *RunStore) UpdateRun(ctx context.Context, run domain.Run, fields ...repo.RunField) error {
	return s.UpdateRuns(ctx, []domain.Run{run}, fields...)
}

// UpdateRuns writes fields of every run in one transaction and stamps updated_at.
func (s *RunStore) UpdateRuns(ctx context.Context, runs []domain.Run, fields ...repo.RunField) error {
	if len(runs) == 0 {
		return nil
	}
	now := s.now()
	return withTx(ctx, s.db, func(tx DB) error {
		for _, run := range runs {
			query, args, err := updateQuery(run, fields, now)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("update run %s: %w", run.ID, err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return repo.ErrNotFound
			}
		}
		return nil
	})
}

func updateQuery(run domain.Run, fields []repo.RunField, now time.Time) (string, []any, error) {
	var p placeholders
	sets := make([]string, 0, len(fields)+1)
	seen := map[repo.RunField]struct{}{}
	for _, field := range fields {
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		value, err := fieldValue(run, field)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, fmt.Sprintf("%s = %s", field, p.add(value)))
	}
	sets = append(sets, "updated_at = "+p.add(now))
	query := fmt.Sprintf("UPDATE runs SET %s WHERE run_id = %s", strings.Join(sets, ", "), p.add(run.ID))
	return query, p.args, nil
}

func fieldValue(run domain.Run, field repo.RunField) (any, error) {
	switch field {
	case repo.FieldName:
		return nullIfEmpty(run.Name), nil
	case repo.FieldDescription:
		return nullIfEmpty(run.Description), nil
	case repo.FieldTags:
		return encodeJSON(run.Tags, "[]")
	case repo.FieldProjectID:
		return run.ProjectID, nil
	case repo.FieldKind:
		return string(run.Kind), nil
	case repo.FieldRuntime:
		return nullIfEmpty(run.Runtime), nil
	case repo.FieldStatus:
		return string(run.Status), nil
	case repo.FieldStatusConditions:
		return encodeJSON(run.StatusConditions, "[]")
	case repo.FieldPending:
		return nullIfEmpty(run.Pending), nil
	case repo.FieldCloningKind:
		return nullIfEmpty(run.CloningKind), nil
	case repo.FieldOriginalID:
		return nullIfEmpty(run.OriginalID), nil
	case repo.FieldState:
		return nullIfEmpty(run.State), nil
	case repo.FieldComponentState:
		return nullIfEmpty(run.ComponentState), nil
	case repo.FieldInputs:
		return encodeMetadata(run.Inputs)
	case repo.FieldOutputs:
		return encodeMetadata(run.Outputs)
	case repo.FieldParams:
		return encodeJSON(run.Params, "{}")
	case repo.FieldContent:
		return nullIfEmpty(run.Content), nil
	case repo.FieldRawContent:
		return nullIfEmpty(run.RawContent), nil
	case repo.FieldMetaInfo:
		return encodeMetadata(run.MetaInfo)
	case repo.FieldResources:
		return json.Marshal(run.Resources)
	case repo.FieldLiveState:
		return string(run.LiveState), nil
	case repo.FieldScheduleAt:
		return nullTime(run.ScheduleAt), nil
	case repo.FieldCheckedAt:
		return nullTime(run.CheckedAt), nil
	case repo.FieldStartedAt:
		return nullTime(run.StartedAt), nil
	case repo.FieldFinishedAt:
		return nullTime(run.FinishedAt), nil
	case repo.FieldWaitTime:
		return run.WaitTime, nil
	case repo.FieldDuration:
		return run.Duration, nil
	case repo.FieldDeletedAt:
		return nullTime(run.DeletedAt), nil
	default:
		return nil, fmt.Errorf("unknown run field %q", field)
	}
}

func runArgs(run domain.Run) ([]any, error) {
	values := make([]any, 0, 35)
	values = append(values, run.ID, run.ProjectID, nullIfEmpty(run.UserID))
	for _, field := range []repo.RunField{
		repo.FieldName, repo.FieldDescription, repo.FieldTags, repo.FieldKind, repo.FieldRuntime,
		repo.FieldStatus, repo.FieldStatusConditions, repo.FieldPending,
	} {
		v, err := fieldValue(run, field)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", field, err)
		}
		values = append(values, v)
	}
	managedBy := run.ManagedBy
	if managedBy == "" {
		managedBy = domain.ManagedByAgent
	}
	values = append(values, string(managedBy))
	for _, field := range []repo.RunField{repo.FieldCloningKind, repo.FieldOriginalID} {
		v, _ := fieldValue(run, field)
		values = append(values, v)
	}
	values = append(values, nullIfEmpty(run.PipelineID), nullIfEmpty(run.ControllerID))
	for _, field := range []repo.RunField{
		repo.FieldState, repo.FieldComponentState, repo.FieldInputs, repo.FieldOutputs, repo.FieldParams,
		repo.FieldContent, repo.FieldRawContent, repo.FieldMetaInfo, repo.FieldResources,
	} {
		v, err := fieldValue(run, field)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", field, err)
		}
		values = append(values, v)
	}
	liveState := run.LiveState
	if liveState == "" {
		liveState = domain.LiveStateLive
	}
	values = append(values,
		string(liveState),
		nullTime(run.ScheduleAt),
		nullTime(run.CheckedAt),
		normalizeTime(run.CreatedAt),
		normalizeTime(run.UpdatedAt),
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
		run.WaitTime,
		run.Duration,
		nullTime(run.DeletedAt),
	)
	return values, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run                                               domain.Run
		userID, name, description, runtime, pending       sql.NullString
		cloningKind, originalID, pipelineID, controllerID sql.NullString
		state, componentState, content, rawContent        sql.NullString
		tags, conditions, inputs, outputs, params         []byte
		metaInfo, resources                               []byte
		scheduleAt, checkedAt, startedAt, finishedAt      sql.NullTime
		deletedAt                                         sql.NullTime
	)
	if err := row.Scan(
		&run.ID, &run.ProjectID, &userID, &name, &description, &tags, &run.Kind, &runtime, &run.Status,
		&conditions, &pending, &run.ManagedBy, &cloningKind, &originalID, &pipelineID, &controllerID,
		&state, &componentState, &inputs, &outputs, &params, &content, &rawContent, &metaInfo, &resources,
		&run.LiveState, &scheduleAt, &checkedAt, &run.CreatedAt, &run.UpdatedAt, &startedAt, &finishedAt,
		&run.WaitTime, &run.Duration, &deletedAt,
	); err != nil {
		return domain.Run{}, err
	}
	run.UserID = userID.String
	run.Name = name.String
	run.Description = description.String
	run.Runtime = domain.Runtime(runtime.String)
	run.Pending = domain.Pending(pending.String)
	run.CloningKind = domain.CloningKind(cloningKind.String)
	run.OriginalID = originalID.String
	run.PipelineID = pipelineID.String
	run.ControllerID = controllerID.String
	run.State = state.String
	run.ComponentState = componentState.String
	run.Content = content.String
	run.RawContent = rawContent.String
	run.ScheduleAt = timePtr(scheduleAt)
	run.CheckedAt = timePtr(checkedAt)
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	run.DeletedAt = timePtr(deletedAt)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()

	if err := unmarshalIfSet(tags, &run.Tags); err != nil {
		return domain.Run{}, fmt.Errorf("decode tags: %w", err)
	}
	if err := unmarshalIfSet(conditions, &run.StatusConditions); err != nil {
		return domain.Run{}, fmt.Errorf("decode status conditions: %w", err)
	}
	if err := unmarshalIfSet(params, &run.Params); err != nil {
		return domain.Run{}, fmt.Errorf("decode params: %w", err)
	}
	if err := unmarshalIfSet(resources, &run.Resources); err != nil {
		return domain.Run{}, fmt.Errorf("decode resources: %w", err)
	}
	var err error
	if run.Inputs, err = decodeMetadata(inputs); err != nil {
		return domain.Run{}, fmt.Errorf("decode inputs: %w", err)
	}
	if run.Outputs, err = decodeMetadata(outputs); err != nil {
		return domain.Run{}, fmt.Errorf("decode outputs: %w", err)
	}
	if run.MetaInfo, err = decodeMetadata(metaInfo); err != nil {
		return domain.Run{}, fmt.Errorf("decode meta info: %w", err)
	}
	return run, nil
}

func unmarshalIfSet(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func whereClause(p *placeholders, f repo.RunFilter) string {
	clauses := make([]string, 0, 8)
	eq := func(column, value string) {
		if value = strings.TrimSpace(value); value != "" {
			clauses = append(clauses, column+" = "+p.add(value))
		}
	}
	in := func(column string, values []string) {
		if len(values) > 0 {
			clauses = append(clauses, column+" = ANY("+p.add(values)+")")
		}
	}
	in("run_id", f.IDs)
	eq("project_id", f.ProjectID)
	in("status", stringsOf(f.Statuses))
	if len(f.ExcludeStatuses) > 0 {
		clauses = append(clauses, "NOT (status = ANY("+p.add(stringsOf(f.ExcludeStatuses))+"))")
	}
	in("kind", stringsOf(f.Kinds))
	in("runtime", stringsOf(f.Runtimes))
	eq("managed_by", string(f.ManagedBy))
	if f.PendingIsNull {
		clauses = append(clauses, "pending IS NULL")
	}
	eq("pending", string(f.Pending))
	eq("state", f.State)
	eq("pipeline_id", f.PipelineID)
	eq("controller_id", f.ControllerID)
	if f.ControllerIsNull {
		clauses = append(clauses, "controller_id IS NULL")
	}
	eq("original_id", f.OriginalID)
	if len(f.CloningKinds) > 0 {
		kinds := stringsOf(f.CloningKinds)
		clause := "cloning_kind = ANY(" + p.add(kinds) + ")"
		for _, k := range f.CloningKinds {
			if k == domain.CloningNone {
				clause = "(" + clause + " OR cloning_kind IS NULL)"
				break
			}
		}
		clauses = append(clauses, clause)
	}
	eq("live_state", string(f.LiveState))
	if f.ScheduleAtBefore != nil {
		clauses = append(clauses, "schedule_at <= "+p.add(f.ScheduleAtBefore.UTC()))
	}
	if f.CheckedAtBefore != nil {
		clauses = append(clauses, "(checked_at IS NULL OR checked_at <= "+p.add(f.CheckedAtBefore.UTC())+")")
	}
	if f.UpdatedAtBefore != nil {
		clauses = append(clauses, "updated_at <= "+p.add(f.UpdatedAtBefore.UTC()))
	}
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

func orderClause(orderBy string) string {
	direction := "ASC"
	if strings.HasPrefix(orderBy, "-") {
		direction = "DESC"
	}
	column, ok := orderColumns[strings.TrimPrefix(orderBy, "-")]
	if !ok {
		column = "created_at"
	}
	return fmt.Sprintf(" ORDER BY %s %s NULLS LAST, run_id %s", column, direction, direction)
}
