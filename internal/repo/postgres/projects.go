package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-orchestrator/internal/domain"
)

type ProjectStore struct {
	db DB
}

func NewProjectStore(db DB) *ProjectStore {
	if db == nil {
		return nil
	}
	return &ProjectStore{db: db}
}

func (s *ProjectStore) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var project domain.Project
	err := s.db.QueryRowContext(ctx, `SELECT project_id, name, owner FROM projects WHERE project_id = $1`, strings.TrimSpace(id)).
		Scan(&project.ID, &project.Name, &project.Owner)
	if err != nil {
		return domain.Project{}, handleNotFound(err)
	}
	return project, nil
}

func (s *ProjectStore) GetProjectByName(ctx context.Context, owner, name string) (domain.Project, error) {
	var project domain.Project
	err := s.db.QueryRowContext(ctx, `SELECT project_id, name, owner FROM projects WHERE owner = $1 AND name = $2`,
		strings.TrimSpace(owner), strings.TrimSpace(name)).
		Scan(&project.ID, &project.Name, &project.Owner)
	if err != nil {
		return domain.Project{}, handleNotFound(err)
	}
	return project, nil
}

func (s *ProjectStore) GetVersion(ctx context.Context, projectID string, kind domain.VersionKind, name string) (domain.ProjectVersion, error) {
	var (
		version domain.ProjectVersion
		runID   sql.NullString
		path    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version_id, project_id, kind, name, run_id, path, created_at
		 FROM project_versions
		 WHERE project_id = $1 AND kind = $2 AND name = $3`,
		strings.TrimSpace(projectID), string(kind), strings.TrimSpace(name),
	).Scan(&version.ID, &version.ProjectID, &version.Kind, &version.Name, &runID, &path, &version.CreatedAt)
	if err != nil {
		return domain.ProjectVersion{}, handleNotFound(fmt.Errorf("get version %s/%s: %w", kind, name, err))
	}
	version.RunID = runID.String
	version.Path = path.String
	version.CreatedAt = version.CreatedAt.UTC()
	return version, nil
}
