package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

var _ domain.ProjectRepository = (*projectRepository)(nil)

type projectRepository struct {
	db *sql.DB
}

func newProjectRepository(db *sql.DB) *projectRepository {
	return &projectRepository{db: db}
}

func (r *projectRepository) Save(ctx context.Context, p *domain.Project) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO projects
		(id, name, owner_id, repo_url, git_token, secrets, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			owner_id = excluded.owner_id,
			repo_url = excluded.repo_url,
			git_token = excluded.git_token,
			secrets = excluded.secrets`,
		p.ID, p.Name, p.OwnerID, p.RepoURL, nullString(p.GitToken), nullString(p.Secrets),
		created.UnixMilli())
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

func (r *projectRepository) FindByID(ctx context.Context, id string) (*domain.Project, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, owner_id, repo_url, git_token, secrets, created_at
		FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ProjectNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}
	return p, nil
}

func (r *projectRepository) List(ctx context.Context) ([]*domain.Project, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, owner_id, repo_url, git_token, secrets, created_at
		FROM projects ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProject(s rowScanner) (*domain.Project, error) {
	var (
		p       domain.Project
		token   *string
		secrets *string
		created int64
	)
	if err := s.Scan(&p.ID, &p.Name, &p.OwnerID, &p.RepoURL, &token, &secrets, &created); err != nil {
		return nil, err
	}
	p.GitToken = derefString(token)
	p.Secrets = derefString(secrets)
	p.CreatedAt = time.UnixMilli(created)
	return &p, nil
}
