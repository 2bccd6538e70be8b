package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

// Compile-time interface assertion.
var _ domain.RunRepository = (*runRepository)(nil)

type runRepository struct {
	db *sql.DB
}

func newRunRepository(db *sql.DB) *runRepository {
	return &runRepository{db: db}
}

const runColumns = `id, project_id, status, trigger, params, summary, error, artifacts,
	created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*RunModel, error) {
	var m RunModel
	err := s.Scan(&m.ID, &m.ProjectID, &m.Status, &m.Trigger, &m.Params, &m.Summary,
		&m.Error, &m.Artifacts, &m.CreatedAt, &m.StartedAt, &m.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *runRepository) Create(ctx context.Context, run *domain.Run) error {
	if run.Status() != domain.RunStatusQueued {
		return fmt.Errorf("create run %s: status must be queued, got %s", run.ID(), run.Status())
	}
	m, err := toRunModel(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, m.Status, m.Trigger, m.Params, m.Summary, m.Error, m.Artifacts,
		m.CreatedAt, m.StartedAt, m.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Save guards the write with the set of statuses the stored row may hold.
// A terminal row is never overwritten, so the first finalizer wins.
func (r *runRepository) Save(ctx context.Context, run *domain.Run) error {
	m, err := toRunModel(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}

	allowed := run.Status().Predecessors()
	if !run.Status().IsTerminal() {
		allowed = append(allowed, run.Status())
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(allowed)), ",")

	args := []any{m.Status, m.Summary, m.Error, m.Artifacts, m.StartedAt, m.FinishedAt, m.ID}
	for _, s := range allowed {
		args = append(args, string(s))
	}

	res, err := r.db.ExecContext(ctx, `UPDATE runs
		SET status = ?, summary = ?, error = ?, artifacts = ?, started_at = ?, finished_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n > 0 {
		return nil
	}

	stored, err := r.FindByID(ctx, run.ID())
	if err != nil {
		return err
	}
	return &domain.InvalidTransitionError{RunID: run.ID(), From: stored.Status(), To: run.Status()}
}

func (r *runRepository) FindByID(ctx context.Context, id string) (*domain.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	m, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.RunNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return m.toDomain()
}

func (r *runRepository) List(ctx context.Context, filter domain.RunFilter) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return r.queryRuns(ctx, query, args...)
}

func (r *runRepository) ListUnfinished(ctx context.Context) ([]*domain.Run, error) {
	return r.queryRuns(ctx, `SELECT `+runColumns+` FROM runs
		WHERE status IN ('queued', 'running') ORDER BY created_at ASC, rowid ASC`)
}

func (r *runRepository) queryRuns(ctx context.Context, query string, args ...any) ([]*domain.Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*domain.Run
	for rows.Next() {
		m, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run, err := m.toDomain()
		if err != nil {
			return nil, fmt.Errorf("decode run %s: %w", m.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
