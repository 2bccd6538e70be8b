package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

var _ domain.ResultRepository = (*resultRepository)(nil)

type resultRepository struct {
	db  *sql.DB
	now func() time.Time
}

func newResultRepository(db *sql.DB) *resultRepository {
	return &resultRepository{db: db, now: time.Now}
}

func (r *resultRepository) Ingest(ctx context.Context, projectID, runID string, outcomes []domain.CaseOutcome) (domain.Counts, error) {
	var counts domain.Counts

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("begin ingest: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert, err := tx.PrepareContext(ctx, `INSERT INTO test_cases (project_id, key, title)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id, key) DO UPDATE SET title = excluded.title
		RETURNING id`)
	if err != nil {
		return counts, fmt.Errorf("prepare case upsert: %w", err)
	}
	defer func() { _ = upsert.Close() }()

	insert, err := tx.PrepareContext(ctx, `INSERT INTO test_results
		(run_id, test_case_id, status, duration_ms, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return counts, fmt.Errorf("prepare result insert: %w", err)
	}
	defer func() { _ = insert.Close() }()

	created := r.now().UnixMilli()
	for _, o := range outcomes {
		status := o.Status
		if !status.IsValid() {
			status = domain.ResultError
		}

		var caseID int64
		if err := upsert.QueryRowContext(ctx, projectID, o.Key(), o.FullName).Scan(&caseID); err != nil {
			return domain.Counts{}, fmt.Errorf("upsert case %q: %w", o.Key(), err)
		}
		if _, err := insert.ExecContext(ctx, runID, caseID, string(status),
			o.DurationMs, nullString(o.Message), created); err != nil {
			return domain.Counts{}, fmt.Errorf("insert result for %q: %w", o.Key(), err)
		}
		counts.Add(status)
	}

	if err := tx.Commit(); err != nil {
		return domain.Counts{}, fmt.Errorf("commit ingest: %w", err)
	}
	return counts, nil
}

func (r *resultRepository) ListByRun(ctx context.Context, runID string) ([]domain.ResultView, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT r.id, r.run_id, r.test_case_id, r.status,
			r.duration_ms, r.message, r.created_at, c.key, c.title
		FROM test_results r JOIN test_cases c ON c.id = r.test_case_id
		WHERE r.run_id = ? ORDER BY r.id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var views []domain.ResultView
	for rows.Next() {
		var (
			v       domain.ResultView
			status  string
			created int64
		)
		if err := rows.Scan(&v.ID, &v.RunID, &v.TestCaseID, &status, &v.DurationMs,
			&v.Message, &created, &v.CaseKey, &v.CaseTitle); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		v.Status = domain.ResultStatus(status)
		v.CreatedAt = time.UnixMilli(created)
		views = append(views, v)
	}
	return views, rows.Err()
}

func (r *resultRepository) CountCases(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM test_cases WHERE project_id = ?`, projectID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cases: %w", err)
	}
	return n, nil
}
