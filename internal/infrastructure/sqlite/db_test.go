package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "tmrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedProject(t *testing.T, db *DB, id string) *domain.Project {
	t.Helper()
	p := &domain.Project{ID: id, Name: "project " + id, RepoURL: "https://github.com/acme/app.git", CreatedAt: time.Now()}
	require.NoError(t, db.ProjectRepository().Save(context.Background(), p))
	return p
}

func TestNewDB_CreatesFileAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "tmrun.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, path, db.Path())

	for _, table := range []string{"projects", "runs", "test_cases", "test_results", "schema_migrations"} {
		var name string
		err := db.Connection().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

func TestNewDB_ReopenIsNoChangeAndBacksUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tmrun.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	seedProject(t, db, "p1")
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(path + ".bak")
	require.NoError(t, err)

	p, err := db.ProjectRepository().FindByID(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "project p1", p.Name)
}

func TestNewDB_ForeignKeysEnforced(t *testing.T) {
	db := newTestDB(t)
	run := domain.NewRun("r1", "missing-project", domain.TriggerUser, domain.RunParams{}, time.Now())
	err := db.RunRepository().Create(context.Background(), run)
	require.Error(t, err)
}

func TestMigrationDriver_LockUnlock(t *testing.T) {
	db := newTestDB(t)
	drv, err := newMigrationDriver(db.Connection())
	require.NoError(t, err)

	require.NoError(t, drv.Lock())
	require.Error(t, drv.Lock())
	require.NoError(t, drv.Unlock())
	require.Error(t, drv.Unlock())

	version, dirty, err := drv.Version()
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, 3, version)
}
