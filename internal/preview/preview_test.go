package preview

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewest(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "a", "old.png")
	fresh := filepath.Join(dir, "b", "c", "new.PNG")
	require.NoError(t, os.MkdirAll(filepath.Dir(old), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(fresh), 0o755))
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "trace.zip"), []byte("z"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	got, ok := Newest(dir)
	require.True(t, ok)
	require.Equal(t, fresh, got)

	_, ok = Newest(t.TempDir())
	require.False(t, ok)
}

func TestPreview_MirrorsNestedScreenshot(t *testing.T) {
	src := filepath.Join(t.TempDir(), "test-results")
	logDir := t.TempDir()

	p, err := New(Config{SourceDir: src, LogDir: logDir, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	defer func() { _ = p.Stop() }()

	nested := filepath.Join(src, "login-chromium")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	// Give the watcher a moment to pick up the new directory.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(nested, "step-1.png"), []byte("frame-1"), 0o644))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(LatestPath(logDir))
		return err == nil && string(data) == "frame-1"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPreview_StopCopiesFinalFrame(t *testing.T) {
	src := t.TempDir()
	logDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "final.png"), []byte("last"), 0o644))

	p, err := New(Config{SourceDir: src, LogDir: logDir, Debounce: time.Hour})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	data, err := os.ReadFile(LatestPath(logDir))
	require.NoError(t, err)
	require.Equal(t, "last", string(data))
}
