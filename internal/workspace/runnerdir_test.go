package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestFindRunnerDir(t *testing.T) {
	t.Run("config in app wins over declared dependency", func(t *testing.T) {
		root := t.TempDir()
		touch(t, filepath.Join(root, "apps", "admin", "package.json"), `{"devDependencies":{"@playwright/test":"1"}}`)
		touch(t, filepath.Join(root, "apps", "web", "playwright.config.ts"), "")
		assert.Equal(t, filepath.Join(root, "apps", "web"), FindRunnerDir(root))
	})

	t.Run("root config wins", func(t *testing.T) {
		root := t.TempDir()
		touch(t, filepath.Join(root, "playwright.config.js"), "")
		touch(t, filepath.Join(root, "apps", "web", "playwright.config.ts"), "")
		assert.Equal(t, root, FindRunnerDir(root))
	})

	t.Run("declared dependency", func(t *testing.T) {
		root := t.TempDir()
		touch(t, filepath.Join(root, "packages", "e2e", "package.json"), `{"devDependencies":{"@playwright/test":"1"}}`)
		assert.Equal(t, filepath.Join(root, "packages", "e2e"), FindRunnerDir(root))
	})

	t.Run("fallback to root", func(t *testing.T) {
		root := t.TempDir()
		touch(t, filepath.Join(root, "apps", "web", "package.json"), `not json`)
		assert.Equal(t, root, FindRunnerDir(root))
	})
}

func TestHasViteConfig(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, HasViteConfig(dir))
	touch(t, filepath.Join(dir, "vite.config.mts"), "")
	assert.True(t, HasViteConfig(dir))
}
