package executor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDetectFramework(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		multi bool
		want  Framework
	}{
		{"single framework always playwright", map[string]string{"package.json": `{"devDependencies":{"vitest":"1"}}`}, false, FrameworkPlaywright},
		{"playwright config wins", map[string]string{"playwright.config.ts": "", "package.json": `{"devDependencies":{"jest":"29"}}`}, true, FrameworkPlaywright},
		{"generated config counts", map[string]string{"tm-ci.playwright.config.mjs": ""}, true, FrameworkPlaywright},
		{"vitest dependency", map[string]string{"package.json": `{"devDependencies":{"vitest":"1"}}`}, true, FrameworkVitest},
		{"jest dependency", map[string]string{"package.json": `{"dependencies":{"jest":"29"}}`}, true, FrameworkJest},
		{"test script", map[string]string{"package.json": `{"scripts":{"test":"jest --ci"}}`}, true, FrameworkJest},
		{"nothing", map[string]string{"package.json": `{}`}, true, FrameworkNone},
		{"no manifest", nil, true, FrameworkNone},
		{"bad manifest", map[string]string{"package.json": `{`}, true, FrameworkNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, dir, name, content)
			}
			require.Equal(t, tt.want, DetectFramework(dir, tt.multi))
		})
	}
}
