package executor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Framework identifies the test runner.
type Framework string

const (
	FrameworkPlaywright Framework = "playwright"
	FrameworkVitest     Framework = "vitest"
	FrameworkJest       Framework = "jest"
	FrameworkNone       Framework = "none"
)

var configExts = []string{"ts", "js", "cjs", "mjs"}

// DetectFramework picks the runner for dir. Without multi-framework support
// Playwright is always used. Otherwise a Playwright config wins, then vitest
// or jest as declared in package.json dependencies or the test script.
func DetectFramework(dir string, multiFramework bool) Framework {
	if !multiFramework || hasPlaywrightConfig(dir) {
		return FrameworkPlaywright
	}

	data, err := os.ReadFile(filepath.Join(dir, "package.json")) //nolint:gosec // G304: workspace manifest
	if err != nil {
		return FrameworkNone
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
		Scripts         map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return FrameworkNone
	}
	has := func(dep string) bool {
		_, a := pkg.Dependencies[dep]
		_, b := pkg.DevDependencies[dep]
		return a || b
	}
	switch {
	case has("vitest"):
		return FrameworkVitest
	case has("jest"):
		return FrameworkJest
	case strings.Contains(pkg.Scripts["test"], "vitest"):
		return FrameworkVitest
	case strings.Contains(pkg.Scripts["test"], "jest"):
		return FrameworkJest
	}
	return FrameworkNone
}

func hasPlaywrightConfig(dir string) bool {
	for _, ext := range configExts {
		for _, name := range []string{"playwright.config." + ext, "tm-ci.playwright.config." + ext} {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return true
			}
		}
	}
	return false
}
