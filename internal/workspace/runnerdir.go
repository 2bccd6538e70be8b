package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

// runnerConfigs are checked in order; generated configs win over hand-written ones.
var runnerConfigs = []string{
	"tm-ci.playwright.config.ts", "tm-ci.playwright.config.mjs", "tm-ci.playwright.config.js",
	"playwright.config.ts", "playwright.config.mjs", "playwright.config.js", "playwright.config.cjs",
}

var viteConfigs = []string{"vite.config.ts", "vite.config.js", "vite.config.mts", "vite.config.mjs", "vite.config.cjs"}

// FindRunnerDir picks the directory the test runner is invoked in: the root
// or a direct child of apps/ or packages/. A directory holding a Playwright
// config wins, then one declaring @playwright/test, then the root itself.
func FindRunnerDir(root string) string {
	candidates := []string{root}
	for _, base := range []string{"apps", "packages"} {
		entries, err := os.ReadDir(filepath.Join(root, base))
		if err != nil {
			continue
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, n := range names {
			candidates = append(candidates, filepath.Join(root, base, n))
		}
	}

	for _, dir := range candidates {
		for _, name := range runnerConfigs {
			if fileExists(filepath.Join(dir, name)) {
				return dir
			}
		}
	}
	for _, dir := range candidates {
		if declaresPlaywright(dir) {
			return dir
		}
	}
	return root
}

// HasViteConfig reports whether dir is a Vite app that needs a build before
// `vite preview` can serve it.
func HasViteConfig(dir string) bool {
	for _, name := range viteConfigs {
		if fileExists(filepath.Join(dir, name)) {
			return true
		}
	}
	return false
}

func declaresPlaywright(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "package.json")) //nolint:gosec // G304: workspace manifest
	if err != nil {
		return false
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if json.Unmarshal(data, &pkg) != nil {
		return false
	}
	_, a := pkg.Dependencies["@playwright/test"]
	_, b := pkg.DevDependencies["@playwright/test"]
	return a || b
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
