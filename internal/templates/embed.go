package templates

import (
	"embed"
	"io/fs"
)

// Runner config templates, one per execution mode:
//   - runner/tm-ci.playwright.config.ts.tmpl (repository runs, with a web server)
//   - runner/tm-ai.playwright.config.mjs.tmpl (generated-only runs, no server)
//
//go:embed runner
var runnerTemplates embed.FS

// Template file names inside RunnerFS.
const (
	FullConfig          = "runner/tm-ci.playwright.config.ts.tmpl"
	GeneratedOnlyConfig = "runner/tm-ai.playwright.config.mjs.tmpl"
)

// RunnerFS returns the embedded runner config templates.
func RunnerFS() fs.FS {
	return runnerTemplates
}

// Runner returns the template text for name.
func Runner(name string) (string, error) {
	data, err := fs.ReadFile(runnerTemplates, name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
