// Package runnerconfig writes the per-run Playwright configuration file.
package runnerconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/testmind-dev/tmrun/internal/log"
	"github.com/testmind-dev/tmrun/internal/templates"
)

// File names the runner config is written under, per variant.
const (
	FullFileName          = "tm-ci.playwright.config.ts"
	GeneratedOnlyFileName = "tm-ai.playwright.config.mjs"
)

// Variant selects the template.
type Variant int

const (
	// Full declares a startable, reusable web server.
	Full Variant = iota
	// GeneratedOnly has no server lifecycle.
	GeneratedOnly
)

// Params parameterize one config file.
type Params struct {
	Variant Variant
	Port    int

	// BaseURL overrides the URL derived from Port.
	BaseURL string

	// TestDir is the spec directory, relative to the config file for Full
	// and absolute for GeneratedOnly.
	TestDir string

	JSONReport    string
	AllureResults string

	// Grep is a regex source; empty means no filter.
	Grep string

	Workers     string
	MaxFailures int

	TestTimeoutMs       int
	ExpectTimeoutMs     int
	ActionTimeoutMs     int
	NavigationTimeoutMs int
	WebServerTimeoutMs  int

	// WebServerCommand may contain "{port}".
	WebServerCommand string
}

var numeric = regexp.MustCompile(`^[0-9]+$`)

// ResolvedBaseURL returns BaseURL or the localhost URL for Port.
func (p Params) ResolvedBaseURL() string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return fmt.Sprintf("http://localhost:%d", p.Port)
}

// FileName returns the config file name for the variant.
func (p Params) FileName() string {
	if p.Variant == GeneratedOnly {
		return GeneratedOnlyFileName
	}
	return FullFileName
}

// Render substitutes every placeholder of the variant's template.
func Render(p Params) (string, error) {
	name := templates.FullConfig
	if p.Variant == GeneratedOnly {
		name = templates.GeneratedOnlyConfig
	}
	text, err := templates.Runner(name)
	if err != nil {
		return "", fmt.Errorf("load template %s: %w", name, err)
	}

	grep := "undefined"
	if p.Grep != "" {
		grep = "new RegExp(" + jsString(p.Grep) + ")"
	}
	allure := `""`
	if p.AllureResults != "" {
		allure = jsString(p.AllureResults)
	}

	r := strings.NewReplacer(
		"__TM_PORT__", strconv.Itoa(p.Port),
		"__TM_BASE_URL__", jsString(p.ResolvedBaseURL()),
		"__TM_TEST_DIR__", jsEscape(filepath.ToSlash(p.TestDir)),
		"__TM_JSON_REPORT__", jsString(p.JSONReport),
		"__TM_ALLURE_RESULTS__", allure,
		"__TM_GREP__", grep,
		"__TM_WORKERS__", workers(p.Workers),
		"__TM_MAX_FAILURES__", strconv.Itoa(p.MaxFailures),
		"__TM_TEST_TIMEOUT__", strconv.Itoa(p.TestTimeoutMs),
		"__TM_EXPECT_TIMEOUT__", strconv.Itoa(p.ExpectTimeoutMs),
		"__TM_ACTION_TIMEOUT__", strconv.Itoa(p.ActionTimeoutMs),
		"__TM_NAVIGATION_TIMEOUT__", strconv.Itoa(p.NavigationTimeoutMs),
		"__TM_WEB_SERVER_TIMEOUT__", strconv.Itoa(p.WebServerTimeoutMs),
		"__TM_WEB_SERVER_COMMAND__", jsString(strings.ReplaceAll(p.WebServerCommand, "{port}", strconv.Itoa(p.Port))),
	)
	return r.Replace(text), nil
}

// Write renders p and writes it to dir, deleting any previous file first.
// It returns the written path.
func Write(dir string, p Params) (string, error) {
	text, err := Render(p)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, p.FileName())
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove stale runner config: %w", err)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil { //nolint:gosec // G306: read by the runner
		return "", fmt.Errorf("write runner config: %w", err)
	}
	log.Info(log.CatRunCfg, "Wrote runner config", "path", path, "port", p.Port, "testDir", p.TestDir)
	return path, nil
}

func workers(w string) string {
	switch {
	case w == "":
		return "undefined"
	case numeric.MatchString(w):
		return w
	default:
		return jsString(w)
	}
}

// jsString renders s as a double-quoted JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// jsEscape escapes s for use inside an existing double-quoted literal.
func jsEscape(s string) string {
	q := jsString(s)
	return q[1 : len(q)-1]
}
