package tasks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/testmind-dev/tmrun/internal/executor"
	"github.com/testmind-dev/tmrun/internal/log"
)

// Allure directory names inside a run log directory.
const (
	AllureResultsDir = "allure-results"
	AllureReportDir  = "allure-report"
)

// AllureTimeout caps one generation attempt.
const AllureTimeout = 5 * time.Minute

// AllureGenerator converts raw allure-results into an HTML report.
type AllureGenerator struct {
	runner executor.CommandRunner
}

// NewAllureGenerator creates the allure.generate handler.
func NewAllureGenerator(runner executor.CommandRunner) *AllureGenerator {
	return &AllureGenerator{runner: runner}
}

// HasResults reports whether dir exists and holds at least one entry.
func HasResults(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// Handle runs `npx allure generate <results> --clean -o <report>` with the
// work dir's node_modules/.bin first on PATH.
func (g *AllureGenerator) Handle(ctx context.Context, t Task) error {
	results := filepath.Join(t.LogDir, AllureResultsDir)
	if !HasResults(results) {
		return fmt.Errorf("%w: no allure results in %s", ErrPermanent, results)
	}
	report := filepath.Join(t.LogDir, AllureReportDir)

	dir := t.WorkDir
	if dir == "" {
		dir = t.LogDir
	}
	cmd := executor.Command{
		Name:       "npx",
		Args:       []string{"allure", "generate", results, "--clean", "-o", report},
		Dir:        dir,
		PathPrefix: []string{filepath.Join(dir, "node_modules", ".bin")},
		Timeout:    AllureTimeout,
	}
	log.Debug(log.CatTask, "Generating allure report", "run", t.RunID, "cmd", cmd.String())

	res, err := g.runner.Run(ctx, cmd)
	if err != nil {
		return fmt.Errorf("allure generate: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("allure generate exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
