// Package ingest turns a runner report into stored results and decides how a
// run finalizes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/testmind-dev/tmrun/internal/log"
	"github.com/testmind-dev/tmrun/internal/report"
	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

// MissingReportDiagnostic is logged when the runner produced no report.
const MissingReportDiagnostic = "[runner] report.json missing – Playwright likely didn't execute. Check dependency install and webServer."

// Outcome is what ingestion produced.
type Outcome struct {
	ReportFound bool
	Format      report.Format
	Counts      domain.Counts
	Cases       []report.Case

	// MissingLocators were written to the log dir for remediation.
	MissingLocators int
}

// Ingestor parses reports and writes results in one transaction.
type Ingestor struct {
	results domain.ResultRepository
}

// NewIngestor creates an Ingestor.
func NewIngestor(results domain.ResultRepository) *Ingestor {
	return &Ingestor{results: results}
}

// Ingest parses the report at reportPath and stores one result per case.
// A missing report is not an error: the outcome has ReportFound false.
// Parse and storage failures are returned and nothing is written.
func (i *Ingestor) Ingest(ctx context.Context, projectID, runID, reportPath, logDir string) (*Outcome, error) {
	out := &Outcome{}
	if reportPath == "" {
		return out, nil
	}
	if _, err := os.Stat(reportPath); errors.Is(err, os.ErrNotExist) {
		return out, nil
	}

	cases, format, err := report.ParseFile(reportPath)
	if err != nil {
		return nil, fmt.Errorf("report parse failed: %w", err)
	}
	out.ReportFound = true
	out.Format = format
	out.Cases = cases

	if logDir != "" {
		items := DetectMissingLocators(cases)
		if err := AppendMissingLocators(filepath.Join(logDir, MissingLocatorsFile), items); err != nil {
			log.Warn(log.CatIngest, "Failed to write missing locators", "run", runID, "error", err.Error())
		} else {
			out.MissingLocators = len(items)
		}
	}

	counts, err := i.results.Ingest(ctx, projectID, runID, report.Outcomes(cases))
	if err != nil {
		return nil, fmt.Errorf("store results: %w", err)
	}
	out.Counts = counts
	log.Info(log.CatIngest, "Results ingested",
		"run", runID,
		"format", string(format),
		"parsed", counts.Parsed,
		"passed", counts.Passed,
		"failed", counts.Failed,
		"skipped", counts.Skipped)
	return out, nil
}

// Decision is the terminal state a finished run should take.
type Decision struct {
	Status domain.RunStatus
	Error  string
}

// Decide applies the finalization rule: succeeded iff zero failed cases and
// a clean process exit. A nonzero exit with a clean report still fails.
func Decide(counts domain.Counts, exitCode int, timedOut bool, stderr string) Decision {
	if counts.Failed == 0 && exitCode == 0 && !timedOut {
		return Decision{Status: domain.RunStatusSucceeded}
	}
	return Decision{Status: domain.RunStatusFailed, Error: RunError(stderr)}
}

// ShouldRemediate reports whether a failed run gets a remediation task.
func ShouldRemediate(d Decision, counts domain.Counts) bool {
	return d.Status == domain.RunStatusFailed && counts.Failed > 0
}
