package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/testmind-dev/tmrun/internal/ingest"
	"github.com/testmind-dev/tmrun/internal/log"
	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

// RemediationFile is written to the run log directory for the healing agent.
const RemediationFile = "remediation-request.json"

// FailedCase is one failing test in a remediation request.
type FailedCase struct {
	Key     string `json:"key"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// RemediationRequest is the document consumed by the out-of-process healer.
type RemediationRequest struct {
	RunID           string                  `json:"runId"`
	ProjectID       string                  `json:"projectId"`
	CreatedAt       time.Time               `json:"createdAt"`
	FailedCases     []FailedCase            `json:"failedCases"`
	MissingLocators []ingest.MissingLocator `json:"missingLocators,omitempty"`
}

// Remediator collects a failed run's failing cases and locator hints.
type Remediator struct {
	results domain.ResultRepository
	now     func() time.Time
}

// NewRemediator creates the remediation handler.
func NewRemediator(results domain.ResultRepository) *Remediator {
	return &Remediator{results: results, now: time.Now}
}

// Handle writes RemediationFile. A run without failing cases is a
// permanent failure: there is nothing to heal.
func (r *Remediator) Handle(ctx context.Context, t Task) error {
	views, err := r.results.ListByRun(ctx, t.RunID)
	if err != nil {
		return fmt.Errorf("list results: %w", err)
	}
	req := RemediationRequest{RunID: t.RunID, ProjectID: t.ProjectID, CreatedAt: r.now().UTC()}
	for _, v := range views {
		if !v.Status.CountsAsFailure() {
			continue
		}
		fc := FailedCase{Key: v.CaseKey, Title: v.CaseTitle, Status: string(v.Status)}
		if v.Message != nil {
			fc.Message = *v.Message
		}
		req.FailedCases = append(req.FailedCases, fc)
	}
	if len(req.FailedCases) == 0 {
		return fmt.Errorf("%w: run %s has no failed cases", ErrPermanent, t.RunID)
	}

	locators, err := readMissingLocators(filepath.Join(t.LogDir, ingest.MissingLocatorsFile))
	if err != nil {
		log.Warn(log.CatTask, "Ignoring unreadable missing locators", "run", t.RunID, "error", err.Error())
	}
	req.MissingLocators = locators

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
	}
	if err := os.MkdirAll(t.LogDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(t.LogDir, RemediationFile)
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // G306
		return fmt.Errorf("write %s: %w", path, err)
	}
	log.Info(log.CatTask, "Remediation requested", "run", t.RunID, "failed", len(req.FailedCases), "locators", len(locators))
	return nil
}

func readMissingLocators(path string) ([]ingest.MissingLocator, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: run log dir
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc struct {
		Items []ingest.MissingLocator `json:"items"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Items, nil
}
