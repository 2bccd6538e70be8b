// Package report parses runner JSON reports into a flat list of cases.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

// ErrUnknownFormat is returned for JSON that matches no supported reporter.
var ErrUnknownFormat = errors.New("unrecognized report format")

// Format names the reporter that produced a report.
type Format string

const (
	FormatPlaywright Format = "playwright"
	FormatJest       Format = "jest"
	FormatVitest     Format = "vitest"
)

// Attachment is a file the runner attached to a result.
type Attachment struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Case is one parsed test case.
type Case struct {
	File     string
	FullName string

	// Status is one of passed, failed, skipped or error; anything else the
	// runner reported is kept verbatim.
	Status     string
	DurationMs *int64
	Message    string

	// Steps are the "Call log:" lines split off the message.
	Steps       []string
	Stdout      []string
	Stderr      []string
	Attachments []Attachment
}

// Outcome converts the case for ingestion.
func (c Case) Outcome() domain.CaseOutcome {
	return domain.CaseOutcome{
		File:       c.File,
		FullName:   c.FullName,
		Status:     domain.MapResultStatus(c.Status),
		DurationMs: c.DurationMs,
		Message:    c.Message,
	}
}

// Outcomes converts every case.
func Outcomes(cases []Case) []domain.CaseOutcome {
	out := make([]domain.CaseOutcome, len(cases))
	for i, c := range cases {
		out[i] = c.Outcome()
	}
	return out
}

// ParseFile reads and parses the report at path.
func ParseFile(path string) ([]Case, Format, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: report path inside the run log dir
	if err != nil {
		return nil, "", err
	}
	return Parse(data)
}

// Parse detects the reporter and parses data. Truncated or malformed JSON
// is an error; no partial result is returned.
func Parse(data []byte) ([]Case, Format, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, "", fmt.Errorf("parse report: empty document")
	}

	if trimmed[0] == '[' {
		var tasks []vitestTask
		if err := json.Unmarshal(trimmed, &tasks); err != nil {
			return nil, "", fmt.Errorf("parse vitest report: %w", err)
		}
		return parseVitest(tasks), FormatVitest, nil
	}

	var probe struct {
		TestResults json.RawMessage `json:"testResults"`
		Suites      json.RawMessage `json:"suites"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, "", fmt.Errorf("parse report: %w", err)
	}
	switch {
	case isArray(probe.TestResults):
		var r jestReport
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return nil, "", fmt.Errorf("parse jest report: %w", err)
		}
		return parseJest(r), FormatJest, nil
	case isArray(probe.Suites):
		var r pwReport
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return nil, "", fmt.Errorf("parse playwright report: %w", err)
		}
		return parsePlaywright(r), FormatPlaywright, nil
	}
	return nil, "", ErrUnknownFormat
}

func isArray(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '['
}

// StripANSI removes terminal escape sequences and carriage returns, then trims.
func StripANSI(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(ansi.Strip(s), "\r", ""))
}

var stepPrefix = regexp.MustCompile(`^\s*(?:[-•]+\s*)+`)

// SplitCallLog separates a Playwright error message from its "Call log:" steps.
func SplitCallLog(raw string) (string, []string) {
	idx := strings.Index(raw, "Call log:")
	if idx < 0 {
		return raw, nil
	}
	msg := strings.TrimSpace(raw[:idx])
	var steps []string
	for _, line := range strings.Split(raw[idx+len("Call log:"):], "\n") {
		line = strings.TrimSpace(stepPrefix.ReplaceAllString(line, ""))
		if line != "" {
			steps = append(steps, line)
		}
	}
	return msg, steps
}

func normalizePath(p string) string {
	if p == "" {
		return "unknown"
	}
	return strings.ReplaceAll(p, `\`, "/")
}

func millis(f *float64) *int64 {
	if f == nil {
		return nil
	}
	v := int64(*f)
	return &v
}
