package domain

import "time"

// MaxCaseKeyLength bounds the stored fingerprint of a test case.
const MaxCaseKeyLength = 255

// CaseKey is the stable fingerprint of a test case within a project:
// "<file>#<full name>" truncated to MaxCaseKeyLength characters.
func CaseKey(file, fullName string) string {
	key := file + "#" + fullName
	runes := []rune(key)
	if len(runes) > MaxCaseKeyLength {
		return string(runes[:MaxCaseKeyLength])
	}
	return key
}

// TestCase is a logical test, shared across runs of the same project.
type TestCase struct {
	ID        int64
	ProjectID string
	Key       string
	Title     string
}

// TestResult is the outcome of one test case in one run. Immutable once written.
type TestResult struct {
	ID         int64
	RunID      string
	TestCaseID int64
	Status     ResultStatus
	DurationMs *int64
	Message    *string
	CreatedAt  time.Time
}

// CaseOutcome is one parsed case ready for ingestion.
type CaseOutcome struct {
	File       string
	FullName   string
	Status     ResultStatus
	DurationMs *int64
	Message    string
}

// Key returns the case fingerprint.
func (c CaseOutcome) Key() string {
	return CaseKey(c.File, c.FullName)
}

// ResultView joins a result with its case for display.
type ResultView struct {
	TestResult
	CaseKey   string
	CaseTitle string
}

// Counts tallies ingested outcomes.
type Counts struct {
	Parsed  int
	Passed  int
	Failed  int
	Skipped int
}

// Add tallies one outcome.
func (c *Counts) Add(s ResultStatus) {
	c.Parsed++
	switch {
	case s == ResultPassed:
		c.Passed++
	case s.CountsAsFailure():
		c.Failed++
	default:
		c.Skipped++
	}
}
