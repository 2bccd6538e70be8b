package report

import "strings"

type jestReport struct {
	TestResults []struct {
		Name             string `json:"name"`
		TestFilePath     string `json:"testFilePath"`
		AssertionResults []struct {
			FullName        string   `json:"fullName"`
			Title           string   `json:"title"`
			Status          string   `json:"status"`
			Duration        *float64 `json:"duration"`
			FailureMessages []string `json:"failureMessages"`
		} `json:"assertionResults"`
	} `json:"testResults"`
}

// parseJest also covers vitest's jest-compatible JSON reporter output.
func parseJest(r jestReport) []Case {
	var out []Case
	for _, tr := range r.TestResults {
		file := tr.Name
		if file == "" {
			file = tr.TestFilePath
		}
		file = normalizePath(file)
		for _, a := range tr.AssertionResults {
			name := a.FullName
			if name == "" {
				name = a.Title
			}
			var status string
			switch a.Status {
			case "passed":
				status = "passed"
			case "failed":
				status = "failed"
			default:
				status = "skipped"
			}
			var duration *int64
			if a.Duration != nil && *a.Duration > 0 {
				duration = millis(a.Duration)
			}
			out = append(out, Case{
				File:       file,
				FullName:   name,
				Status:     status,
				DurationMs: duration,
				Message:    StripANSI(strings.Join(a.FailureMessages, "\n")),
			})
		}
	}
	return out
}
