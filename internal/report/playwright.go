package report

import (
	"encoding/json"
	"strings"
)

type pwReport struct {
	Suites []pwSuite `json:"suites"`
}

type pwSuite struct {
	Title  string    `json:"title"`
	File   string    `json:"file"`
	Specs  []pwSpec  `json:"specs"`
	Tests  []pwTest  `json:"tests"`
	Suites []pwSuite `json:"suites"`
}

type pwSpec struct {
	Title       string       `json:"title"`
	File        string       `json:"file"`
	Tests       []pwTest     `json:"tests"`
	Attachments []Attachment `json:"attachments"`
	Errors      []pwError    `json:"errors"`
}

type pwTest struct {
	Title       string       `json:"title"`
	TitlePath   []string     `json:"titlePath"`
	Outcome     string       `json:"outcome"`
	Status      string       `json:"status"`
	Results     []pwResult   `json:"results"`
	Attachments []Attachment `json:"attachments"`
	Location    *struct {
		File string `json:"file"`
	} `json:"location"`
}

type pwResult struct {
	Status      string            `json:"status"`
	Duration    *float64          `json:"duration"`
	Error       *pwError          `json:"error"`
	Stdout      []json.RawMessage `json:"stdout"`
	Stderr      []json.RawMessage `json:"stderr"`
	Attachments []Attachment      `json:"attachments"`
}

type pwError struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

// normalizePlaywrightStatus folds test outcomes into result statuses.
// Flaky tests passed on retry.
func normalizePlaywrightStatus(s string) string {
	switch s {
	case "expected", "passed", "flaky":
		return "passed"
	case "skipped":
		return "skipped"
	case "failed", "unexpected":
		return "failed"
	case "":
		return "error"
	}
	return s
}

func parsePlaywright(r pwReport) []Case {
	var out []Case
	var walk func(s pwSuite, ancestors []string)
	walk = func(s pwSuite, ancestors []string) {
		next := ancestors
		if s.Title != "" {
			next = append(append([]string{}, ancestors...), s.Title)
		}

		// Older reports put tests directly on the suite.
		for _, t := range s.Tests {
			file := s.File
			if t.Location != nil && t.Location.File != "" {
				file = t.Location.File
			}
			name := strings.Join(t.TitlePath, " > ")
			if name == "" {
				title := t.Title
				if title == "" {
					title = "test"
				}
				name = strings.Join(append(append([]string{}, next...), title), " > ")
			}
			out = append(out, playwrightCase(file, name, t, t.Outcome, nil))
		}

		for _, spec := range s.Specs {
			parts := next
			if spec.Title != "" {
				parts = append(append([]string{}, next...), spec.Title)
			}
			file := spec.File
			if file == "" {
				file = s.File
			}
			name := strings.Join(parts, " > ")
			if name == "" {
				name = spec.File
			}
			if name == "" {
				name = "test"
			}
			for _, t := range spec.Tests {
				outcome := t.Outcome
				if outcome == "" {
					outcome = t.Status
				}
				c := playwrightCase(file, name, t, outcome, spec.Attachments)
				if c.Message == "" && len(spec.Errors) > 0 {
					c.Message = StripANSI(spec.Errors[0].Message)
				}
				out = append(out, c)
			}
		}

		for _, child := range s.Suites {
			walk(child, next)
		}
	}
	for _, s := range r.Suites {
		walk(s, nil)
	}
	return out
}

func playwrightCase(file, name string, t pwTest, outcome string, specAttachments []Attachment) Case {
	var last pwResult
	if n := len(t.Results); n > 0 {
		last = t.Results[n-1]
	}
	status := outcome
	if status == "" {
		status = last.Status
	}
	if status == "" && last.Error != nil {
		status = "failed"
	}

	var raw string
	if last.Error != nil {
		raw = last.Error.Message
		if raw == "" {
			raw = last.Error.Stack
		}
	}
	msg, steps := SplitCallLog(StripANSI(raw))

	attachments := last.Attachments
	if len(attachments) == 0 {
		attachments = t.Attachments
	}
	if len(attachments) == 0 {
		attachments = specAttachments
	}

	return Case{
		File:        normalizePath(file),
		FullName:    name,
		Status:      normalizePlaywrightStatus(status),
		DurationMs:  millis(last.Duration),
		Message:     msg,
		Steps:       steps,
		Stdout:      collectIO(last.Stdout),
		Stderr:      collectIO(last.Stderr),
		Attachments: attachments,
	}
}

// collectIO accepts both plain strings and {"text": ...} chunks.
func collectIO(chunks []json.RawMessage) []string {
	var out []string
	for _, raw := range chunks {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			var obj struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(raw, &obj) != nil {
				continue
			}
			text = obj.Text
		}
		text = strings.TrimSpace(strings.ReplaceAll(text, "\r", ""))
		if text != "" {
			out = append(out, text)
		}
	}
	return out
}
