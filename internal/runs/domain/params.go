package domain

import (
	"path/filepath"
	"strings"
)

// Trigger records who asked for a run.
type Trigger string

const (
	TriggerUser   Trigger = "user"
	TriggerManual Trigger = "manual"
)

// RunParams are the request-time options of a run.
type RunParams struct {
	Headed      bool     `json:"headed,omitempty"`
	SuiteID     string   `json:"suiteId,omitempty"`
	BaseURL     string   `json:"baseUrl,omitempty"`
	File        string   `json:"file,omitempty"`
	Files       []string `json:"files,omitempty"`
	Grep        string   `json:"grep,omitempty"`
	RunAll      bool     `json:"runAll,omitempty"`
	LivePreview bool     `json:"livePreview,omitempty"`
	// UserID scopes generated spec lookups; empty means the project owner.
	UserID string `json:"userId,omitempty"`
	// Adapter selects the runner binding; empty means playwright-ts.
	Adapter string `json:"adapter,omitempty"`
}

// DefaultAdapter is the only fully supported runner binding.
const DefaultAdapter = "playwright-ts"

// Selection is the effective file/grep filter of a run.
type Selection struct {
	Files []string
	Grep  string
}

// IsEmpty reports whether the full suite runs.
func (s Selection) IsEmpty() bool {
	return len(s.Files) == 0 && s.Grep == ""
}

// Selection resolves the request selectors. RunAll discards every selector.
// File and Files are merged in order, normalised to forward slashes, and
// de-duplicated.
func (p RunParams) Selection() Selection {
	if p.RunAll {
		return Selection{}
	}
	seen := make(map[string]bool)
	var files []string
	add := func(f string) {
		f = strings.TrimSpace(filepath.ToSlash(f))
		if f == "" || seen[f] {
			return
		}
		seen[f] = true
		files = append(files, f)
	}
	add(p.File)
	for _, f := range p.Files {
		add(f)
	}
	return Selection{Files: files, Grep: strings.TrimSpace(p.Grep)}
}

// AdapterOrDefault returns Adapter or DefaultAdapter when unset.
func (p RunParams) AdapterOrDefault() string {
	if p.Adapter == "" {
		return DefaultAdapter
	}
	return p.Adapter
}
