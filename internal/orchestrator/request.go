package orchestrator

import (
	"net/url"
	"path"
	"strings"

	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

// maxGrepLength bounds the grep selector.
const maxGrepLength = 1024

// SubmitRequest is the run creation request.
type SubmitRequest struct {
	ProjectID   string         `json:"projectId"`
	BaseURL     string         `json:"baseUrl,omitempty"`
	SuiteID     string         `json:"suiteId,omitempty"`
	File        string         `json:"file,omitempty"`
	Files       []string       `json:"files,omitempty"`
	Grep        string         `json:"grep,omitempty"`
	Headed      bool           `json:"headed,omitempty"`
	RunAll      bool           `json:"runAll,omitempty"`
	LivePreview bool           `json:"livePreview,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Adapter     string         `json:"adapter,omitempty"`
	Trigger     domain.Trigger `json:"trigger,omitempty"`
}

func invalid(msg string, details map[string]any) *domain.RequestError {
	return &domain.RequestError{Code: domain.CodeInvalidInput, Message: msg, Details: details}
}

// validate checks the request shape and returns the run parameters.
func (r SubmitRequest) validate() (domain.RunParams, error) {
	if strings.TrimSpace(r.ProjectID) == "" {
		return domain.RunParams{}, invalid("projectId is required", map[string]any{"field": "projectId"})
	}
	switch r.Trigger {
	case "", domain.TriggerUser, domain.TriggerManual:
	default:
		return domain.RunParams{}, invalid("trigger must be \"user\" or \"manual\"", map[string]any{"field": "trigger"})
	}
	if r.BaseURL != "" {
		u, err := url.Parse(r.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return domain.RunParams{}, invalid("baseUrl must be an absolute http(s) URL", map[string]any{"field": "baseUrl"})
		}
	}
	for _, f := range append([]string{r.File}, r.Files...) {
		if f == "" {
			continue
		}
		clean := path.Clean(strings.ReplaceAll(f, `\`, "/"))
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return domain.RunParams{}, invalid("file selectors must be relative to the spec directory", map[string]any{"file": f})
		}
	}
	if len(r.Grep) > maxGrepLength {
		return domain.RunParams{}, invalid("grep is too long", map[string]any{"field": "grep", "max": maxGrepLength})
	}

	return domain.RunParams{
		Headed:      r.Headed,
		SuiteID:     r.SuiteID,
		BaseURL:     r.BaseURL,
		File:        r.File,
		Files:       r.Files,
		Grep:        r.Grep,
		RunAll:      r.RunAll,
		LivePreview: r.LivePreview,
		UserID:      r.UserID,
		Adapter:     r.Adapter,
	}, nil
}
