package domain

import "fmt"

// Request error codes surfaced to API clients.
const (
	CodeInvalidInput    = "INVALID_INPUT"
	CodeProjectNotFound = "PROJECT_NOT_FOUND"
	CodeMissingRepoURL  = "MISSING_REPO_URL"
	CodeRunNotFound     = "RUN_NOT_FOUND"
)

// RequestError rejects a run request before any run record exists.
type RequestError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RunNotFoundError is returned when a run does not exist.
type RunNotFoundError struct {
	ID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run not found: %s", e.ID)
}

// ProjectNotFoundError is returned when a project does not exist.
type ProjectNotFoundError struct {
	ID string
}

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("project not found: %s", e.ID)
}

// InvalidTransitionError rejects an illegal run status change.
type InvalidTransitionError struct {
	RunID string
	From  RunStatus
	To    RunStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s: illegal transition %s -> %s", e.RunID, e.From, e.To)
}
