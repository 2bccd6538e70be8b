package domain

import "time"

// Summary aggregates the outcome of a run.
type Summary struct {
	Framework string `json:"framework"`
	BaseURL   string `json:"baseUrl"`
	Parsed    int    `json:"parsedCount"`
	Passed    int    `json:"passed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

// Artifact names recorded on a run.
const (
	ArtifactReport        = "report"
	ArtifactStdout        = "stdout"
	ArtifactStderr        = "stderr"
	ArtifactAllureResults = "allureResults"
	ArtifactAllureReport  = "allureReport"
	ArtifactLivePreview   = "livePreview"
)

// Artifacts maps artifact names to paths relative to the report root.
type Artifacts map[string]string

// Run is one execution of a project's test suite.
// All fields are unexported; transitions go through Start, Finish and Fail
// so that illegal moves are rejected before they reach storage.
type Run struct {
	id         string
	projectID  string
	status     RunStatus
	trigger    Trigger
	params     RunParams
	summary    *Summary
	errMsg     string
	artifacts  Artifacts
	createdAt  time.Time
	startedAt  *time.Time
	finishedAt *time.Time
}

// NewRun creates a queued run.
func NewRun(id, projectID string, trigger Trigger, params RunParams, now time.Time) *Run {
	if trigger == "" {
		trigger = TriggerUser
	}
	return &Run{
		id:        id,
		projectID: projectID,
		status:    RunStatusQueued,
		trigger:   trigger,
		params:    params,
		artifacts: Artifacts{},
		createdAt: now,
	}
}

// ReconstituteRun rebuilds a run from storage without validation.
func ReconstituteRun(
	id, projectID string,
	status RunStatus,
	trigger Trigger,
	params RunParams,
	summary *Summary,
	errMsg string,
	artifacts Artifacts,
	createdAt time.Time,
	startedAt, finishedAt *time.Time,
) *Run {
	if artifacts == nil {
		artifacts = Artifacts{}
	}
	return &Run{
		id:         id,
		projectID:  projectID,
		status:     status,
		trigger:    trigger,
		params:     params,
		summary:    summary,
		errMsg:     errMsg,
		artifacts:  artifacts,
		createdAt:  createdAt,
		startedAt:  startedAt,
		finishedAt: finishedAt,
	}
}

func (r *Run) ID() string { return r.id }
func (r *Run) ProjectID() string { return r.projectID }
func (r *Run) Status() RunStatus { return r.status }
func (r *Run) Trigger() Trigger { return r.trigger }
func (r *Run) Params() RunParams { return r.params }
func (r *Run) Summary() *Summary { return r.summary }
func (r *Run) ErrorMessage() string { return r.errMsg }
func (r *Run) CreatedAt() time.Time { return r.createdAt }
func (r *Run) StartedAt() *time.Time { return r.startedAt }
func (r *Run) FinishedAt() *time.Time { return r.finishedAt }
func (r *Run) IsTerminal() bool { return r.status.IsTerminal() }
func (r *Run) Artifacts() Artifacts {
	out := make(Artifacts, len(r.artifacts))
	for k, v := range r.artifacts {
		out[k] = v
	}
	return out
}

// SetArtifact records a named artifact path.
func (r *Run) SetArtifact(name, relPath string) {
	r.artifacts[name] = relPath
}

func (r *Run) transition(next RunStatus) error {
	if !r.status.CanTransitionTo(next) {
		return &InvalidTransitionError{RunID: r.id, From: r.status, To: next}
	}
	r.status = next
	return nil
}

// Start moves a queued run to running.
func (r *Run) Start(now time.Time) error {
	if err := r.transition(RunStatusRunning); err != nil {
		return err
	}
	r.startedAt = &now
	return nil
}

// Finish applies the success rule: succeeded iff the summary has no failed
// cases and the runner exited with code zero. errMsg is kept only on failure.
func (r *Run) Finish(now time.Time, summary Summary, exitCode int, errMsg string) error {
	if summary.Failed == 0 && exitCode == 0 {
		if err := r.transition(RunStatusSucceeded); err != nil {
			return err
		}
		r.errMsg = ""
	} else {
		if err := r.transition(RunStatusFailed); err != nil {
			return err
		}
		r.errMsg = errMsg
	}
	r.summary = &summary
	r.finishedAt = &now
	return nil
}

// Fail force-finalizes the run as failed. A summary may be nil when the
// pipeline died before ingestion.
func (r *Run) Fail(now time.Time, errMsg string, summary *Summary) error {
	if err := r.transition(RunStatusFailed); err != nil {
		return err
	}
	r.errMsg = errMsg
	if summary != nil {
		r.summary = summary
	}
	r.finishedAt = &now
	return nil
}
