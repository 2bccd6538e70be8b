// Package domain provides the pure domain layer for test runs with no
// infrastructure dependencies.
//
// It defines the Run entity and its lifecycle state machine, the TestCase and
// TestResult records produced by ingestion, projects, typed domain errors, and
// the repository interfaces implemented by the storage layer.
package domain

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	// RunStatusQueued indicates the run record exists but the pipeline has not started.
	RunStatusQueued RunStatus = "queued"

	// RunStatusRunning indicates the pipeline is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates zero failed cases and a clean process exit.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates any failed case, a nonzero exit, or a pipeline error.
	RunStatusFailed RunStatus = "failed"
)

// String returns the string representation of the status.
func (s RunStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized run status.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// transitions lists the legal successors of each status.
// queued may fail directly so that a pipeline that dies before starting
// still reaches a terminal state.
var transitions = map[RunStatus][]RunStatus{
	RunStatusQueued:  {RunStatusRunning, RunStatusFailed},
	RunStatusRunning: {RunStatusSucceeded, RunStatusFailed},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Predecessors returns every status that may legally move to s.
func (s RunStatus) Predecessors() []RunStatus {
	var out []RunStatus
	for from, nexts := range transitions {
		for _, n := range nexts {
			if n == s {
				out = append(out, from)
			}
		}
	}
	return out
}

// ResultStatus is the stored outcome of one test case in one run.
type ResultStatus string

const (
	ResultPassed  ResultStatus = "passed"
	ResultFailed  ResultStatus = "failed"
	ResultSkipped ResultStatus = "skipped"
	ResultError   ResultStatus = "error"
)

// IsValid returns true if the status is a recognized result status.
func (s ResultStatus) IsValid() bool {
	switch s {
	case ResultPassed, ResultFailed, ResultSkipped, ResultError:
		return true
	default:
		return false
	}
}

// CountsAsFailure reports whether the outcome fails the run.
func (s ResultStatus) CountsAsFailure() bool {
	return s == ResultFailed || s == ResultError
}

// MapResultStatus maps a parsed case status to the stored status.
// "error" collapses into failed; anything unrecognised is stored as error.
func MapResultStatus(s string) ResultStatus {
	switch s {
	case "passed":
		return ResultPassed
	case "failed", "error":
		return ResultFailed
	case "skipped":
		return ResultSkipped
	default:
		return ResultError
	}
}
