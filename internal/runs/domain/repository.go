package domain

import "context"

// RunFilter narrows run listings.
type RunFilter struct {
	// ProjectID restricts to one project. Empty means all projects.
	ProjectID string

	// Status restricts to one status. Empty means all statuses.
	Status RunStatus

	// Limit caps the number of runs returned. 0 means no limit.
	Limit int
}

// RunRepository persists runs.
type RunRepository interface {
	// Create inserts a new run. The run must be queued.
	Create(ctx context.Context, run *Run) error

	// Save writes the run's current state. The stored status must be a legal
	// predecessor of the new status (or equal to it); otherwise
	// InvalidTransitionError is returned and nothing is written.
	Save(ctx context.Context, run *Run) error

	// FindByID returns RunNotFoundError when absent.
	FindByID(ctx context.Context, id string) (*Run, error)

	// List returns runs newest first.
	List(ctx context.Context, filter RunFilter) ([]*Run, error)

	// ListUnfinished returns queued and running runs, oldest first.
	ListUnfinished(ctx context.Context) ([]*Run, error)
}

// ResultRepository persists test cases and results.
type ResultRepository interface {
	// Ingest upserts one TestCase per outcome (keyed by project and case key,
	// refreshing the title) and inserts one TestResult per outcome for runID.
	// Everything happens in a single transaction: on error nothing is visible.
	Ingest(ctx context.Context, projectID, runID string, outcomes []CaseOutcome) (Counts, error)

	// ListByRun returns a run's results in insertion order.
	ListByRun(ctx context.Context, runID string) ([]ResultView, error)

	// CountCases returns the number of distinct test cases in a project.
	CountCases(ctx context.Context, projectID string) (int, error)
}

// ProjectRepository persists projects.
type ProjectRepository interface {
	// Save inserts or replaces a project.
	Save(ctx context.Context, p *Project) error

	// FindByID returns ProjectNotFoundError when absent.
	FindByID(ctx context.Context, id string) (*Project, error)

	// List returns every project ordered by name.
	List(ctx context.Context) ([]*Project, error)
}
