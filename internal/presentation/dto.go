package presentation

import (
	"time"

	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

// RunDTO is the public view of a run.
type RunDTO struct {
	ID         string            `json:"id" yaml:"id"`
	ProjectID  string            `json:"projectId" yaml:"projectId"`
	Status     string            `json:"status" yaml:"status"`
	Trigger    string            `json:"trigger" yaml:"trigger"`
	Params     domain.RunParams  `json:"params" yaml:"params"`
	Summary    *domain.Summary   `json:"summary,omitempty" yaml:"summary,omitempty"`
	Error      string            `json:"error,omitempty" yaml:"error,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	CreatedAt  time.Time         `json:"createdAt" yaml:"createdAt"`
	StartedAt  *time.Time        `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
}

// Duration is the wall time of a finished run, or zero.
func (r RunDTO) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// ResultDTO is one stored test result.
type ResultDTO struct {
	ID         int64   `json:"id" yaml:"id"`
	CaseKey    string  `json:"caseKey" yaml:"caseKey"`
	Title      string  `json:"title" yaml:"title"`
	Status     string  `json:"status" yaml:"status"`
	DurationMs *int64  `json:"durationMs,omitempty" yaml:"durationMs,omitempty"`
	Error      *string `json:"error,omitempty" yaml:"error,omitempty"`
}

// ProjectDTO never includes credentials.
type ProjectDTO struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	OwnerID     string    `json:"ownerId,omitempty" yaml:"ownerId,omitempty"`
	RepoURL     string    `json:"repoUrl,omitempty" yaml:"repoUrl,omitempty"`
	HasGitToken bool      `json:"hasGitToken" yaml:"hasGitToken"`
	HasSecrets  bool      `json:"hasSecrets" yaml:"hasSecrets"`
	CreatedAt   time.Time `json:"createdAt" yaml:"createdAt"`
}

// RunDetailDTO is a run with its results.
type RunDetailDTO struct {
	RunDTO  `yaml:",inline"`
	Results []ResultDTO `json:"results" yaml:"results"`
}

// FromRun converts a domain run.
func FromRun(run *domain.Run) RunDTO {
	return RunDTO{
		ID:         run.ID(),
		ProjectID:  run.ProjectID(),
		Status:     string(run.Status()),
		Trigger:    string(run.Trigger()),
		Params:     run.Params(),
		Summary:    run.Summary(),
		Error:      run.ErrorMessage(),
		Artifacts:  run.Artifacts(),
		CreatedAt:  run.CreatedAt(),
		StartedAt:  run.StartedAt(),
		FinishedAt: run.FinishedAt(),
	}
}

// FromRuns converts a list of runs, never returning nil.
func FromRuns(runs []*domain.Run) []RunDTO {
	out := make([]RunDTO, 0, len(runs))
	for _, r := range runs {
		out = append(out, FromRun(r))
	}
	return out
}

// FromResults converts result views, never returning nil.
func FromResults(views []domain.ResultView) []ResultDTO {
	out := make([]ResultDTO, 0, len(views))
	for _, v := range views {
		out = append(out, ResultDTO{
			ID:         v.ID,
			CaseKey:    v.CaseKey,
			Title:      v.CaseTitle,
			Status:     string(v.Status),
			DurationMs: v.DurationMs,
			Error:      v.Message,
		})
	}
	return out
}

// FromProject converts a project, dropping its credentials.
func FromProject(p *domain.Project) ProjectDTO {
	return ProjectDTO{
		ID:          p.ID,
		Name:        p.Name,
		OwnerID:     p.OwnerID,
		RepoURL:     p.RepoURL,
		HasGitToken: p.GitToken != "",
		HasSecrets:  p.Secrets != "",
		CreatedAt:   p.CreatedAt,
	}
}

// FromProjects converts a list of projects, never returning nil.
func FromProjects(projects []*domain.Project) []ProjectDTO {
	out := make([]ProjectDTO, 0, len(projects))
	for _, p := range projects {
		out = append(out, FromProject(p))
	}
	return out
}
