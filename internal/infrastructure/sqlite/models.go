package sqlite

import (
	"encoding/json"
	"time"

	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

// RunModel is the database row for the runs table.
// Times are Unix milliseconds; JSON columns hold params, summary and artifacts.
type RunModel struct {
	ID         string
	ProjectID  string
	Status     string
	Trigger    string
	Params     string
	Summary    *string // nullable
	Error      *string // nullable
	Artifacts  string
	CreatedAt  int64
	StartedAt  *int64 // nullable
	FinishedAt *int64 // nullable
}

func toRunModel(r *domain.Run) (*RunModel, error) {
	params, err := json.Marshal(r.Params())
	if err != nil {
		return nil, err
	}
	artifacts, err := json.Marshal(r.Artifacts())
	if err != nil {
		return nil, err
	}
	m := &RunModel{
		ID:        r.ID(),
		ProjectID: r.ProjectID(),
		Status:    string(r.Status()),
		Trigger:   string(r.Trigger()),
		Params:    string(params),
		Artifacts: string(artifacts),
		CreatedAt: r.CreatedAt().UnixMilli(),
	}
	if s := r.Summary(); s != nil {
		b, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		summary := string(b)
		m.Summary = &summary
	}
	if msg := r.ErrorMessage(); msg != "" {
		m.Error = &msg
	}
	m.StartedAt = millisPtr(r.StartedAt())
	m.FinishedAt = millisPtr(r.FinishedAt())
	return m, nil
}

func (m *RunModel) toDomain() (*domain.Run, error) {
	var params domain.RunParams
	if err := json.Unmarshal([]byte(m.Params), &params); err != nil {
		return nil, err
	}
	var artifacts domain.Artifacts
	if m.Artifacts != "" {
		if err := json.Unmarshal([]byte(m.Artifacts), &artifacts); err != nil {
			return nil, err
		}
	}
	var summary *domain.Summary
	if m.Summary != nil {
		summary = &domain.Summary{}
		if err := json.Unmarshal([]byte(*m.Summary), summary); err != nil {
			return nil, err
		}
	}
	errMsg := ""
	if m.Error != nil {
		errMsg = *m.Error
	}
	return domain.ReconstituteRun(
		m.ID, m.ProjectID,
		domain.RunStatus(m.Status), domain.Trigger(m.Trigger),
		params, summary, errMsg, artifacts,
		time.UnixMilli(m.CreatedAt), timePtr(m.StartedAt), timePtr(m.FinishedAt),
	), nil
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func timePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
