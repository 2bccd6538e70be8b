package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/testmind-dev/tmrun/internal/log"
	"github.com/testmind-dev/tmrun/internal/runs/domain"
)

// ProjectInput registers or replaces a project. Secrets and GitToken are
// plaintext here and sealed before storage.
type ProjectInput struct {
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name"`
	OwnerID  string            `json:"ownerId,omitempty"`
	RepoURL  string            `json:"repoUrl,omitempty"`
	GitToken string            `json:"gitToken,omitempty"`
	Secrets  map[string]string `json:"secrets,omitempty"`
}

// RegisterProject validates in, seals its credentials and saves it.
func (o *Orchestrator) RegisterProject(ctx context.Context, in ProjectInput) (*domain.Project, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, invalid("name is required", map[string]any{"field": "name"})
	}
	p := &domain.Project{
		ID:        strings.TrimSpace(in.ID),
		Name:      in.Name,
		OwnerID:   in.OwnerID,
		RepoURL:   strings.TrimSpace(in.RepoURL),
		CreatedAt: o.deps.Now(),
	}
	if p.ID == "" {
		p.ID = o.deps.NewID()
	}
	if p.HasRepo() && !p.LooksLikeGitRepo() {
		return nil, invalid("repoUrl does not look like a git remote", map[string]any{"field": "repoUrl"})
	}

	var err error
	if p.GitToken, err = o.deps.Secrets.Seal(in.GitToken); err != nil {
		return nil, invalid(fmt.Sprintf("cannot store git token: %v", err), map[string]any{"field": "gitToken"})
	}
	if p.Secrets, err = o.deps.Secrets.SealEnv(in.Secrets); err != nil {
		return nil, invalid(fmt.Sprintf("cannot store secrets: %v", err), map[string]any{"field": "secrets"})
	}

	if err := o.deps.Projects.Save(ctx, p); err != nil {
		return nil, fmt.Errorf("save project: %w", err)
	}
	o.InvalidateProject(ctx, p.ID)
	log.Info(log.CatRun, "Project registered", "project", p.ID, "name", p.Name, "hasRepo", p.HasRepo())
	return p, nil
}
