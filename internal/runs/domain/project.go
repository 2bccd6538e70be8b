package domain

import (
	"strings"
	"time"
)

// Project is a repository under test.
// Secrets and GitToken hold ciphertext; decryption happens at spawn time.
type Project struct {
	ID        string
	Name      string
	OwnerID   string
	RepoURL   string
	GitToken  string
	Secrets   string
	CreatedAt time.Time
}

// HasRepo reports whether a repository URL is configured.
func (p *Project) HasRepo() bool {
	return strings.TrimSpace(p.RepoURL) != ""
}

// LooksLikeGitRepo reports whether RepoURL plausibly points at a git remote.
func (p *Project) LooksLikeGitRepo() bool {
	u := strings.TrimSpace(p.RepoURL)
	if u == "" {
		return false
	}
	return strings.HasSuffix(u, ".git") ||
		strings.HasPrefix(u, "git@") ||
		strings.Contains(u, "github.com") ||
		strings.Contains(u, "gitlab.com") ||
		strings.Contains(u, "bitbucket.org")
}
