// Package git fetches project repositories into run workspaces, either by a
// shallow clone of the remote or by copying a local snapshot.
package git

import "context"

// CloneOptions describes one repository fetch.
type CloneOptions struct {
	// RepoURL is the remote to clone.
	RepoURL string

	// Dest is the target directory. It must be empty or absent.
	Dest string

	// Token authenticates HTTPS GitHub clones. Optional.
	Token string

	// LocalSnapshot, when set, is copied to Dest instead of cloning.
	// .git and node_modules are skipped.
	LocalSnapshot string
}

// Cloner defines the interface for getting a repository onto disk.
// This abstraction allows the run pipeline to be tested without a git binary.
type Cloner interface {
	Clone(ctx context.Context, opts CloneOptions) error
}
