// Package workspace decides which directory a run executes in: the fixed
// runtime root, an explicit local checkout, a reused checkout, the local
// monorepo, or a fresh disposable clone.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/testmind-dev/tmrun/internal/git"
	"github.com/testmind-dev/tmrun/internal/log"
)

// ErrMissingRepoURL is returned when a clone is required but the project has no repo URL.
var ErrMissingRepoURL = errors.New("repository URL is not configured for this project")

// Source records which policy produced a workspace.
type Source string

const (
	SourceRuntime       Source = "runtime"
	SourceLocalOverride Source = "local-override"
	SourceReused        Source = "reused"
	SourceMonorepo      Source = "monorepo"
	SourceClone         Source = "clone"
)

// TempPrefix names disposable workspace directories.
const TempPrefix = "tm-run-"

// manifestFiles mark a directory as a reusable checkout.
var manifestFiles = []string{"package.json", "pnpm-lock.yaml", "yarn.lock", "package-lock.json"}

// Workspace is the resolved working tree for one run.
type Workspace struct {
	// Root is the absolute repository root.
	Root string

	Source Source

	// Disposable workspaces are owned by the run and removed by Cleanup.
	Disposable bool
}

// UsingLocalRepo reports whether the workspace is a tree this run must not delete.
func (w *Workspace) UsingLocalRepo() bool {
	return !w.Disposable
}

// Cleanup removes a disposable workspace. Non-disposable workspaces are never touched.
func (w *Workspace) Cleanup() error {
	if w == nil || !w.Disposable || w.Root == "" {
		return nil
	}
	log.Debug(log.CatWorkspace, "Removing disposable workspace", "path", w.Root)
	return os.RemoveAll(w.Root)
}

// Options configures the resolver policy.
type Options struct {
	// GeneratedOnly selects the fixed runtime root and never clones.
	GeneratedOnly bool

	// RuntimeRoot is the fixed runtime root. Default: the process working directory.
	RuntimeRoot string

	// LocalRepoRoot, when set, is used verbatim.
	LocalRepoRoot string

	// Reuse probes the parent of the process working directory for a checkout.
	Reuse bool

	// AllowLocalFallback uses MonorepoRoot when no repo URL is configured.
	AllowLocalFallback bool
	MonorepoRoot       string

	// LocalRepoPath is copied into the disposable workspace instead of cloning.
	LocalRepoPath string

	// TempDir is the parent of disposable workspaces. Default: os.TempDir().
	TempDir string
}

// Request carries the per-run inputs.
type Request struct {
	RepoURL  string
	GitToken string
}

// Resolver implements the workspace policy.
type Resolver struct {
	opts   Options
	cloner git.Cloner
	getwd  func() (string, error)
}

// NewResolver creates a Resolver that clones through cloner.
func NewResolver(opts Options, cloner git.Cloner) *Resolver {
	return &Resolver{opts: opts, cloner: cloner, getwd: os.Getwd}
}

// Resolve applies, in order: runtime root, explicit local root, reuse probe,
// monorepo fallback, fresh clone. Except for the explicit local root, which
// is used verbatim, the result is hoisted out of nested app directories so it
// names the repository root.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Workspace, error) {
	ws, err := r.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if hoisted := HoistRoot(ws.Root); ws.Source != SourceLocalOverride && hoisted != ws.Root {
		log.Warn(log.CatWorkspace, "Hoisted workspace out of nested app dir", "from", ws.Root, "to", hoisted)
		ws.Root = hoisted
	}
	log.Info(log.CatWorkspace, "Resolved workspace", "root", ws.Root, "source", string(ws.Source), "disposable", ws.Disposable)
	return ws, nil
}

func (r *Resolver) resolve(ctx context.Context, req Request) (*Workspace, error) {
	if r.opts.GeneratedOnly {
		root := r.opts.RuntimeRoot
		if root == "" {
			wd, err := r.getwd()
			if err != nil {
				return nil, err
			}
			root = wd
		}
		return local(root, SourceRuntime)
	}

	if r.opts.LocalRepoRoot != "" {
		return local(r.opts.LocalRepoRoot, SourceLocalOverride)
	}

	if r.opts.Reuse {
		if dir, ok := r.probeReusable(); ok {
			return local(dir, SourceReused)
		}
		log.Debug(log.CatWorkspace, "No reusable checkout found, cloning")
	}

	if req.RepoURL == "" && r.opts.LocalRepoPath == "" {
		if r.opts.AllowLocalFallback {
			root := r.opts.MonorepoRoot
			if root == "" {
				wd, err := r.getwd()
				if err != nil {
					return nil, err
				}
				root = wd
			}
			return local(root, SourceMonorepo)
		}
		return nil, ErrMissingRepoURL
	}

	return r.clone(ctx, req)
}

func (r *Resolver) probeReusable() (string, bool) {
	wd, err := r.getwd()
	if err != nil {
		return "", false
	}
	parent := filepath.Dir(wd)
	for _, name := range manifestFiles {
		if _, err := os.Stat(filepath.Join(parent, name)); err == nil {
			return parent, true
		}
	}
	return "", false
}

func (r *Resolver) clone(ctx context.Context, req Request) (*Workspace, error) {
	dir, err := os.MkdirTemp(r.opts.TempDir, TempPrefix)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &Workspace{Root: dir, Source: SourceClone, Disposable: true}

	err = r.cloner.Clone(ctx, git.CloneOptions{
		RepoURL:       req.RepoURL,
		Dest:          dir,
		Token:         req.GitToken,
		LocalSnapshot: r.opts.LocalRepoPath,
	})
	if err != nil {
		_ = ws.Cleanup()
		return nil, err
	}
	return ws, nil
}

func local(path string, src Source) (*Workspace, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Workspace{Root: abs, Source: src}, nil
}

// HoistRoot lifts a path that names a nested app directory (".../apps/<name>"
// or ".../apps") to the repository root above it.
func HoistRoot(path string) string {
	clean := filepath.Clean(path)
	switch {
	case filepath.Base(clean) == "apps":
		return filepath.Dir(clean)
	case filepath.Base(filepath.Dir(clean)) == "apps":
		return filepath.Dir(filepath.Dir(clean))
	}
	return clean
}
