package specs

import (
	"path/filepath"
	"regexp"
)

// Source modes.
const (
	ModeAuto  = "auto"
	ModeLocal = "local"
	ModeRepo  = "repo"
)

// GeneratedDirName is the conventional generated-spec directory name inside
// repositories and the runtime root.
const GeneratedDirName = "testmind-generated"

// Options are the process-wide spec locations.
type Options struct {
	Mode          string
	GeneratedRoot string
	CuratedRoot   string

	// LocalSpecs is the explicit local override directory.
	LocalSpecs string

	// LocalCache is the locally cached generated copy of the runtime tree.
	LocalCache string

	// RuntimeRoot anchors the generated-only probe.
	RuntimeRoot string

	// CleanDest wipes the destination before copying.
	CleanDest bool
}

// Request identifies what to resolve for one run.
type Request struct {
	ProjectID string
	Adapter   string
	UserID    string

	// SuiteID selects a curated suite. Curated specs are looked up by suite
	// first, then by project.
	SuiteID string

	// Workspace is the resolved repository root.
	Workspace string

	// RunDir is the runner working directory; the destination lives under it.
	RunDir string

	// Disposable workspaces get their repo-embedded spec dirs wiped.
	Disposable bool
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// segment makes an id safe to use as a single path element.
func segment(s string) string {
	s = unsafeSegment.ReplaceAllString(s, "_")
	if s == "." || s == ".." {
		return "_"
	}
	return s
}

// SharedName is the destination name for adapter-shared sources.
func SharedName(adapter string) string {
	return segment(adapter)
}

// UserName is the destination name for user-scoped sources.
func UserName(adapter, userID string) string {
	return segment(adapter) + "-" + segment(userID)
}

// RepoEmbeddedRoots are the historical layouts of generated specs inside a
// repository, relative to its root.
func RepoEmbeddedRoots(workspace string) []string {
	return []string{
		filepath.Join(workspace, "apps", "api", GeneratedDirName),
		filepath.Join(workspace, GeneratedDirName),
	}
}

// RepoChain builds the precedence chain for runs with a source repository:
// curated, user generated, shared generated, then repo and local cache in
// mode order, then the local override.
func RepoChain(opts Options, req Request) Chain {
	adapter := SharedName(req.Adapter)
	var chain Chain

	if opts.CuratedRoot != "" && (req.SuiteID != "" || req.ProjectID != "") {
		var curated []string
		if req.SuiteID != "" {
			curated = append(curated, filepath.Join(opts.CuratedRoot, segment(req.SuiteID)))
		}
		if req.ProjectID != "" {
			curated = append(curated, filepath.Join(opts.CuratedRoot, segment(req.ProjectID)))
		}
		chain = append(chain, Dir("curated", ScopeShared, curated...))
	}
	if opts.GeneratedRoot != "" {
		if req.UserID != "" {
			chain = append(chain, Dir("user-generated", ScopeUser, filepath.Join(opts.GeneratedRoot, UserName(req.Adapter, req.UserID))))
		}
		chain = append(chain, Dir("shared-generated", ScopeShared, filepath.Join(opts.GeneratedRoot, adapter)))
	}

	var repoPaths []string
	for _, root := range RepoEmbeddedRoots(req.Workspace) {
		repoPaths = append(repoPaths, filepath.Join(root, adapter))
	}
	repo := Dir("repo", ScopeShared, repoPaths...)
	var cache Strategy
	if opts.LocalCache != "" {
		cache = Dir("local-cache", ScopeShared, filepath.Join(opts.LocalCache, adapter))
	}
	if opts.Mode == ModeRepo || cache == nil {
		chain = append(chain, repo)
		if cache != nil {
			chain = append(chain, cache)
		}
	} else {
		chain = append(chain, cache, repo)
	}

	if opts.LocalSpecs != "" {
		chain = append(chain, Dir("local-override", ScopeShared, opts.LocalSpecs))
	}
	return chain
}

// GeneratedOnlyChain probes candidate roots for project, user and adapter
// scoped directories. Each root is tried fully before the next one.
func GeneratedOnlyChain(opts Options, req Request) Chain {
	candidates := []string{opts.LocalSpecs, opts.GeneratedRoot}
	if opts.RuntimeRoot != "" {
		candidates = append(candidates,
			filepath.Join(opts.RuntimeRoot, GeneratedDirName),
			filepath.Join(opts.RuntimeRoot, "apps", "api", GeneratedDirName))
	}
	var roots []string
	seen := map[string]bool{}
	for _, r := range candidates {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		roots = append(roots, r)
	}

	adapter := SharedName(req.Adapter)
	var chain Chain
	for _, root := range roots {
		if req.UserID != "" {
			user := filepath.Join(root, UserName(req.Adapter, req.UserID))
			if req.ProjectID != "" {
				chain = append(chain, Dir("project", ScopeUser, filepath.Join(user, segment(req.ProjectID))))
			}
			chain = append(chain, Dir("user", ScopeUser, user))
		}
		if req.ProjectID != "" {
			chain = append(chain, Dir("adapter-project", ScopeShared, filepath.Join(root, adapter, segment(req.ProjectID))))
		}
		chain = append(chain, Dir("adapter", ScopeShared, filepath.Join(root, adapter)))
	}
	return chain
}
