package specs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/testmind-dev/tmrun/internal/git"
	"github.com/testmind-dev/tmrun/internal/log"
)

// Prepared is the outcome of resolving and copying specs for a run.
type Prepared struct {
	// Source is nil when no source existed and the run degrades to empty.
	Source *Source

	// Dest is the spec directory the runner uses.
	Dest string

	// DestName is Dest relative to the run directory, slash separated.
	DestName string

	Files []SpecFile

	// Tried lists every candidate path in precedence order.
	Tried []string

	// Diagnostic is set when the run degrades to zero specs.
	Diagnostic string

	unlock func()
}

// Release frees the destination lock. Safe on nil and more than once.
func (p *Prepared) Release() {
	if p != nil && p.unlock != nil {
		p.unlock()
	}
}

// Resolver resolves spec sources and copies them into workspaces.
type Resolver struct {
	opts  Options
	locks *Locker

	// Logf receives per-run diagnostic lines. Optional.
	Logf func(format string, args ...any)
}

// NewResolver creates a Resolver. A nil locker gets a private one.
func NewResolver(opts Options, locks *Locker) *Resolver {
	if locks == nil {
		locks = NewLocker()
	}
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	return &Resolver{opts: opts, locks: locks}
}

// WithLogf returns a copy of r that writes diagnostics to logf.
func (r *Resolver) WithLogf(logf func(format string, args ...any)) *Resolver {
	c := *r
	c.Logf = logf
	return &c
}

// Prepare resolves the source for a run with a source repository, wipes
// stale repo-embedded spec dirs in disposable workspaces, and copies the
// source into RunDir/testmind-generated/<scope name>. The destination lock
// is held until Release. When no source exists the result has no Source and
// a diagnostic; the destination is still created so the run sees zero specs.
func (r *Resolver) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	chain := RepoChain(r.opts, req)
	src, tried, found := chain.Resolve()

	destName := SharedName(req.Adapter)
	if found && src.Scope == ScopeUser {
		destName = UserName(req.Adapter, req.UserID)
	}
	dest := filepath.Join(req.RunDir, GeneratedDirName, destName)

	unlock, err := r.locks.Lock(ctx, dest)
	if err != nil {
		return nil, err
	}
	prep := &Prepared{Dest: dest, Tried: tried, unlock: unlock}
	if rel, err := filepath.Rel(req.RunDir, dest); err == nil {
		prep.DestName = filepath.ToSlash(rel)
	}

	fail := func(err error) (*Prepared, error) {
		unlock()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	// A source inside a dir that is about to be wiped is staged first.
	copyFrom := ""
	if found {
		copyFrom = src.Dir
		if req.Disposable && underAny(src.Dir, RepoEmbeddedRoots(req.Workspace)) {
			staged, err := os.MkdirTemp("", "tm-specs-")
			if err != nil {
				return fail(fmt.Errorf("stage specs: %w", err))
			}
			defer func() { _ = os.RemoveAll(staged) }()
			if err := git.CopySnapshot(src.Dir, staged); err != nil {
				return fail(fmt.Errorf("stage specs: %w", err))
			}
			copyFrom = staged
		}
	}

	if req.Disposable {
		for _, root := range RepoEmbeddedRoots(req.Workspace) {
			if err := os.RemoveAll(root); err != nil {
				log.Warn(log.CatSpecs, "Failed to wipe repo spec dir", "path", root, "error", err.Error())
			}
		}
	}

	// In place: the source already is the destination. Protected: the
	// destination is another candidate source in a live tree and must not be wiped.
	inPlace := found && copyFrom == src.Dir && samePath(src.Dir, dest)
	protected := !req.Disposable && !inPlace && containsPath(chain.AllPaths(), dest)
	switch {
	case protected:
		log.Warn(log.CatSpecs, "Destination is a spec source in a live tree, copying over it", "dest", dest)
	case r.opts.CleanDest && !inPlace:
		if err := os.RemoveAll(dest); err != nil {
			return fail(fmt.Errorf("clean spec destination: %w", err))
		}
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fail(fmt.Errorf("create spec destination: %w", err))
	}

	if !found {
		prep.Diagnostic = fmt.Sprintf("[runner] NO SPECS SOURCE FOUND. MODE=%s local=%s repo=%s",
			r.opts.Mode, orNull(r.opts.LocalSpecs), strings.Join(RepoEmbeddedRoots(req.Workspace), " or "))
		r.logf("%s", prep.Diagnostic)
		log.Warn(log.CatSpecs, "No spec source found", "tried", len(tried), "mode", r.opts.Mode)
	} else {
		prep.Source = &src
		if !inPlace {
			if err := git.CopySnapshot(copyFrom, dest); err != nil {
				return fail(fmt.Errorf("copy specs from %s: %w", src.Dir, err))
			}
		}
		r.logf("[runner] specs source=%s (%s) -> dest=%s", src.Dir, src.Label, dest)
		log.Info(log.CatSpecs, "Specs resolved", "source", src.Dir, "label", src.Label, "dest", dest)
	}

	files, err := Catalog(dest)
	if err != nil {
		return fail(fmt.Errorf("catalog specs: %w", err))
	}
	prep.Files = files
	r.logf("%s", strings.TrimRight(FormatCatalog("FINAL", files), "\n"))
	return prep, nil
}

// ResolveGeneratedOnly locates the spec directory in generated-only mode.
// Nothing is copied; the runner reads the source in place. A missing source
// is a *NoSourceError naming every probed path.
func (r *Resolver) ResolveGeneratedOnly(ctx context.Context, req Request) (*Prepared, error) {
	src, tried, found := GeneratedOnlyChain(r.opts, req).Resolve()
	if !found {
		err := &NoSourceError{Tried: tried}
		r.logf("[runner] %s", err.Error())
		return nil, err
	}

	unlock, err := r.locks.Lock(ctx, src.Dir)
	if err != nil {
		return nil, err
	}
	files, err := Catalog(src.Dir)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("catalog specs: %w", err)
	}
	prep := &Prepared{Source: &src, Dest: src.Dir, Files: files, Tried: tried, unlock: unlock}
	if req.RunDir != "" {
		if rel, err := filepath.Rel(req.RunDir, src.Dir); err == nil && !strings.HasPrefix(rel, "..") {
			prep.DestName = filepath.ToSlash(rel)
		}
	}
	r.logf("[runner] generated-only specs source=%s (%s)", src.Dir, src.Label)
	r.logf("%s", strings.TrimRight(FormatCatalog("FINAL", files), "\n"))
	return prep, nil
}

func (r *Resolver) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
	}
}

func underAny(p string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, p)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func containsPath(paths []string, p string) bool {
	for _, c := range paths {
		if samePath(c, p) {
			return true
		}
	}
	return false
}

func samePath(a, b string) bool {
	ca, errA := filepath.Abs(a)
	cb, errB := filepath.Abs(b)
	return errA == nil && errB == nil && ca == cb
}

func orNull(s string) string {
	if s == "" {
		return "null"
	}
	return s
}
