// Package specs resolves the one authoritative directory of spec files for a
// run and copies it into the workspace.
package specs

import (
	"fmt"
	"os"
	"strings"
)

// Scope records whether a source belongs to one user or is shared per adapter.
type Scope int

const (
	ScopeShared Scope = iota
	ScopeUser
)

func (s Scope) String() string {
	if s == ScopeUser {
		return "user"
	}
	return "shared"
}

// Source is a resolved spec directory.
type Source struct {
	Dir   string
	Label string
	Scope Scope
}

// Strategy is one candidate location in the precedence chain.
type Strategy interface {
	// Name is a short label used in diagnostics.
	Name() string

	// Paths lists every directory the strategy checks, in order.
	Paths() []string

	// TryResolve returns the first existing directory.
	TryResolve() (Source, bool)
}

type dirStrategy struct {
	label string
	paths []string
	scope Scope
}

// Dir is a strategy that accepts the first existing directory of paths.
// Empty paths are ignored.
func Dir(label string, scope Scope, paths ...string) Strategy {
	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return dirStrategy{label: label, paths: kept, scope: scope}
}

func (d dirStrategy) Name() string    { return d.label }
func (d dirStrategy) Paths() []string { return d.paths }

func (d dirStrategy) TryResolve() (Source, bool) {
	for _, p := range d.paths {
		if isDir(p) {
			return Source{Dir: p, Label: d.label, Scope: d.scope}, true
		}
	}
	return Source{}, false
}

// Chain evaluates strategies in priority order.
type Chain []Strategy

// Resolve returns the first hit and every path that was considered, in order.
func (c Chain) Resolve() (Source, []string, bool) {
	var tried []string
	for _, s := range c {
		tried = append(tried, s.Paths()...)
		if src, ok := s.TryResolve(); ok {
			return src, tried, true
		}
	}
	return Source{}, tried, false
}

// AllPaths lists every candidate path of every strategy.
func (c Chain) AllPaths() []string {
	var out []string
	for _, s := range c {
		out = append(out, s.Paths()...)
	}
	return out
}

// Names lists the strategy labels in order.
func (c Chain) Names() []string {
	out := make([]string, len(c))
	for i, s := range c {
		out[i] = s.Name()
	}
	return out
}

// NoSourceError is returned when no candidate spec directory exists.
type NoSourceError struct {
	Tried []string
}

func (e *NoSourceError) Error() string {
	return fmt.Sprintf("no spec source found; tried: %s", strings.Join(e.Tried, ", "))
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
