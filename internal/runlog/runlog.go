// Package runlog owns the per-run log directory: stdout.txt, stderr.txt,
// report.json and the allure and live-preview subdirectories.
package runlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// File names inside a run log directory.
const (
	StdoutFile = "stdout.txt"
	StderrFile = "stderr.txt"
	ReportFile = "report.json"
)

// Stream names accepted by Read.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ErrUnknownStream is returned by Read for anything but stdout or stderr.
var ErrUnknownStream = errors.New("unknown log stream")

// Dir is one run's log directory. Its writers are safe for concurrent use.
type Dir struct {
	root   string
	path   string
	mu     sync.Mutex
	stdout *os.File
	stderr *os.File
}

// Open creates <root>/<runID> and opens both log files for appending.
func Open(root, runID string) (*Dir, error) {
	path := filepath.Join(root, runID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create run log dir: %w", err)
	}
	d := &Dir{root: root, path: path}
	var err error
	if d.stdout, err = openAppend(filepath.Join(path, StdoutFile)); err != nil {
		return nil, err
	}
	if d.stderr, err = openAppend(filepath.Join(path, StderrFile)); err != nil {
		_ = d.stdout.Close()
		return nil, err
	}
	return d, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // G304: run log dir
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	return f, nil
}

// Path returns the absolute directory.
func (d *Dir) Path() string { return d.path }

// ReportPath returns the expected runner report location.
func (d *Dir) ReportPath() string { return filepath.Join(d.path, ReportFile) }

// Join returns a path inside the directory.
func (d *Dir) Join(elem ...string) string {
	return filepath.Join(append([]string{d.path}, elem...)...)
}

// Rel returns p relative to the report root, with forward slashes.
// Artifacts are recorded in this form.
func (d *Dir) Rel(p string) string {
	rel, err := filepath.Rel(d.root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

// Stdout returns a writer appending to stdout.txt.
func (d *Dir) Stdout() io.Writer { return lockedWriter{d, d.stdout} }

// Stderr returns a writer appending to stderr.txt.
func (d *Dir) Stderr() io.Writer { return lockedWriter{d, d.stderr} }

// Diag appends one "[runner]"-style diagnostic line to stdout.txt.
func (d *Dir) Diag(format string, args ...any) {
	d.writeLine(d.stdout, fmt.Sprintf(format, args...))
}

// DiagErr appends one diagnostic line to stderr.txt.
func (d *Dir) DiagErr(format string, args ...any) {
	d.writeLine(d.stderr, fmt.Sprintf(format, args...))
}

func (d *Dir) writeLine(f *os.File, line string) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, _ = lockedWriter{d, f}.Write([]byte(line))
}

// Close closes both files.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Join(d.stdout.Close(), d.stderr.Close())
}

type lockedWriter struct {
	d *Dir
	f *os.File
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	return w.f.Write(p)
}

// Header writes the run banner to stdout.txt.
func (d *Dir) Header(runID, projectID string, now time.Time) {
	d.Diag("[runner] run %s project %s started %s", runID, projectID, now.UTC().Format(time.RFC3339))
}

// Read returns the contents of a stream of the run under root.
func Read(root, runID, stream string) ([]byte, error) {
	var name string
	switch stream {
	case StreamStdout:
		name = StdoutFile
	case StreamStderr:
		name = StderrFile
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}
	return os.ReadFile(filepath.Join(root, runID, name)) //nolint:gosec // G304: validated run id
}
