package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/testmind-dev/tmrun/internal/log"
)

// killGrace bounds how long Run waits for output pipes after the process
// group has been killed.
const killGrace = 2 * time.Second

// CommandFactoryFunc creates an exec.Cmd for testing purposes.
// It receives the context, executable name, and arguments.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Result is the outcome of one finished subprocess.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration

	// TimedOut is set when the builder's own timeout killed the process.
	TimedOut bool
}

// OK reports a zero exit code without a timeout.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0 && !r.TimedOut
}

// SpawnBuilder provides a fluent API for running a subprocess to completion.
// The child environment is always an explicit list: overrides are merged into
// a snapshot of the parent environment and nothing is written back to the parent.
type SpawnBuilder struct {
	ctx            context.Context
	timeout        time.Duration
	execPath       string
	args           []string
	workDir        string
	env            map[string]string
	pathPrefix     []string
	inheritEnv     bool
	stdoutTee      io.Writer
	stderrTee      io.Writer
	commandFactory CommandFactoryFunc
}

// NewSpawnBuilder creates a new SpawnBuilder with the given context.
func NewSpawnBuilder(ctx context.Context) *SpawnBuilder {
	return &SpawnBuilder{ctx: ctx, inheritEnv: true}
}

// WithExecutable sets the executable and arguments.
func (b *SpawnBuilder) WithExecutable(path string, args []string) *SpawnBuilder {
	b.execPath = path
	b.args = args
	return b
}

// WithWorkDir sets the working directory for the process.
func (b *SpawnBuilder) WithWorkDir(dir string) *SpawnBuilder {
	b.workDir = dir
	return b
}

// WithTimeout sets the process timeout. If d is 0 or negative,
// a cancel-only context is created instead of a timeout context.
func (b *SpawnBuilder) WithTimeout(d time.Duration) *SpawnBuilder {
	b.timeout = d
	return b
}

// WithEnv sets variables for the child only.
func (b *SpawnBuilder) WithEnv(env map[string]string) *SpawnBuilder {
	b.env = env
	return b
}

// WithPathPrefix prepends directories to the child's PATH.
func (b *SpawnBuilder) WithPathPrefix(dirs ...string) *SpawnBuilder {
	b.pathPrefix = dirs
	return b
}

// WithInheritEnv controls whether the parent environment is the base.
func (b *SpawnBuilder) WithInheritEnv(inherit bool) *SpawnBuilder {
	b.inheritEnv = inherit
	return b
}

// WithOutputTee copies output to the given writers while it is captured.
func (b *SpawnBuilder) WithOutputTee(stdout, stderr io.Writer) *SpawnBuilder {
	b.stdoutTee = stdout
	b.stderrTee = stderr
	return b
}

// WithCommandFactory sets a custom command factory for testing.
// This allows unit tests to mock exec.Command without spawning real processes.
func (b *SpawnBuilder) WithCommandFactory(fn CommandFactoryFunc) *SpawnBuilder {
	b.commandFactory = fn
	return b
}

// Env returns the exact environment the child will receive.
func (b *SpawnBuilder) Env() []string {
	var base []string
	if b.inheritEnv {
		base = os.Environ()
	}
	overrides := make(map[string]string, len(b.env)+1)
	for k, v := range b.env {
		overrides[k] = v
	}
	if len(b.pathPrefix) > 0 {
		current, ok := overrides["PATH"]
		if !ok {
			current = lookupEnv(base, "PATH")
		}
		parts := append([]string{}, b.pathPrefix...)
		if current != "" {
			parts = append(parts, current)
		}
		overrides["PATH"] = strings.Join(parts, string(os.PathListSeparator))
	}
	return MergeEnv(base, overrides)
}

// Run starts the process and waits for it. A nonzero exit is reported in the
// Result, not as an error. Errors are returned for start failures and for
// cancellation of the parent context.
func (b *SpawnBuilder) Run() (*Result, error) {
	if b.execPath == "" {
		return nil, fmt.Errorf("spawn builder: executable path is required")
	}

	var procCtx context.Context
	var cancel context.CancelFunc
	if b.timeout > 0 {
		procCtx, cancel = context.WithTimeout(b.ctx, b.timeout)
	} else {
		procCtx, cancel = context.WithCancel(b.ctx)
	}
	defer cancel()

	var cmd *exec.Cmd
	if b.commandFactory != nil {
		cmd = b.commandFactory(procCtx, b.execPath, b.args...)
	} else {
		// #nosec G204 -- args are assembled by this package, not passed through a shell
		cmd = exec.CommandContext(procCtx, b.execPath, b.args...)
		startInGroup(cmd)
	}
	cmd.WaitDelay = killGrace
	cmd.Dir = b.workDir
	cmd.Env = b.Env()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = teeTo(&stdout, b.stdoutTee)
	cmd.Stderr = teeTo(&stderr, b.stderrTee)

	log.Debug(log.CatExec, "Spawning process",
		"cmd", FormatCommand(b.execPath, b.args),
		"workDir", b.workDir)

	started := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	if err != nil {
		if b.ctx.Err() != nil {
			return res, b.ctx.Err()
		}
		var exitErr *exec.ExitError
		switch {
		case errors.Is(procCtx.Err(), context.DeadlineExceeded):
			res.TimedOut = true
			res.ExitCode = -1
			res.Stderr += fmt.Sprintf("\n[runner] process timed out after %s\n", b.timeout)
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			return res, fmt.Errorf("spawn builder: failed to run %s: %w", filepath.Base(b.execPath), err)
		}
	}

	log.Debug(log.CatExec, "Process exited",
		"cmd", filepath.Base(b.execPath),
		"exitCode", res.ExitCode,
		"timedOut", res.TimedOut,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

func teeTo(buf *bytes.Buffer, extra io.Writer) io.Writer {
	if extra == nil {
		return buf
	}
	return io.MultiWriter(buf, extra)
}

// MergeEnv applies overrides to base and returns KEY=VALUE pairs. Base order is
// kept; new keys are appended sorted so the result is deterministic.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if v, ok := overrides[key]; ok {
			if !seen[key] {
				out = append(out, key+"="+v)
				seen[key] = true
			}
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

func lookupEnv(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		k, v, ok := strings.Cut(env[i], "=")
		if ok && k == key {
			return v
		}
	}
	return ""
}

// FormatCommand renders a command line with shell quoting for logs.
func FormatCommand(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellescape.Quote(name))
	for _, arg := range args {
		parts = append(parts, shellescape.Quote(arg))
	}
	return strings.Join(parts, " ")
}
