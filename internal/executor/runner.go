package executor

import (
	"context"
	"io"
	"time"
)

// Command describes one subprocess invocation.
type Command struct {
	Name       string
	Args       []string
	Dir        string
	Env        map[string]string
	PathPrefix []string
	Timeout    time.Duration

	// Stdout and Stderr receive live output in addition to the captured buffers.
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command for logs.
func (c Command) String() string {
	return FormatCommand(c.Name, c.Args)
}

// CommandRunner runs a command to completion.
// This abstraction lets installers and tasks be tested without npm or npx.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner implements CommandRunner with SpawnBuilder.
type ExecRunner struct {
	commandFactory CommandFactoryFunc
}

// NewExecRunner creates an ExecRunner backed by exec.CommandContext.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// NewExecRunnerWithFactory creates an ExecRunner with a custom command factory.
func NewExecRunnerWithFactory(f CommandFactoryFunc) *ExecRunner {
	return &ExecRunner{commandFactory: f}
}

// Run implements CommandRunner.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	b := NewSpawnBuilder(ctx).
		WithExecutable(cmd.Name, cmd.Args).
		WithWorkDir(cmd.Dir).
		WithEnv(cmd.Env).
		WithPathPrefix(cmd.PathPrefix...).
		WithTimeout(cmd.Timeout).
		WithOutputTee(cmd.Stdout, cmd.Stderr)
	if r.commandFactory != nil {
		b = b.WithCommandFactory(r.commandFactory)
	}
	return b.Run()
}
