package executor

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestSpawnBuilder_MissingExecutable_ReturnsError verifies Run() rejects an
// unset executable.
func TestSpawnBuilder_MissingExecutable_ReturnsError(t *testing.T) {
	_, err := NewSpawnBuilder(context.Background()).Run()

	require.Error(t, err)
	require.Contains(t, err.Error(), "executable path is required")
}

func TestSpawnBuilder_CapturesOutputAndExitCode(t *testing.T) {
	res, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/bin/sh", []string{"-c", "echo out; echo err >&2; exit 3"}).
		Run()

	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "out\n", res.Stdout)
	require.Equal(t, "err\n", res.Stderr)
	require.False(t, res.OK())
}

func TestSpawnBuilder_EnvIsChildOnly(t *testing.T) {
	t.Setenv("TMRUN_SPAWN_PARENT", "parent")

	res, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/bin/sh", []string{"-c", `printf "%s|%s" "$TMRUN_SPAWN_PARENT" "$TMRUN_SPAWN_CHILD"`}).
		WithEnv(map[string]string{"TMRUN_SPAWN_CHILD": "child"}).
		Run()

	require.NoError(t, err)
	require.Equal(t, "parent|child", res.Stdout)
	_, set := os.LookupEnv("TMRUN_SPAWN_CHILD")
	require.False(t, set, "child variables must not leak into the parent")
}

func TestSpawnBuilder_WithoutInheritedEnv(t *testing.T) {
	t.Setenv("TMRUN_SPAWN_PARENT", "parent")

	env := NewSpawnBuilder(context.Background()).
		WithInheritEnv(false).
		WithEnv(map[string]string{"A": "1"}).
		Env()

	require.Equal(t, []string{"A=1"}, env)
}

func TestSpawnBuilder_PathPrefix(t *testing.T) {
	env := NewSpawnBuilder(context.Background()).
		WithInheritEnv(false).
		WithEnv(map[string]string{"PATH": "/usr/bin"}).
		WithPathPrefix("/ws/node_modules/.bin").
		Env()

	require.Equal(t, []string{"PATH=/ws/node_modules/.bin" + string(os.PathListSeparator) + "/usr/bin"}, env)
}

func TestSpawnBuilder_Timeout(t *testing.T) {
	res, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/bin/sh", []string{"-c", "sleep 5"}).
		WithTimeout(50 * time.Millisecond).
		Run()

	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Equal(t, -1, res.ExitCode)
	require.Contains(t, res.Stderr, "process timed out")
}

func TestSpawnBuilder_ParentCancelReturnsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := NewSpawnBuilder(ctx).
		WithExecutable("/bin/sh", []string{"-c", "sleep 5"}).
		Run()

	require.ErrorIs(t, err, context.Canceled)
}

func TestSpawnBuilder_OutputTee(t *testing.T) {
	var live bytes.Buffer
	res, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/bin/echo", []string{"hello"}).
		WithOutputTee(&live, nil).
		Run()

	require.NoError(t, err)
	require.Equal(t, "hello\n", res.Stdout)
	require.Equal(t, "hello\n", live.String())
}

func TestMergeEnv(t *testing.T) {
	base := []string{"B=1", "A=2", "PATH=/bin"}
	got := MergeEnv(base, map[string]string{"A": "x", "Z": "z", "C": "c"})

	require.Equal(t, []string{"B=1", "A=x", "PATH=/bin", "C=c", "Z=z"}, got)
}

func TestFormatCommand_QuotesArguments(t *testing.T) {
	got := FormatCommand("npx", []string{"playwright", "test", "--grep", "login page"})

	require.Equal(t, "npx playwright test --grep 'login page'", got)
	require.False(t, strings.Contains(FormatCommand("git", []string{"status"}), "'"))
}

func TestSpawnBuilder_TimeoutKillsGrandchildren(t *testing.T) {
	started := time.Now()
	res, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/bin/sh", []string{"-c", "sleep 5; echo done"}).
		WithTimeout(200 * time.Millisecond).
		Run()

	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Equal(t, -1, res.ExitCode)
	require.NotContains(t, res.Stdout, "done")
	require.Less(t, time.Since(started), 3*time.Second)
}

func TestSpawnBuilder_CancelKillsGrandchildren(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	started := time.Now()
	_, err := NewSpawnBuilder(ctx).
		WithExecutable("/bin/sh", []string{"-c", "sleep 5; echo done"}).
		Run()

	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(started), 3*time.Second)
}
