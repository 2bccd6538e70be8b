package log

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormat_FieldsAndOrphanKey(t *testing.T) {
	ts := time.Date(2025, 12, 6, 10, 45, 0, 0, time.UTC)

	line := Format(ts, LevelError, CatRun, "pipeline failed", "run_id", "abc", "stage")

	require.Equal(t, "2025-12-06T10:45:00 [ERROR] [run] pipeline failed run_id=abc stage=<missing>\n", line)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, LevelWarn, ParseLevel("warning"))
	require.Equal(t, LevelError, ParseLevel(" error "))
	require.Equal(t, LevelInfo, ParseLevel("nonsense"))
}

func TestLogger_MinLevelAndErrorErr(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)
	t.Cleanup(func() { defaultLogger = nil })

	SetMinLevel(LevelWarn)
	Info(CatExec, "hidden")
	ErrorErr(CatExec, "spawn failed", errors.New("boom"), "cmd", "npx")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "[ERROR] [exec] spawn failed cmd=npx error=boom")
}

func TestSubscribe_ReceivesEntries(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)
	t.Cleanup(func() { defaultLogger = nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := Subscribe(ctx)
	require.NotNil(t, ch)

	Warn(CatPort, "preferred port busy", "port", 4173)

	select {
	case ev := <-ch:
		require.Contains(t, ev.Payload, "preferred port busy port=4173")
	case <-time.After(time.Second):
		require.Fail(t, "no log event published")
	}
}

func TestDisabledLoggerIsSilent(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)
	t.Cleanup(func() { defaultLogger = nil })

	SetEnabled(false)
	Error(CatDB, "should not appear")
	require.Empty(t, buf.String())
}
