package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestDispatcher_RunsTask(t *testing.T) {
	d := NewDispatcher(Options{Workers: 2})
	var got atomic.Value
	d.Register(KindRemediation, HandlerFunc(func(_ context.Context, task Task) error {
		got.Store(task)
		return nil
	}))
	startDispatcher(t, d)

	id, err := d.Submit(Task{Kind: KindRemediation, RunID: "r1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	waitIdle(t, d)

	task := got.Load().(Task)
	require.Equal(t, id, task.ID)
	require.Equal(t, "r1", task.RunID)
	require.Equal(t, 1, task.Attempt)
}

func TestDispatcher_RetriesThenGivesUp(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1, MaxRetries: 2, Backoff: time.Millisecond})
	var calls atomic.Int32
	d.Register(KindAllureGenerate, HandlerFunc(func(context.Context, Task) error {
		calls.Add(1)
		return errors.New("flaky")
	}))
	startDispatcher(t, d)

	_, err := d.Submit(Task{Kind: KindAllureGenerate})
	require.NoError(t, err)
	waitIdle(t, d)

	require.Equal(t, int32(3), calls.Load())
}

func TestDispatcher_PermanentErrorNotRetried(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1, MaxRetries: 5, Backoff: time.Millisecond})
	var calls atomic.Int32
	d.Register(KindAllureGenerate, HandlerFunc(func(context.Context, Task) error {
		calls.Add(1)
		return ErrPermanent
	}))
	startDispatcher(t, d)

	_, err := d.Submit(Task{Kind: KindAllureGenerate})
	require.NoError(t, err)
	waitIdle(t, d)

	require.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_PanicIsContained(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1, MaxRetries: 3})
	var calls atomic.Int32
	d.Register(KindRemediation, HandlerFunc(func(context.Context, Task) error {
		calls.Add(1)
		panic("boom")
	}))
	startDispatcher(t, d)

	_, err := d.Submit(Task{Kind: KindRemediation})
	require.NoError(t, err)
	waitIdle(t, d)

	require.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_UnknownKind(t *testing.T) {
	d := NewDispatcher(Options{})
	_, err := d.Submit(Task{Kind: "nope"})
	require.ErrorContains(t, err, "no handler")
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := NewDispatcher(Options{QueueSize: 1})
	d.Register(KindRemediation, HandlerFunc(func(context.Context, Task) error { return nil }))

	_, err := d.Submit(Task{Kind: KindRemediation})
	require.NoError(t, err)
	_, err = d.Submit(Task{Kind: KindRemediation})
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, 1, d.Pending())
}

func TestDispatcher_SubmitBeforeRun(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1})
	ran := make(chan struct{})
	d.Register(KindRemediation, HandlerFunc(func(context.Context, Task) error {
		close(ran)
		return nil
	}))

	_, err := d.Submit(Task{Kind: KindRemediation})
	require.NoError(t, err)
	startDispatcher(t, d)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("queued task never ran")
	}
}
