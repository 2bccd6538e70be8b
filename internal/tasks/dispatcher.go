package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/testmind-dev/tmrun/internal/log"
	"github.com/testmind-dev/tmrun/internal/metrics"
	"github.com/testmind-dev/tmrun/internal/tracing"
)

// Handler executes one task. Returning an error schedules a retry until the
// dispatcher's retry budget is spent.
type Handler interface {
	Handle(ctx context.Context, t Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t Task) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, t Task) error { return f(ctx, t) }

// ErrPermanent marks a failure that must not be retried.
var ErrPermanent = errors.New("permanent task failure")

// Options sizes the dispatcher.
type Options struct {
	Workers    int
	QueueSize  int
	MaxRetries int

	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
}

// Dispatcher owns the queue and the worker pool.
type Dispatcher struct {
	opts     Options
	queue    *Queue
	handlers map[Kind]Handler
	ready    chan struct{}
	pending  sync.WaitGroup
	tracer   trace.Tracer
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. Register handlers before Run.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultMaxSize
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &Dispatcher{
		opts:     opts,
		queue:    NewQueue(opts.QueueSize),
		handlers: make(map[Kind]Handler),
		ready:    make(chan struct{}, opts.QueueSize),
		tracer:   noop.NewTracerProvider().Tracer("noop"),
		now:      time.Now,
	}
}

// WithTracer sets the tracer for task spans.
func (d *Dispatcher) WithTracer(t trace.Tracer) *Dispatcher {
	d.tracer = t
	return d
}

// Register binds a handler to a task kind.
func (d *Dispatcher) Register(kind Kind, h Handler) {
	d.handlers[kind] = h
}

// Submit queues a task. The ID is assigned when empty.
func (d *Dispatcher) Submit(t Task) (string, error) {
	if _, ok := d.handlers[t.Kind]; !ok {
		return "", fmt.Errorf("no handler for task kind %q", t.Kind)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.EnqueuedAt = d.now()

	d.pending.Add(1)
	if err := d.queue.Enqueue(t); err != nil {
		d.pending.Done()
		return "", err
	}
	d.ready <- struct{}{}
	log.Debug(log.CatTask, "Task queued", "task", t.ID, "kind", string(t.Kind), "run", t.RunID)
	return t.ID, nil
}

// Pending returns the number of queued tasks not yet picked up.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Wait blocks until every submitted task has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled. Tasks still
// queued at shutdown are dropped and logged.
func (d *Dispatcher) Run(ctx context.Context) error {
	p := pool.New().WithContext(ctx).WithMaxGoroutines(d.opts.Workers)
	for i := 0; i < d.opts.Workers; i++ {
		p.Go(d.work)
	}
	err := p.Wait()

	for _, t := range d.queue.Drain() {
		log.Warn(log.CatTask, "Dropping task at shutdown", "task", t.ID, "kind", string(t.Kind), "run", t.RunID)
		d.pending.Done()
	}
	for len(d.ready) > 0 {
		<-d.ready
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.ready:
		}
		t, ok := d.queue.Dequeue()
		if !ok {
			continue
		}
		d.execute(ctx, t)
		d.pending.Done()
	}
}

// execute runs t with retries. Handler failures never escape: they are
// logged and counted.
func (d *Dispatcher) execute(ctx context.Context, t Task) {
	h := d.handlers[t.Kind]
	backoff := d.opts.Backoff

	for {
		t.Attempt++
		err := d.attempt(ctx, h, t)
		if err == nil {
			metrics.RecordTask(string(t.Kind), "ok")
			log.Info(log.CatTask, "Task done", "task", t.ID, "kind", string(t.Kind), "run", t.RunID, "attempt", t.Attempt)
			return
		}
		if errors.Is(err, ErrPermanent) || t.Attempt > d.opts.MaxRetries || ctx.Err() != nil {
			metrics.RecordTask(string(t.Kind), "failed")
			log.ErrorErr(log.CatTask, "Task failed", err, "task", t.ID, "kind", string(t.Kind), "run", t.RunID, "attempt", t.Attempt)
			return
		}
		metrics.RecordTask(string(t.Kind), "retry")
		log.Warn(log.CatTask, "Task failed, retrying", "task", t.ID, "kind", string(t.Kind), "attempt", t.Attempt, "backoff", backoff.String(), "error", err.Error())

		select {
		case <-ctx.Done():
			metrics.RecordTask(string(t.Kind), "failed")
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (d *Dispatcher) attempt(ctx context.Context, h Handler, t Task) (err error) {
	ctx, span := d.tracer.Start(ctx, tracing.SpanPrefixTask+string(t.Kind), trace.WithAttributes(
		attribute.String(tracing.AttrTaskID, t.ID),
		attribute.String(tracing.AttrTaskKind, string(t.Kind)),
		attribute.String(tracing.AttrRunID, t.RunID),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrPermanent, r)
		}
		tracing.End(span, err)
	}()
	return h.Handle(ctx, t)
}
