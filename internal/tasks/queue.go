// Package tasks runs work that must not block run finalization: Allure
// report generation and remediation requests. Tasks sit in a bounded FIFO
// and are executed by a fixed pool of workers with retries.
package tasks

import (
	"errors"
	"sync"
	"time"
)

// DefaultMaxSize is the default queue capacity.
const DefaultMaxSize = 100

// ErrQueueFull is returned when enqueueing to a full queue.
var ErrQueueFull = errors.New("task queue is full")

// Kind names a task handler.
type Kind string

const (
	KindAllureGenerate Kind = "allure.generate"
	KindRemediation    Kind = "remediation"
)

// Task is one unit of background work tied to a run.
type Task struct {
	ID        string
	Kind      Kind
	RunID     string
	ProjectID string

	// LogDir is the run's log directory.
	LogDir string

	// WorkDir is where helper binaries are resolved (node_modules/.bin).
	WorkDir string

	Attempt    int
	EnqueuedAt time.Time
}

// Queue is a thread-safe bounded FIFO of tasks.
type Queue struct {
	entries []Task
	mu      sync.Mutex
	maxSize int
}

// NewQueue creates a queue holding at most maxSize tasks.
// If maxSize is <= 0, DefaultMaxSize is used.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Queue{maxSize: maxSize}
}

// Enqueue adds a task to the back of the queue.
func (q *Queue) Enqueue(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		return ErrQueueFull
	}
	q.entries = append(q.entries, t)
	return nil
}

// Dequeue removes and returns the front task.
func (q *Queue) Dequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Task{}, false
	}
	t := q.entries[0]
	q.entries = q.entries[1:]
	return t, true
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drain removes and returns every queued task.
func (q *Queue) Drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.entries
	q.entries = nil
	return out
}
