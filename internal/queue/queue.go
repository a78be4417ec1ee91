// Package queue provides a thread-safe FIFO queue of tasks waiting for a
// busy worker.
package queue

import (
	"errors"
	"sync"
	"time"
)

// DefaultMaxSize is the default maximum number of tasks a queue can hold.
const DefaultMaxSize = 100

// ErrQueueFull is returned when attempting to enqueue to a full queue.
var ErrQueueFull = errors.New("queue is full")

// PendingTask is a task waiting for its assigned worker to become free.
type PendingTask struct {
	TaskID     string    // Registry task identifier
	Payload    string    // Task description forwarded on delegation
	EnqueuedAt time.Time // For timeout handling
}

// TaskQueue is a thread-safe FIFO queue of pending tasks.
type TaskQueue struct {
	entries []PendingTask
	mu      sync.Mutex
	maxSize int
}

// NewTaskQueue creates a new TaskQueue with the specified maximum size.
// If maxSize is <= 0, DefaultMaxSize (100) is used.
func NewTaskQueue(maxSize int) *TaskQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &TaskQueue{
		entries: make([]PendingTask, 0),
		maxSize: maxSize,
	}
}

// Enqueue adds a task to the back of the queue.
// Returns ErrQueueFull if the queue is at maximum capacity.
func (q *TaskQueue) Enqueue(pt PendingTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		return ErrQueueFull
	}

	q.entries = append(q.entries, pt)
	return nil
}

// Dequeue removes and returns the task at the front of the queue.
// Returns (zero value, false) if the queue is empty.
func (q *TaskQueue) Dequeue() (PendingTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return PendingTask{}, false
	}

	pt := q.entries[0]
	q.entries = q.entries[1:]
	return pt, true
}

// Len returns the current number of tasks in the queue.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Peek returns the task at the front of the queue without removing it.
// Returns (zero value, false) if the queue is empty.
func (q *TaskQueue) Peek() (PendingTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return PendingTask{}, false
	}

	return q.entries[0], true
}

// Drain removes and returns all tasks from the queue, leaving it empty.
// Returns an empty slice if the queue was already empty.
func (q *TaskQueue) Drain() []PendingTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return []PendingTask{}
	}

	result := q.entries
	q.entries = make([]PendingTask, 0)
	return result
}
