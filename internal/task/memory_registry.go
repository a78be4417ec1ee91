package task

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory Registry for tests and ephemeral runs.
// State is lost on process exit.
type MemoryRegistry struct {
	mu    sync.RWMutex
	seq   int64
	tasks map[string]Task
	order []string
}

// NewMemoryRegistry returns an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{tasks: make(map[string]Task)}
}

func (r *MemoryRegistry) Create(ctx context.Context, payload string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	id := FormatID(r.seq)
	if _, exists := r.tasks[id]; exists {
		return Task{}, &DuplicateTaskIDError{TaskID: id}
	}

	now := time.Now()
	t := Task{
		ID:        id,
		Payload:   payload,
		State:     StateSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.tasks[id] = t
	r.order = append(r.order, id)
	return t, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

func (r *MemoryRegistry) Transition(ctx context.Context, id string, to State, opts ...TransitionOption) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if !t.State.CanTransitionTo(to) {
		return Task{}, &InvalidTransitionError{TaskID: id, From: t.State, To: to}
	}

	t.State = to
	for _, opt := range opts {
		opt(&t)
	}
	t.UpdatedAt = time.Now()
	r.tasks[id] = t
	return t, nil
}

func (r *MemoryRegistry) All(ctx context.Context) ([]Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id])
	}
	return out, nil
}

func (r *MemoryRegistry) Close() error {
	return nil
}
