package task

import (
	"context"
)

// TransitionOption mutates a task record as part of a state change.
type TransitionOption func(*Task)

// WithAssignee records the worker the task was delegated to.
func WithAssignee(agentID string) TransitionOption {
	return func(t *Task) {
		t.AssignedTo = agentID
	}
}

// WithFailureReason records why the task failed.
func WithFailureReason(reason string) TransitionOption {
	return func(t *Task) {
		t.FailureReason = reason
	}
}

// Registry tracks every accepted task. Implementations must allocate IDs
// monotonically and enforce the lifecycle state machine on Transition.
type Registry interface {
	// Create allocates the next task ID and stores a new task in
	// StateSubmitted.
	Create(ctx context.Context, payload string) (Task, error)

	// Get returns the task with the given ID, or ErrTaskNotFound.
	Get(ctx context.Context, id string) (Task, error)

	// Transition moves a task to a new state, applying any options, and
	// returns the updated record. Returns *InvalidTransitionError when the
	// state machine forbids the move.
	Transition(ctx context.Context, id string, to State, opts ...TransitionOption) (Task, error)

	// All returns every task in creation order.
	All(ctx context.Context) ([]Task, error)

	// Close releases the registry's resources.
	Close() error
}
