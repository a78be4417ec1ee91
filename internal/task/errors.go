package task

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when a task ID is not in the registry.
var ErrTaskNotFound = errors.New("task not found")

// InvalidTransitionError is returned when a state change violates the
// lifecycle state machine.
type InvalidTransitionError struct {
	TaskID string
	From   State
	To     State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// DuplicateTaskIDError indicates the ID sequence produced an identifier that
// already exists. This means the registry's backing state is corrupt and the
// process should not continue accepting tasks.
type DuplicateTaskIDError struct {
	TaskID string
}

func (e *DuplicateTaskIDError) Error() string {
	return fmt.Sprintf("duplicate task ID %s: registry sequence is corrupt", e.TaskID)
}
