// Package task defines the task entity, its lifecycle state machine, and the
// registry that tracks every task the system has accepted.
package task

import (
	"fmt"
	"time"
)

// IDFormat is the printf pattern for task identifiers: TASK-001, TASK-002...
// The sequence is monotonic across restarts.
const IDFormat = "TASK-%03d"

// FormatID renders a sequence number as a task identifier.
func FormatID(seq int64) string {
	return fmt.Sprintf(IDFormat, seq)
}

// Task is the registry's record of one unit of submitted work.
type Task struct {
	// ID is the stable identifier, formatted per IDFormat.
	ID string `json:"id"`

	// Payload is the free-text task description from submission.
	Payload string `json:"payload"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// AssignedTo is the worker agent the task was delegated to.
	// Empty until the task leaves submitted.
	AssignedTo string `json:"assigned_to,omitempty"`

	// FailureReason records why the task failed. Set only in failed.
	FailureReason string `json:"failure_reason,omitempty"`

	// CreatedAt is when the task was accepted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task last changed state.
	UpdatedAt time.Time `json:"updated_at"`
}

// ArtifactKey returns the store key a worker writes its spec artifact to.
func (t Task) ArtifactKey() string {
	return fmt.Sprintf("%s_%s_spec.md", t.AssignedTo, t.ID)
}
