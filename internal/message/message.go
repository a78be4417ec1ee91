// Package message defines the typed envelopes exchanged between agents.
//
// Messages form a closed set of four types covering the full task lifecycle:
// NEW_TASK (submission), DELEGATED_TASK (routing), TASK_COMPLETE and
// TASK_FAILED (terminal signals from workers). Envelopes are values, never
// references: once published they are immutable, and handlers receive copies.
package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of message. The set is closed: the bus rejects
// envelopes with unknown type tags at validation time.
type Type string

const (
	// TypeNewTask announces a freshly submitted task to the router.
	TypeNewTask Type = "NEW_TASK"
	// TypeDelegatedTask hands a task to the agent selected by the router.
	TypeDelegatedTask Type = "DELEGATED_TASK"
	// TypeTaskComplete signals that a worker finished its task and wrote
	// its spec artifact.
	TypeTaskComplete Type = "TASK_COMPLETE"
	// TypeTaskFailed signals that a worker could not complete its task.
	TypeTaskFailed Type = "TASK_FAILED"
)

// IsValid returns true if this is a recognized message type.
func (t Type) IsValid() bool {
	switch t {
	case TypeNewTask, TypeDelegatedTask, TypeTaskComplete, TypeTaskFailed:
		return true
	default:
		return false
	}
}

// Message is the immutable envelope delivered over the event bus.
// JSON field names are the wire contract and must not change.
type Message struct {
	// ID is a unique identifier for this envelope (uuid).
	ID string `json:"id"`

	// Type is the message type tag.
	Type Type `json:"type"`

	// TaskID is the task this message concerns.
	TaskID string `json:"task_id"`

	// From identifies the originating agent ("manager", "librarian", "probe").
	From string `json:"from"`

	// Payload carries the free-text task description for NEW_TASK and
	// DELEGATED_TASK. Empty for completion signals.
	Payload string `json:"payload,omitempty"`

	// AgentID identifies the worker emitting a completion or failure signal.
	AgentID string `json:"agent_id,omitempty"`

	// Reason carries the failure description for TASK_FAILED.
	Reason string `json:"reason,omitempty"`

	// Timestamp is when the envelope was created.
	Timestamp time.Time `json:"timestamp"`
}

// NewTask builds a NEW_TASK envelope.
func NewTask(from, taskID, payload string) Message {
	return newMessage(TypeNewTask, from, taskID, payload, "", "")
}

// DelegatedTask builds a DELEGATED_TASK envelope.
func DelegatedTask(from, taskID, payload string) Message {
	return newMessage(TypeDelegatedTask, from, taskID, payload, "", "")
}

// TaskComplete builds a TASK_COMPLETE envelope from the given worker.
func TaskComplete(agentID, taskID string) Message {
	return newMessage(TypeTaskComplete, agentID, taskID, "", agentID, "")
}

// TaskFailed builds a TASK_FAILED envelope from the given worker.
func TaskFailed(agentID, taskID, reason string) Message {
	return newMessage(TypeTaskFailed, agentID, taskID, "", agentID, reason)
}

func newMessage(t Type, from, taskID, payload, agentID, reason string) Message {
	return Message{
		ID:        uuid.New().String(),
		Type:      t,
		TaskID:    taskID,
		From:      from,
		Payload:   payload,
		AgentID:   agentID,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// Validate checks the envelope's structural invariants.
func (m Message) Validate() error {
	if !m.Type.IsValid() {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.TaskID == "" {
		return fmt.Errorf("message %s missing task_id", m.Type)
	}
	switch m.Type {
	case TypeTaskComplete, TypeTaskFailed:
		if m.AgentID == "" {
			return fmt.Errorf("message %s missing agent_id", m.Type)
		}
	case TypeNewTask, TypeDelegatedTask:
	}
	return nil
}
