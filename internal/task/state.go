package task

// State represents a task's position in its lifecycle.
type State string

const (
	// StateSubmitted means the task has been accepted but not yet routed.
	StateSubmitted State = "submitted"
	// StateDelegated means the task has been handed to a worker agent.
	StateDelegated State = "delegated"
	// StateCompleted means the worker finished and the artifact was
	// consolidated.
	StateCompleted State = "completed"
	// StateFailed means the task terminated without a consolidated artifact.
	StateFailed State = "failed"
)

// validTransitions defines the allowed state machine edges.
// submitted -> delegated -> completed | failed
// submitted -> failed (no capable agent)
var validTransitions = map[State]map[State]bool{
	StateSubmitted: {
		StateDelegated: true,
		StateFailed:    true,
	},
	StateDelegated: {
		StateCompleted: true,
		StateFailed:    true,
	},
	StateCompleted: {},
	StateFailed:    {},
}

// CanTransitionTo returns true if transitioning from s to target is valid.
func (s State) CanTransitionTo(target State) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// IsTerminal returns true if the state has no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsValid returns true for a recognized lifecycle state.
func (s State) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}
