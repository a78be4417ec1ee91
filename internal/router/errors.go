package router

import "fmt"

// NoCapableAgentError indicates no registered worker advertises a capability
// found in the task payload. The task is failed, not queued.
type NoCapableAgentError struct {
	TaskID string
}

func (e *NoCapableAgentError) Error() string {
	return fmt.Sprintf("task %s: no capable agent for payload", e.TaskID)
}

// ArtifactMissingError indicates a worker reported completion but its spec
// artifact was not in the store.
type ArtifactMissingError struct {
	TaskID  string
	AgentID string
	Key     string
}

func (e *ArtifactMissingError) Error() string {
	return fmt.Sprintf("task %s: artifact %s missing from store", e.TaskID, e.Key)
}

// LedgerWriteError indicates consolidation could not append to the ledger
// after retrying. The worker's artifact is left in the store so no work is
// lost.
type LedgerWriteError struct {
	TaskID string
	Err    error
}

func (e *LedgerWriteError) Error() string {
	return fmt.Sprintf("task %s: ledger write failed: %v", e.TaskID, e.Err)
}

func (e *LedgerWriteError) Unwrap() error {
	return e.Err
}
