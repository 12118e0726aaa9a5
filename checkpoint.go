package loom

import "time"

// Status is the lifecycle state recorded on a run's checkpoint.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// IsTerminal reports whether the run has finished for good. On resume only
// a completed checkpoint restarts from the entry node; a failed one keeps
// its stored queue so the failed node re-executes.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Checkpoint is the durable snapshot of a run: the pending execution queue,
// the output cache, and the lifecycle status. It is written after every node
// completion, so on crash a node re-executes at most once.
type Checkpoint struct {
	RunID     string                    `json:"run_id"`
	Queue     []string                  `json:"execution_queue"`
	Outputs   map[string]map[string]any `json:"context_data"`
	Status    Status                    `json:"status"`
	Error     string                    `json:"error,omitempty"`
	UpdatedAt time.Time                 `json:"updated_at"`
}
