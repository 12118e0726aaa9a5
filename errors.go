package loom

import (
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned by CheckpointStore.LoadCheckpoint when no
// checkpoint row exists for the requested run id.
var ErrRunNotFound = errors.New("run not found")

// ErrCompactionOverflow is returned when a summarization request still
// exceeds the context window after all tool responses have been removed.
// The run cannot proceed without a larger window.
var ErrCompactionOverflow = errors.New("compaction: summary request exceeds context window at full tool removal")

// ErrRunSuspended is returned by Engine.Run when the run paused at a
// suspension point. The checkpoint holds status suspended; resume the run
// with WithResume and, typically, WithResumeInputs carrying the awaited
// data.
var ErrRunSuspended = errors.New("run suspended awaiting external input")

// NodeError wraps a component failure with the node that raised it.
// The scheduler re-prepends the node to the checkpoint queue so a resume
// retries it.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// ErrHTTP reports a non-2xx response from an external HTTP call.
// RetryAfter carries the server's Retry-After hint when one was sent.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}
