package loom

import (
	"strings"
	"time"
)

// Event type names emitted by the engine. Components may emit additional
// types through the streamer (e.g. token deltas from an LLM call).
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventNodeStarted       = "node_started"
	EventNodeFinished      = "node_finished"
	EventNodeError         = "node_error"
	EventStreamToken       = "stream_token"
)

// criticalSuffixes mark lifecycle events that must be durably persisted
// before publish returns. Everything else is persisted asynchronously and
// may be lost on crash.
var criticalSuffixes = []string{
	"_started", "_completed", "_finished", "_failed", "_succeeded", "_ended",
}

// IsCritical reports whether an event type carries a lifecycle marker
// requiring synchronous persistence.
func IsCritical(eventType string) bool {
	for _, s := range criticalSuffixes {
		if strings.HasSuffix(eventType, s) {
			return true
		}
	}
	return false
}

// Event is the envelope for everything published on a run's topic.
//
// SeqID values within a run are dense and strictly increasing in the order
// the streamer assigned them, starting at 1. ID is globally unique.
type Event struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id"`
	SeqID     int64             `json:"seq_id"`
	Type      string            `json:"type"`
	Payload   map[string]any    `json:"payload,omitempty"`
	NodeID    string            `json:"node_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Terminal reports whether this event ends a run from a stream consumer's
// point of view.
func (e Event) Terminal() bool {
	return e.Type == EventWorkflowCompleted || e.Type == EventWorkflowFailed
}
