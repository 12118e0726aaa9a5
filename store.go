package loom

import "context"

// CheckpointStore persists per-run execution state as a single upserted row.
type CheckpointStore interface {
	// SaveCheckpoint upserts the checkpoint by run id.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	// LoadCheckpoint returns the stored state, or ErrRunNotFound.
	// Implementations tolerate legacy rows that recorded a single
	// current node id instead of a queue.
	LoadCheckpoint(ctx context.Context, runID string) (Checkpoint, error)
}

// EventStore is a durable append-only event log keyed by (run_id, seq_id).
type EventStore interface {
	// SaveEvent persists the event. Idempotent under retry: a second save
	// of the same (run_id, seq_id) is a no-op.
	SaveEvent(ctx context.Context, ev Event) error
	// Events returns events with SeqID > afterSeq, ascending by SeqID.
	Events(ctx context.Context, runID string, afterSeq int64) ([]Event, error)
	// LastSeq returns the highest persisted SeqID for a run, 0 when none.
	// Resumed runs continue their sequence numbering from here.
	LastSeq(ctx context.Context, runID string) (int64, error)
}
