// Package postgres implements loom.CheckpointStore and loom.EventStore on
// PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandlab/loom"
)

// Store persists run checkpoints and event rows in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ loom.CheckpointStore = (*Store)(nil)
var _ loom.EventStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the checkpoint and event tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id TEXT PRIMARY KEY,
			execution_queue JSONB NOT NULL,
			context_data JSONB NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			current_node_id TEXT,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq_id BIGINT NOT NULL,
			type TEXT NOT NULL,
			timestamp DOUBLE PRECISION NOT NULL,
			event_json JSONB NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_events_run_seq
			ON workflow_events (run_id, seq_id)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// SaveCheckpoint upserts the run's execution state by run id.
func (s *Store) SaveCheckpoint(ctx context.Context, cp loom.Checkpoint) error {
	queue, err := json.Marshal(cp.Queue)
	if err != nil {
		return fmt.Errorf("marshal execution queue: %w", err)
	}
	outputs, err := json.Marshal(cp.Outputs)
	if err != nil {
		return fmt.Errorf("marshal context data: %w", err)
	}
	var errVal any
	if cp.Error != "" {
		errVal = cp.Error
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_checkpoints (run_id, execution_queue, context_data, status, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
			execution_queue = EXCLUDED.execution_queue,
			context_data = EXCLUDED.context_data,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		cp.RunID, queue, outputs, string(cp.Status), errVal, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.RunID, err)
	}
	return nil
}

// LoadCheckpoint returns the stored state, or loom.ErrRunNotFound. Legacy
// rows written before queues existed carried a single current_node_id; those
// load as a one-element queue.
func (s *Store) LoadCheckpoint(ctx context.Context, runID string) (loom.Checkpoint, error) {
	var (
		queueJSON   []byte
		outputsJSON []byte
		status      string
		errStr      *string
		currentNode *string
		updatedAt   time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT execution_queue, context_data, status, error, current_node_id, updated_at
		FROM workflow_checkpoints WHERE run_id = $1`, runID).
		Scan(&queueJSON, &outputsJSON, &status, &errStr, &currentNode, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return loom.Checkpoint{}, loom.ErrRunNotFound
	}
	if err != nil {
		return loom.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}

	cp := loom.Checkpoint{
		RunID:     runID,
		Status:    loom.Status(status),
		UpdatedAt: updatedAt,
	}
	if errStr != nil {
		cp.Error = *errStr
	}
	if len(queueJSON) > 0 {
		if err := json.Unmarshal(queueJSON, &cp.Queue); err != nil {
			return loom.Checkpoint{}, fmt.Errorf("unmarshal execution queue: %w", err)
		}
	}
	if len(cp.Queue) == 0 && currentNode != nil && *currentNode != "" {
		cp.Queue = []string{*currentNode}
	}
	if len(outputsJSON) > 0 {
		if err := json.Unmarshal(outputsJSON, &cp.Outputs); err != nil {
			return loom.Checkpoint{}, fmt.Errorf("unmarshal context data: %w", err)
		}
	}
	return cp, nil
}

// SaveEvent appends the event row. Idempotent by (run_id, seq_id): a retry
// of an already-persisted event is a no-op.
func (s *Store) SaveEvent(ctx context.Context, ev loom.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_events (id, run_id, seq_id, type, timestamp, event_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, seq_id) DO NOTHING`,
		ev.ID, ev.RunID, ev.SeqID, ev.Type,
		float64(ev.Timestamp.UnixNano())/float64(time.Second), payload)
	if err != nil {
		return fmt.Errorf("save event %s/%d: %w", ev.RunID, ev.SeqID, err)
	}
	return nil
}

// Events returns the run's events with SeqID > afterSeq, ascending.
func (s *Store) Events(ctx context.Context, runID string, afterSeq int64) ([]loom.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_json FROM workflow_events
		WHERE run_id = $1 AND seq_id > $2
		ORDER BY seq_id ASC`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query events %s: %w", runID, err)
	}
	defer rows.Close()

	var out []loom.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var ev loom.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastSeq returns the highest persisted sequence id for a run, 0 when none.
func (s *Store) LastSeq(ctx context.Context, runID string) (int64, error) {
	var last *int64
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(seq_id) FROM workflow_events WHERE run_id = $1`, runID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("query last seq %s: %w", runID, err)
	}
	if last == nil {
		return 0, nil
	}
	return *last, nil
}
