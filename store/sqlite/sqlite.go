// Package sqlite implements loom.CheckpointStore and loom.EventStore on a
// local SQLite file using the pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandlab/loom"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store persists run checkpoints and event rows in a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ loom.CheckpointStore = (*Store)(nil)
var _ loom.EventStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the checkpoint and event tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id TEXT PRIMARY KEY,
			execution_queue TEXT NOT NULL,
			context_data TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			current_node_id TEXT,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			timestamp REAL NOT NULL,
			event_json TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_events_run_seq
			ON workflow_events (run_id, seq_id)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: init done", "took", time.Since(start))
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
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
	var errStr sql.NullString
	if cp.Error != "" {
		errStr = sql.NullString{String: cp.Error, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (run_id, execution_queue, context_data, status, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			execution_queue = excluded.execution_queue,
			context_data = excluded.context_data,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		cp.RunID, string(queue), string(outputs), string(cp.Status), errStr, cp.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.RunID, err)
	}
	s.logger.Debug("sqlite: checkpoint saved",
		"run_id", cp.RunID, "status", cp.Status, "pending", len(cp.Queue))
	return nil
}

// LoadCheckpoint returns the stored state, or loom.ErrRunNotFound. Legacy
// rows written before queues existed carried a single current_node_id; those
// load as a one-element queue.
func (s *Store) LoadCheckpoint(ctx context.Context, runID string) (loom.Checkpoint, error) {
	var (
		queueJSON   string
		outputsJSON string
		status      string
		errStr      sql.NullString
		currentNode sql.NullString
		updatedAt   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT execution_queue, context_data, status, error, current_node_id, updated_at
		FROM workflow_checkpoints WHERE run_id = ?`, runID).
		Scan(&queueJSON, &outputsJSON, &status, &errStr, &currentNode, &updatedAt)
	if err == sql.ErrNoRows {
		return loom.Checkpoint{}, loom.ErrRunNotFound
	}
	if err != nil {
		return loom.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}

	cp := loom.Checkpoint{
		RunID:     runID,
		Status:    loom.Status(status),
		Error:     errStr.String,
		UpdatedAt: time.Unix(updatedAt, 0),
	}
	if queueJSON != "" {
		if err := json.Unmarshal([]byte(queueJSON), &cp.Queue); err != nil {
			return loom.Checkpoint{}, fmt.Errorf("unmarshal execution queue: %w", err)
		}
	}
	if len(cp.Queue) == 0 && currentNode.Valid && currentNode.String != "" {
		cp.Queue = []string{currentNode.String}
	}
	if outputsJSON != "" {
		if err := json.Unmarshal([]byte(outputsJSON), &cp.Outputs); err != nil {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (id, run_id, seq_id, type, timestamp, event_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, seq_id) DO NOTHING`,
		ev.ID, ev.RunID, ev.SeqID, ev.Type,
		float64(ev.Timestamp.UnixNano())/float64(time.Second), string(payload))
	if err != nil {
		return fmt.Errorf("save event %s/%d: %w", ev.RunID, ev.SeqID, err)
	}
	return nil
}

// Events returns the run's events with SeqID > afterSeq, ascending.
func (s *Store) Events(ctx context.Context, runID string, afterSeq int64) ([]loom.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_json FROM workflow_events
		WHERE run_id = ? AND seq_id > ?
		ORDER BY seq_id ASC`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query events %s: %w", runID, err)
	}
	defer rows.Close()

	var out []loom.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var ev loom.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastSeq returns the highest persisted sequence id for a run, 0 when none.
func (s *Store) LastSeq(ctx context.Context, runID string) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq_id) FROM workflow_events WHERE run_id = ?`, runID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("query last seq %s: %w", runID, err)
	}
	return last.Int64, nil
}
