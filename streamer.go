package loom

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// streamerConfig holds options accumulated by StreamerOption calls.
type streamerConfig struct {
	startSeq int64
	logger   *slog.Logger
}

// StreamerOption configures a Streamer.
type StreamerOption func(*streamerConfig)

// WithStartSeq sets the last already-assigned sequence number. A resumed run
// passes the store's LastSeq so its events continue the dense numbering.
func WithStartSeq(n int64) StreamerOption {
	return func(c *streamerConfig) { c.startSeq = n }
}

// StreamerLogger sets a structured logger for async persistence failures.
func StreamerLogger(l *slog.Logger) StreamerOption {
	return func(c *streamerConfig) { c.logger = l }
}

// EmitOption annotates a single emitted event.
type EmitOption func(*Event)

// FromNode records the producing node id on the envelope.
func FromNode(nodeID string) EmitOption {
	return func(e *Event) { e.NodeID = nodeID }
}

// WithMeta adds a metadata entry to the envelope.
func WithMeta(key, value string) EmitOption {
	return func(e *Event) {
		if e.Meta == nil {
			e.Meta = make(map[string]string)
		}
		e.Meta[key] = value
	}
}

// Streamer is the per-run event emitter. It assigns dense, strictly
// increasing sequence ids, publishes every event on the run's bus topic, and
// persists to the event store according to the criticality policy: lifecycle
// events are written synchronously before publish, everything else is
// fire-and-forget.
type Streamer struct {
	bus   *Bus
	store EventStore
	runID string

	mu  sync.Mutex
	seq int64

	logger *slog.Logger
}

// NewStreamer binds a streamer to a run. store may be nil, in which case
// events are broadcast but not persisted (useful in tests).
func NewStreamer(bus *Bus, store EventStore, runID string, opts ...StreamerOption) *Streamer {
	cfg := streamerConfig{logger: nopLogger}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Streamer{
		bus:    bus,
		store:  store,
		runID:  runID,
		seq:    cfg.startSeq,
		logger: cfg.logger,
	}
}

// RunID returns the run this streamer is bound to.
func (s *Streamer) RunID() string { return s.runID }

// Emit assigns the next sequence id, persists per the criticality policy,
// and publishes. For critical events a persistence failure is returned and
// the event is not broadcast; for others persistence happens in the
// background and failures are only logged.
func (s *Streamer) Emit(ctx context.Context, eventType string, payload map[string]any, opts ...EmitOption) error {
	s.mu.Lock()
	s.seq++
	ev := Event{
		ID:        NewID(),
		RunID:     s.runID,
		SeqID:     s.seq,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	s.mu.Unlock()
	for _, opt := range opts {
		opt(&ev)
	}

	if s.store != nil {
		if IsCritical(eventType) {
			if err := s.store.SaveEvent(ctx, ev); err != nil {
				return fmt.Errorf("persist %s event: %w", eventType, err)
			}
		} else {
			// Detached from the caller's cancellation so the write can
			// finish after the node moves on. Inherits context values.
			bgCtx := context.WithoutCancel(ctx)
			go func() {
				if err := s.store.SaveEvent(bgCtx, ev); err != nil {
					s.logger.Warn("streamer: async event persist failed",
						"run_id", s.runID, "seq_id", ev.SeqID, "type", ev.Type, "error", err)
				}
			}()
		}
	}

	s.bus.Publish(s.runID, ev)
	return nil
}

// Listen subscribes to the run's topic: ring-buffered events with
// SeqID > afterSeq are replayed first, then live delivery follows.
func (s *Streamer) Listen(afterSeq int64) *Subscription {
	return s.bus.Subscribe(s.runID, afterSeq)
}

// History returns only the durable record, for cold backfill when the ring
// buffer has aged out. Returns nil when no store is configured.
func (s *Streamer) History(ctx context.Context, afterSeq int64) ([]Event, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.Events(ctx, s.runID, afterSeq)
}

// Close ends the run's topic, signalling termination to all subscribers.
func (s *Streamer) Close() {
	s.bus.CloseTopic(s.runID)
}
