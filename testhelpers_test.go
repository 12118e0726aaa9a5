package loom

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memEventStore is an in-memory EventStore for tests.
type memEventStore struct {
	mu     sync.Mutex
	events map[string][]Event
	// failWith, when set, is returned by SaveEvent.
	failWith error
}

func newMemEventStore() *memEventStore {
	return &memEventStore{events: make(map[string][]Event)}
}

func (m *memEventStore) SaveEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.events[ev.RunID] = append(m.events[ev.RunID], ev)
	return nil
}

func (m *memEventStore) Events(_ context.Context, runID string, afterSeq int64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events[runID] {
		if ev.SeqID > afterSeq {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqID < out[j].SeqID })
	return out, nil
}

func (m *memEventStore) LastSeq(_ context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last int64
	for _, ev := range m.events[runID] {
		if ev.SeqID > last {
			last = ev.SeqID
		}
	}
	return last, nil
}

func (m *memEventStore) count(runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events[runID])
}

// memCheckpointStore is an in-memory CheckpointStore that records every save
// so tests can assert on the status sequence.
type memCheckpointStore struct {
	mu     sync.Mutex
	rows   map[string]Checkpoint
	saves  []Checkpoint
	loadFn func(runID string) (Checkpoint, error)
}

func newMemCheckpointStore() *memCheckpointStore {
	return &memCheckpointStore{rows: make(map[string]Checkpoint)}
}

func (m *memCheckpointStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[cp.RunID] = cp
	m.saves = append(m.saves, cp)
	return nil
}

func (m *memCheckpointStore) LoadCheckpoint(_ context.Context, runID string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadFn != nil {
		return m.loadFn(runID)
	}
	cp, ok := m.rows[runID]
	if !ok {
		return Checkpoint{}, ErrRunNotFound
	}
	return cp, nil
}

func (m *memCheckpointStore) last(runID string) (Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.rows[runID]
	return cp, ok
}

func (m *memCheckpointStore) statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, len(m.saves))
	for i, cp := range m.saves {
		out[i] = cp.Status
	}
	return out
}

// drainUntil reads events from a subscription until pred returns true or the
// timeout expires. It returns everything read.
func drainUntil(sub *Subscription, timeout time.Duration, pred func(Event) bool) []Event {
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
			if pred != nil && pred(ev) {
				return out
			}
		case <-deadline:
			return out
		}
	}
}

// drainClosed reads a subscription to channel close, failing over to the
// timeout if the topic never closes.
func drainClosed(sub *Subscription, timeout time.Duration) []Event {
	return drainUntil(sub, timeout, nil)
}
