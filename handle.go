package loom

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// RunState represents the execution state of a background run handle.
type RunState int32

const (
	// StatePending indicates the run has been started but is not executing yet.
	StatePending RunState = iota
	// StateRunning indicates the run is in progress.
	StateRunning
	// StateSuspended indicates the run parked awaiting external input.
	// Resuming starts a fresh handle via Start with WithResume.
	StateSuspended
	// StateCompleted indicates the run finished successfully.
	StateCompleted
	// StateFailed indicates the run returned an error.
	StateFailed
	// StateCancelled indicates the run was cancelled via Cancel() or parent context.
	StateCancelled
)

// String returns the state name.
func (s RunState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsSettled reports whether the handle's goroutine has finished. Suspended
// counts as settled: the handle is done even though the run itself can be
// resumed later.
func (s RunState) IsSettled() bool {
	return s == StateSuspended || s == StateCompleted || s == StateFailed || s == StateCancelled
}

// RunHandle tracks a workflow run executing in a background goroutine.
// All methods are safe for concurrent use.
type RunHandle struct {
	runID  string
	state  atomic.Int32
	output map[string]any
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// Start launches Run in a background goroutine and returns immediately with
// a handle for tracking, awaiting, and cancelling. The parent ctx controls
// the run's lifetime — cancelling it cancels the run.
func (e *Engine) Start(ctx context.Context, g *Graph, input any, opts ...RunOption) *RunHandle {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	runID := cfg.runID
	if runID == "" {
		runID = NewID()
		opts = append(opts, WithRunID(runID))
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		runID:  runID,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.state.Store(int32(StatePending))

	e.logger.Info("run started in background", "run_id", runID)

	go func() {
		defer cancel() // release context resources on completion
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("background run panic", "run_id", runID, "panic", fmt.Sprintf("%v", p))
				h.output = nil
				h.err = fmt.Errorf("run panic: %v", p)
				h.state.Store(int32(StateFailed))
				close(h.done)
			}
		}()
		h.state.Store(int32(StateRunning))
		start := time.Now()
		out, err := e.Run(ctx, g, input, opts...)

		// Write output/err before close(done). The channel close is the
		// happens-before barrier: all readers (<-h.done in Await, State,
		// Result) are guaranteed to see these writes after the close.
		h.output = out
		h.err = err
		switch {
		case errors.Is(err, ErrRunSuspended):
			h.state.Store(int32(StateSuspended))
			e.logger.Info("background run suspended", "run_id", runID, "duration", time.Since(start))
		case ctx.Err() != nil && err != nil:
			h.state.Store(int32(StateCancelled))
			e.logger.Info("background run cancelled", "run_id", runID, "duration", time.Since(start))
		case err != nil:
			h.state.Store(int32(StateFailed))
			e.logger.Error("background run failed", "run_id", runID, "error", err, "duration", time.Since(start))
		default:
			h.state.Store(int32(StateCompleted))
			e.logger.Info("background run completed", "run_id", runID, "duration", time.Since(start))
		}
		close(h.done)
	}()

	return h
}

// RunID returns the run identifier, usable for resume and event history.
func (h *RunHandle) RunID() string { return h.runID }

// State returns the current execution state.
// If the state is settled, State blocks until Done() is closed (nanoseconds)
// to guarantee that Result() returns valid data when State().IsSettled() is true.
func (h *RunHandle) State() RunState {
	s := RunState(h.state.Load())
	if s.IsSettled() {
		<-h.done
	}
	return s
}

// Done returns a channel closed when execution finishes (any settled state).
// Composable with select for multiplexing multiple handles.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run settles or ctx is cancelled.
// Returns the run's final output and error on completion; a suspended run
// yields ErrRunSuspended. Returns nil and ctx.Err() if ctx is cancelled
// before the run settles.
func (h *RunHandle) Await(ctx context.Context) (map[string]any, error) {
	select {
	case <-h.done:
		return h.output, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the output and error. Only meaningful after Done() is
// closed. Before that, returns nil output and nil error.
func (h *RunHandle) Result() (map[string]any, error) {
	select {
	case <-h.done:
		return h.output, h.err
	default:
		return nil, nil
	}
}

// Cancel requests cancellation. Non-blocking. The run receives a cancelled
// context. State transitions to StateCancelled once Run returns.
func (h *RunHandle) Cancel() { h.cancel() }
