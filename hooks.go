package loom

import (
	"context"
	"fmt"
	"log/slog"
)

// Hook observes run lifecycle moments. Hooks run sequentially in
// registration order; a hook error or panic is logged and suppressed, never
// aborting the run.
type Hook interface {
	OnWorkflowStart(ctx context.Context, runID string, g *Graph) error
	OnNodeStart(ctx context.Context, runID string, node *Node) error
	OnNodeEnd(ctx context.Context, runID string, node *Node, output map[string]any) error
	OnWorkflowEnd(ctx context.Context, runID string, output map[string]any) error
	OnWorkflowError(ctx context.Context, runID string, err error) error
}

// BaseHook is a no-op Hook for embedding, so implementations only override
// the moments they care about.
type BaseHook struct{}

func (BaseHook) OnWorkflowStart(context.Context, string, *Graph) error { return nil }
func (BaseHook) OnNodeStart(context.Context, string, *Node) error      { return nil }
func (BaseHook) OnNodeEnd(context.Context, string, *Node, map[string]any) error {
	return nil
}
func (BaseHook) OnWorkflowEnd(context.Context, string, map[string]any) error { return nil }
func (BaseHook) OnWorkflowError(context.Context, string, error) error { return nil }

// safeHook runs one hook callback, converting errors and panics into log
// lines.
func safeHook(logger *slog.Logger, runID, moment string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("hook panicked", "run_id", runID, "moment", moment, "panic", fmt.Sprintf("%v", p))
		}
	}()
	if err := fn(); err != nil {
		logger.Warn("hook failed", "run_id", runID, "moment", moment, "error", err)
	}
}
