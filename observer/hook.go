package observer

import (
	"context"
	"sync"
	"time"

	"github.com/strandlab/loom"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// Hook is a loom.Hook that records run and node lifecycle metrics and emits
// structured OTEL logs. Register it on the engine with loom.WithHooks.
//
// Node and run durations are measured between the matching start and end
// callbacks; the engine guarantees those pair up within a run.
type Hook struct {
	inst *Instruments

	mu         sync.Mutex
	runStarts  map[string]time.Time
	nodeStarts map[string]time.Time // keyed run_id + "/" + node_id
}

// NewHook builds a lifecycle hook over the given instruments.
func NewHook(inst *Instruments) *Hook {
	return &Hook{
		inst:       inst,
		runStarts:  make(map[string]time.Time),
		nodeStarts: make(map[string]time.Time),
	}
}

var _ loom.Hook = (*Hook)(nil)

func (h *Hook) OnWorkflowStart(ctx context.Context, runID string, g *loom.Graph) error {
	h.mu.Lock()
	h.runStarts[runID] = time.Now()
	h.mu.Unlock()

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("workflow run started"))
	rec.AddAttributes(
		otellog.String("workflow.run_id", runID),
		otellog.Int("workflow.node_count", len(g.Nodes)),
	)
	h.inst.Logger.Emit(ctx, rec)
	return nil
}

func (h *Hook) OnNodeStart(_ context.Context, runID string, node *loom.Node) error {
	h.mu.Lock()
	h.nodeStarts[runID+"/"+node.ID] = time.Now()
	h.mu.Unlock()
	return nil
}

func (h *Hook) OnNodeEnd(ctx context.Context, runID string, node *loom.Node, _ map[string]any) error {
	h.mu.Lock()
	start, ok := h.nodeStarts[runID+"/"+node.ID]
	delete(h.nodeStarts, runID+"/"+node.ID)
	h.mu.Unlock()

	h.inst.NodeExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrNodeType.String(node.Type),
	))
	if ok {
		h.inst.NodeDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(AttrNodeType.String(node.Type)))
	}
	return nil
}

func (h *Hook) OnWorkflowEnd(ctx context.Context, runID string, _ map[string]any) error {
	h.finishRun(ctx, runID, "completed")
	return nil
}

func (h *Hook) OnWorkflowError(ctx context.Context, runID string, err error) error {
	h.finishRun(ctx, runID, "failed")

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityError)
	rec.SetBody(otellog.StringValue("workflow run failed"))
	rec.AddAttributes(
		otellog.String("workflow.run_id", runID),
		otellog.String("error", err.Error()),
	)
	h.inst.Logger.Emit(ctx, rec)
	return nil
}

func (h *Hook) finishRun(ctx context.Context, runID, status string) {
	h.mu.Lock()
	start, ok := h.runStarts[runID]
	delete(h.runStarts, runID)
	h.mu.Unlock()

	h.inst.RunExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrStatus.String(status),
		attribute.String("workflow.run_id", runID),
	))
	if ok {
		h.inst.RunDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(AttrStatus.String(status)))
	}
}
