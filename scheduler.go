package loom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// defaultFanout bounds concurrent sub-workflow children per map node.
const defaultFanout = 5

type engineConfig struct {
	bus         *Bus
	events      EventStore
	checkpoints CheckpointStore
	resources   ResourceManager
	hooks       []Hook
	tracer      Tracer
	logger      *slog.Logger
	fanout      int
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

// WithBus sets the event bus. A private bus is created when absent.
func WithBus(b *Bus) EngineOption {
	return func(c *engineConfig) { c.bus = b }
}

// WithEventStore enables durable event persistence.
func WithEventStore(s EventStore) EngineOption {
	return func(c *engineConfig) { c.events = s }
}

// WithCheckpointStore enables checkpointing and resume.
func WithCheckpointStore(s CheckpointStore) EngineOption {
	return func(c *engineConfig) { c.checkpoints = s }
}

// WithResources sets the default resource manager for all runs.
func WithResources(r ResourceManager) EngineOption {
	return func(c *engineConfig) { c.resources = r }
}

// WithHooks appends lifecycle hooks, invoked in registration order.
func WithHooks(hs ...Hook) EngineOption {
	return func(c *engineConfig) { c.hooks = append(c.hooks, hs...) }
}

// WithTracer wraps every component invocation in a span.
func WithTracer(t Tracer) EngineOption {
	return func(c *engineConfig) { c.tracer = t }
}

// WithFanout bounds concurrent sub-workflow children per map node.
func WithFanout(n int) EngineOption {
	return func(c *engineConfig) {
		if n > 0 {
			c.fanout = n
		}
	}
}

// EngineLogger sets the structured logger for scheduler diagnostics.
func EngineLogger(l *slog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = l }
}

// Engine executes workflow graphs: one node at a time per run, events
// streamed per run, checkpoints written after every node. A single Engine
// drives any number of concurrent runs.
type Engine struct {
	registry    *Registry
	bus         *Bus
	events      EventStore
	checkpoints CheckpointStore
	resources   ResourceManager
	hooks       []Hook
	tracer      Tracer
	logger      *slog.Logger
	fanout      int
}

// NewEngine builds an engine over a component registry.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	cfg := engineConfig{
		logger: nopLogger,
		fanout: defaultFanout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.bus == nil {
		cfg.bus = NewBus(BusLogger(cfg.logger))
	}
	return &Engine{
		registry:    registry,
		bus:         cfg.bus,
		events:      cfg.events,
		checkpoints: cfg.checkpoints,
		resources:   cfg.resources,
		hooks:       cfg.hooks,
		tracer:      cfg.tracer,
		logger:      cfg.logger,
		fanout:      cfg.fanout,
	}
}

// Bus returns the engine's event bus, for external subscribers.
func (e *Engine) Bus() *Bus { return e.bus }

type runConfig struct {
	runID        string
	resume       bool
	resumeInputs map[string]any
	stopAfter    string
	resources    ResourceManager
}

// RunOption configures a single run.
type RunOption func(*runConfig)

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) RunOption {
	return func(c *runConfig) { c.runID = id }
}

// WithResume continues the run from its checkpoint. If the checkpoint is
// terminal or absent, the run starts from the entry node.
func WithResume() RunOption {
	return func(c *runConfig) { c.resume = true }
}

// WithResumeInputs merges values into the run's variables at resume time,
// supplying awaited data such as a human confirmation.
func WithResumeInputs(inputs map[string]any) RunOption {
	return func(c *runConfig) { c.resumeInputs = inputs }
}

// WithStopAfter stops the run once the named node has executed, persisting
// status stopped. Debugging aid.
func WithStopAfter(nodeID string) RunOption {
	return func(c *runConfig) { c.stopAfter = nodeID }
}

// WithRunResources overrides the engine's resource manager for this run.
func WithRunResources(r ResourceManager) RunOption {
	return func(c *runConfig) { c.resources = r }
}

// activeRun is the per-run mutable scheduler state. Owned by a single
// goroutine for the lifetime of the run.
type activeRun struct {
	graph   *Graph
	ec      *ExecContext
	st      *Streamer
	queue   []string
	input   any
	resumed bool
	cfg     runConfig

	lastOutput map[string]any
	// failedNode is re-prepended to the queue in the failure checkpoint so
	// a resume retries it.
	failedNode string
}

type runResult struct {
	runID   string
	output  map[string]any
	outputs map[string]map[string]any
}

// Run executes a graph to completion and returns the final output: the
// output of the last executed node. On suspension it returns
// ErrRunSuspended; on failure the checkpoint holds status failed with the
// failed node queued for retry, and the causing error is returned.
func (e *Engine) Run(ctx context.Context, g *Graph, input any, opts ...RunOption) (map[string]any, error) {
	res, err := e.run(ctx, g, input, nil, opts...)
	if err != nil {
		return nil, err
	}
	return res.output, nil
}

// runChild executes a sub-workflow for a component: child run id derived
// from the parent's, parent variables inherited, resource manager shared.
func (e *Engine) runChild(ctx context.Context, parent *ExecContext, g *Graph, input any, opts ...RunOption) (ChildResult, error) {
	childOpts := make([]RunOption, 0, len(opts)+2)
	childOpts = append(childOpts, WithRunID(parent.runID+"-"+ShortID()))
	if parent.resources != nil {
		childOpts = append(childOpts, WithRunResources(parent.resources))
	}
	childOpts = append(childOpts, opts...)

	res, err := e.run(ctx, g, input, parent, childOpts...)
	if err != nil {
		return ChildResult{}, err
	}
	return ChildResult{RunID: res.runID, Output: res.output, Outputs: res.outputs}, nil
}

func (e *Engine) run(ctx context.Context, g *Graph, input any, parent *ExecContext, opts ...RunOption) (*runResult, error) {
	if g == nil {
		return nil, fmt.Errorf("run workflow: nil graph")
	}
	if err := g.ensureIndexed(); err != nil {
		return nil, err
	}

	cfg := runConfig{resources: e.resources}
	for _, opt := range opts {
		opt(&cfg)
	}
	runID := cfg.runID
	if runID == "" {
		runID = NewID()
	}

	vars := variablesFrom(input)
	if parent != nil {
		merged := parent.cloneVariables()
		for k, v := range vars {
			merged[k] = v
		}
		vars = merged
	}
	ec := newExecContext(runID, vars, cfg.resources, e)

	queue := []string{g.Entry}
	resumed := false
	var startSeq int64
	if cfg.resume {
		if e.checkpoints == nil {
			return nil, fmt.Errorf("resume %s: no checkpoint store configured", runID)
		}
		cp, err := e.checkpoints.LoadCheckpoint(ctx, runID)
		switch {
		case errors.Is(err, ErrRunNotFound):
			// No prior state: run from the entry.
		case err != nil:
			return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
		case cp.Status == StatusCompleted:
			// A completed run has nothing left to continue; restart from
			// the entry. Failed and stopped runs keep their queue so the
			// next node (or the failed one) re-executes.
			e.logger.Info("resume of completed run restarts from entry", "run_id", runID)
		default:
			ec.restoreOutputs(cp.Outputs)
			queue = append([]string(nil), cp.Queue...)
			resumed = true
		}
		if e.events != nil {
			last, err := e.events.LastSeq(ctx, runID)
			if err != nil {
				return nil, fmt.Errorf("load last event seq %s: %w", runID, err)
			}
			startSeq = last
		}
		for k, v := range cfg.resumeInputs {
			ec.variables[k] = v
		}
	}

	st := NewStreamer(e.bus, e.events, runID, WithStartSeq(startSeq), StreamerLogger(e.logger))
	ec.streamer = st

	ar := &activeRun{
		graph:   g,
		ec:      ec,
		st:      st,
		queue:   queue,
		input:   input,
		resumed: resumed,
		cfg:     cfg,
	}

	output, err := e.drive(ctx, ar)
	switch {
	case err == nil:
		return &runResult{runID: runID, output: output, outputs: ec.snapshotOutputs()}, nil
	case errors.Is(err, ErrRunSuspended):
		return nil, err
	default:
		e.failRun(ctx, ar, err)
		return nil, err
	}
}

// drive is the main loop: pop, execute, route, checkpoint, repeat.
func (e *Engine) drive(ctx context.Context, ar *activeRun) (map[string]any, error) {
	runID := ar.ec.runID

	e.fireHooks(ctx, runID, "workflow_start", func(h Hook) error {
		return h.OnWorkflowStart(ctx, runID, ar.graph)
	})
	if err := ar.st.Emit(ctx, EventWorkflowStarted, map[string]any{"entry": ar.graph.Entry}); err != nil {
		return nil, err
	}

	for len(ar.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		nodeID := ar.queue[0]
		ar.queue = ar.queue[1:]

		if nodeID == SuspendSentinel {
			if err := e.saveCheckpoint(ctx, ar, StatusSuspended, nil); err != nil {
				// Keep the sentinel at the front so a retry suspends
				// again instead of running ahead without the awaited
				// input.
				ar.failedNode = SuspendSentinel
				return nil, err
			}
			e.logger.Info("run suspended", "run_id", runID, "pending", len(ar.queue))
			return nil, ErrRunSuspended
		}

		node, ok := ar.graph.Node(nodeID)
		if !ok {
			e.logger.Warn("skipping unknown node in queue", "run_id", runID, "node_id", nodeID)
			continue
		}

		out, err := e.executeNode(ctx, ar, node)
		if err != nil {
			ar.failedNode = node.ID
			return nil, err
		}

		var handle, signal string
		if out != nil {
			handle, _ = out[KeyActiveHandle].(string)
			signal, _ = out[KeyControlSignal].(string)
		}

		// BREAK/CONTINUE end this iteration without scheduling
		// successors; the surrounding loop component reads the signal
		// from the child's output cache. The checkpoint write below
		// still happens so the signal node's output is durable.
		if signal == "" || signal == SuspendSentinel {
			for _, succ := range ar.graph.Successors(node.ID, handle) {
				if !slices.Contains(ar.queue, succ) {
					ar.queue = append(ar.queue, succ)
				}
			}
		}
		if signal == SuspendSentinel {
			ar.queue = append([]string{SuspendSentinel}, ar.queue...)
		}

		if ar.cfg.stopAfter == node.ID {
			if err := e.saveCheckpoint(ctx, ar, StatusStopped, nil); err != nil {
				return nil, err
			}
			if err := ar.st.Emit(ctx, EventWorkflowCompleted, out); err != nil {
				return nil, err
			}
			e.fireHooks(ctx, runID, "workflow_end", func(h Hook) error {
				return h.OnWorkflowEnd(ctx, runID, out)
			})
			ar.st.Close()
			e.logger.Info("run stopped at debug target", "run_id", runID, "node_id", node.ID)
			return out, nil
		}

		status := StatusRunning
		if len(ar.queue) == 0 {
			status = StatusCompleted
		}
		if err := e.saveCheckpoint(ctx, ar, status, nil); err != nil {
			ar.failedNode = node.ID
			return nil, err
		}
	}

	if err := ar.st.Emit(ctx, EventWorkflowCompleted, ar.lastOutput); err != nil {
		return nil, err
	}
	e.fireHooks(ctx, runID, "workflow_end", func(h Hook) error {
		return h.OnWorkflowEnd(ctx, runID, ar.lastOutput)
	})
	ar.st.Close()
	return ar.lastOutput, nil
}

// executeNode runs one node: build inputs and config, emit lifecycle
// events, invoke the component, cache the output.
func (e *Engine) executeNode(ctx context.Context, ar *activeRun, node *Node) (map[string]any, error) {
	runID := ar.ec.runID

	inputs := node.Inputs
	if node.ID == ar.graph.Entry {
		inputs = ar.entryInputs()
	}

	config := make(map[string]any, len(node.Config)+1)
	for k, v := range node.Config {
		config[k] = v
	}
	config["id"] = node.ID

	e.fireHooks(ctx, runID, "node_start", func(h Hook) error {
		return h.OnNodeStart(ctx, runID, node)
	})
	if err := ar.st.Emit(ctx, EventNodeStarted, map[string]any{"node_type": node.Type}, FromNode(node.ID)); err != nil {
		return nil, err
	}

	comp, ok := e.registry.Get(node.Type)
	var out map[string]any
	var err error
	if !ok {
		err = fmt.Errorf("no component registered for type %q", node.Type)
	} else {
		ictx := ctx
		var span Span
		if e.tracer != nil {
			ictx, span = e.tracer.Start(ctx, "node."+node.Type,
				StringAttr("run_id", runID), StringAttr("node_id", node.ID))
		}
		out, err = comp.Invoke(ictx, inputs, config, ar.ec)
		if span != nil {
			if err != nil {
				span.Error(err)
			}
			span.End()
		}
	}
	if err != nil {
		if emitErr := ar.st.Emit(ctx, EventNodeError, map[string]any{"error": err.Error()}, FromNode(node.ID)); emitErr != nil {
			e.logger.Warn("failed to emit node_error", "run_id", runID, "node_id", node.ID, "error", emitErr)
		}
		return nil, &NodeError{NodeID: node.ID, Err: err}
	}

	if out != nil {
		ar.ec.setOutput(node.ID, out)
	}
	ar.lastOutput = out

	if err := ar.st.Emit(ctx, EventNodeFinished, out, FromNode(node.ID)); err != nil {
		return nil, err
	}
	e.fireHooks(ctx, runID, "node_end", func(h Hook) error {
		return h.OnNodeEnd(ctx, runID, node, out)
	})
	return out, nil
}

// failRun emits workflow_failed, notifies hooks, and persists the failure
// checkpoint with the failed node queued for retry. Terminal bookkeeping is
// detached from the caller's cancellation.
func (e *Engine) failRun(ctx context.Context, ar *activeRun, cause error) {
	runID := ar.ec.runID
	bg := context.WithoutCancel(ctx)

	if err := ar.st.Emit(bg, EventWorkflowFailed, map[string]any{"error": cause.Error()}); err != nil {
		e.logger.Error("failed to emit workflow_failed", "run_id", runID, "error", err)
	}
	e.fireHooks(bg, runID, "workflow_error", func(h Hook) error {
		return h.OnWorkflowError(bg, runID, cause)
	})

	if ar.failedNode != "" {
		ar.queue = append([]string{ar.failedNode}, ar.queue...)
	}
	if err := e.saveCheckpoint(bg, ar, StatusFailed, cause); err != nil {
		e.logger.Error("failed to persist failure checkpoint", "run_id", runID, "error", err)
	}
	ar.st.Close()
	e.logger.Error("workflow failed", "run_id", runID, "error", cause)
}

func (e *Engine) saveCheckpoint(ctx context.Context, ar *activeRun, status Status, cause error) error {
	if e.checkpoints == nil {
		return nil
	}
	cp := Checkpoint{
		RunID:     ar.ec.runID,
		Queue:     append([]string{}, ar.queue...),
		Outputs:   ar.ec.snapshotOutputs(),
		Status:    status,
		UpdatedAt: time.Now(),
	}
	if cause != nil {
		cp.Error = cause.Error()
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", ar.ec.runID, err)
	}
	return nil
}

func (e *Engine) fireHooks(ctx context.Context, runID, moment string, call func(Hook) error) {
	for _, h := range e.hooks {
		safeHook(e.logger, runID, moment, func() error { return call(h) })
	}
}

// entryInputs resolves the run's initial input for the entry node. A
// non-map input is wrapped into a single-field map.
func (ar *activeRun) entryInputs() map[string]any {
	resolved := ar.ec.ResolveValue(ar.input)
	switch v := resolved.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	default:
		return map[string]any{"input": v}
	}
}

// variablesFrom seeds run variables from the initial input.
func variablesFrom(input any) map[string]any {
	switch v := input.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out
	default:
		return map[string]any{"input": v}
	}
}
