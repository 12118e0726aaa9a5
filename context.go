package loom

import (
	"context"
	"fmt"
)

// ResourceManager resolves runtime dependencies (providers, clients,
// credentials) for components, keeping the graph definition free of live
// handles.
type ResourceManager interface {
	Resource(name string) (any, error)
}

// ResourceMap is a ResourceManager backed by a plain map.
type ResourceMap map[string]any

func (r ResourceMap) Resource(name string) (any, error) {
	v, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("resource %q not configured", name)
	}
	return v, nil
}

// ChildResult is what a sub-workflow execution hands back to the calling
// component: the final output plus the child's full output cache, so loop
// components can inspect body nodes for control signals.
type ChildResult struct {
	RunID   string
	Output  map[string]any
	Outputs map[string]map[string]any
}

// ExecContext is the per-run mutable state handed to components: the output
// cache, the run variables, and the injected service handles. The cache and
// variables are owned by the run's scheduler; components read them through
// this surface and must not mutate them directly.
type ExecContext struct {
	runID     string
	outputs   map[string]map[string]any
	order     []string
	variables map[string]any
	streamer  *Streamer
	resources ResourceManager
	engine    *Engine
}

func newExecContext(runID string, variables map[string]any, resources ResourceManager, engine *Engine) *ExecContext {
	if variables == nil {
		variables = make(map[string]any)
	}
	return &ExecContext{
		runID:     runID,
		outputs:   make(map[string]map[string]any),
		variables: variables,
		resources: resources,
		engine:    engine,
	}
}

// RunID returns the identifier of the current run.
func (ec *ExecContext) RunID() string { return ec.runID }

// Output returns the cached output of a previously executed node.
func (ec *ExecContext) Output(nodeID string) (map[string]any, bool) {
	out, ok := ec.outputs[nodeID]
	return out, ok
}

// Variable returns a run variable by name.
func (ec *ExecContext) Variable(name string) (any, bool) {
	v, ok := ec.variables[name]
	return v, ok
}

// Streamer returns the run's event emitter.
func (ec *ExecContext) Streamer() *Streamer { return ec.streamer }

// Resource resolves a runtime dependency through the run's resource
// manager.
func (ec *ExecContext) Resource(name string) (any, error) {
	if ec.resources == nil {
		return nil, fmt.Errorf("resource %q requested but no resource manager configured", name)
	}
	return ec.resources.Resource(name)
}

// Resolve renders an input mapping against the run's outputs and variables.
func (ec *ExecContext) Resolve(inputs map[string]any) map[string]any {
	return ResolveInputs(inputs, ec.source(nil))
}

// ResolveWith renders an input mapping with extra overrides taking
// precedence, used by loop and map bodies to inject item and index.
func (ec *ExecContext) ResolveWith(inputs map[string]any, overrides map[string]any) map[string]any {
	return ResolveInputs(inputs, ec.source(overrides))
}

// ResolveValue renders a single template value against the run's data.
func (ec *ExecContext) ResolveValue(v any) any {
	return ResolveValue(v, ec.source(nil))
}

func (ec *ExecContext) source(overrides map[string]any) ValueSource {
	return ValueSource{
		Outputs:   ec.outputs,
		Variables: ec.variables,
		Overrides: overrides,
	}
}

// RunChild executes a sub-workflow inline: its own graph and inputs, the
// parent's variables and resources, and a run id derived from the parent's.
// The child is awaited to completion before RunChild returns.
func (ec *ExecContext) RunChild(ctx context.Context, g *Graph, input any, opts ...RunOption) (ChildResult, error) {
	if ec.engine == nil {
		return ChildResult{}, fmt.Errorf("sub-workflow execution not available in this context")
	}
	return ec.engine.runChild(ctx, ec, g, input, opts...)
}

// Fanout returns the engine's bound on concurrent sub-workflow children.
func (ec *ExecContext) Fanout() int {
	if ec.engine == nil {
		return defaultFanout
	}
	return ec.engine.fanout
}

// setOutput records a node's output in the cache. Scheduler-only.
func (ec *ExecContext) setOutput(nodeID string, out map[string]any) {
	if _, seen := ec.outputs[nodeID]; !seen {
		ec.order = append(ec.order, nodeID)
	}
	ec.outputs[nodeID] = out
}

// snapshotOutputs copies the cache for checkpointing.
func (ec *ExecContext) snapshotOutputs() map[string]map[string]any {
	snap := make(map[string]map[string]any, len(ec.outputs))
	for k, v := range ec.outputs {
		snap[k] = v
	}
	return snap
}

// restoreOutputs overlays a checkpointed cache, used on resume.
func (ec *ExecContext) restoreOutputs(outputs map[string]map[string]any) {
	for k, v := range outputs {
		ec.setOutput(k, v)
	}
}

// cloneVariables copies the variable map for child runs.
func (ec *ExecContext) cloneVariables() map[string]any {
	out := make(map[string]any, len(ec.variables))
	for k, v := range ec.variables {
		out[k] = v
	}
	return out
}
