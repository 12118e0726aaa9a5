package loom

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Reserved output keys. A component annotates its output map with these to
// steer routing; everything else in the map is plain data.
const (
	// KeyActiveHandle selects which outgoing edges to follow: only edges
	// whose source handle equals the value.
	KeyActiveHandle = "_active_handle"
	// KeyControlSignal carries a control-flow signal. BREAK and CONTINUE
	// stop successor scheduling and are interpreted by a surrounding loop;
	// SuspendSentinel pauses the run after the current node.
	KeyControlSignal = "_control_signal"
)

// Control signal values.
const (
	SignalBreak    = "BREAK"
	SignalContinue = "CONTINUE"
)

// SuspendSentinel is the reserved queue entry that pauses a run. The
// scheduler persists the checkpoint with status suspended when it pops the
// sentinel; a later resume continues with the rest of the queue.
const SuspendSentinel = "__SUSPEND__"

// Built-in component type identifiers.
const (
	ComponentFunc        = "func"
	ComponentSelector    = "selector"
	ComponentSignal      = "signal"
	ComponentLoop        = "loop"
	ComponentMap         = "map"
	ComponentSubWorkflow = "subworkflow"
	ComponentTemplate    = "template"
	ComponentFetch       = "fetch"
	ComponentMarkdown    = "markdown"
	ComponentPDF         = "pdf"
	ComponentCode        = "code"
	ComponentLLM         = "llm"
	ComponentHumanInput  = "human_input"
)

// Component is a stateless unit of work addressable by type identifier.
// Implementations resolve their own input mapping through the execution
// context (the scheduler passes declared inputs through unresolved, except
// for the entry node), and must not mutate the context's output cache.
// Must be safe for concurrent use: one instance serves every run.
type Component interface {
	Invoke(ctx context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error)
}

// FuncComponent adapts a function to the Component interface.
type FuncComponent func(ctx context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error)

func (f FuncComponent) Invoke(ctx context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error) {
	return f(ctx, inputs, config, ec)
}

// Registry maps component type identifiers to implementations.
// Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	components map[string]Component
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]Component)}
}

// Register adds a component under the given type identifier.
// Returns an error if the identifier is already taken.
func (r *Registry) Register(typeID string, c Component) error {
	if typeID == "" {
		return fmt.Errorf("register component: empty type identifier")
	}
	if c == nil {
		return fmt.Errorf("register component %q: nil component", typeID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.components[typeID]; dup {
		return fmt.Errorf("register component: type %q already registered", typeID)
	}
	r.components[typeID] = c
	return nil
}

// MustRegister is Register that panics on error, for init-time wiring.
func (r *Registry) MustRegister(typeID string, c Component) {
	if err := r.Register(typeID, c); err != nil {
		panic(err)
	}
}

// Get returns the component registered under typeID.
func (r *Registry) Get(typeID string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[typeID]
	return c, ok
}

// Types returns the registered type identifiers, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.components))
	for t := range r.components {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
