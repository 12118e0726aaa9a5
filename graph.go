package loom

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Node is a graph vertex bound to a registered component type. Config is
// static per-node configuration; Inputs is the declared input mapping whose
// values may be template expressions.
type Node struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// Edge connects Source to Target. SourceHandle labels the outgoing port for
// conditional routing; empty means plain data flow.
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
}

// Graph is an executable workflow definition.
type Graph struct {
	Entry string `json:"entry"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`

	byID map[string]*Node
	out  map[string][]Edge

	indexOnce sync.Once
	indexErr  error
}

// NewGraph assembles and validates a graph.
func NewGraph(entry string, nodes []Node, edges []Edge) (*Graph, error) {
	g := &Graph{Entry: entry, Nodes: nodes, Edges: edges}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// ParseGraph decodes a graph from its JSON form and validates it.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks structural integrity and builds the internal indexes.
func (g *Graph) Validate() error {
	if g.Entry == "" {
		return fmt.Errorf("graph: entry node not set")
	}
	g.byID = make(map[string]*Node, len(g.Nodes))
	g.out = make(map[string][]Edge, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("graph: node %d has empty id", i)
		}
		if n.Type == "" {
			return fmt.Errorf("graph: node %q has empty type", n.ID)
		}
		if _, dup := g.byID[n.ID]; dup {
			return fmt.Errorf("graph: duplicate node id %q", n.ID)
		}
		g.byID[n.ID] = n
	}
	if _, ok := g.byID[g.Entry]; !ok {
		return fmt.Errorf("graph: entry node %q not found", g.Entry)
	}
	handles := make(map[string]map[string]bool)
	for _, e := range g.Edges {
		if _, ok := g.byID[e.Source]; !ok {
			return fmt.Errorf("graph: edge source %q not found", e.Source)
		}
		if _, ok := g.byID[e.Target]; !ok && e.Target != SuspendSentinel {
			return fmt.Errorf("graph: edge target %q not found", e.Target)
		}
		if e.SourceHandle != "" {
			seen := handles[e.Source]
			if seen == nil {
				seen = make(map[string]bool)
				handles[e.Source] = seen
			}
			if seen[e.SourceHandle] {
				return fmt.Errorf("graph: node %q has duplicate handle %q", e.Source, e.SourceHandle)
			}
			seen[e.SourceHandle] = true
		}
		g.out[e.Source] = append(g.out[e.Source], e)
	}
	return nil
}

// ensureIndexed validates and indexes the graph exactly once, covering
// graphs built as plain literals without NewGraph.
func (g *Graph) ensureIndexed() error {
	g.indexOnce.Do(func() {
		if g.byID == nil {
			g.indexErr = g.Validate()
		}
	})
	return g.indexErr
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Successors returns the targets of edges leaving id whose source handle
// equals handle, in declaration order. An empty handle selects the plain
// data-flow edges.
func (g *Graph) Successors(id, handle string) []string {
	var out []string
	for _, e := range g.out[id] {
		if e.SourceHandle == handle {
			out = append(out, e.Target)
		}
	}
	return out
}

// --- Editor document adapter ---

// EditorGraph is the document shape produced by the visual flow editor.
// Node payloads live under data; edge handles use the editor's camelCase
// field.
type EditorGraph struct {
	Nodes []EditorNode `json:"nodes"`
	Edges []EditorEdge `json:"edges"`
}

type EditorNode struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

type EditorEdge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// editorComponentTypes maps editor node types to registered component types.
// Conditional nodes become selector nodes; their branch edges already carry
// sourceHandle labels matching the selector's handles. Loop nodes become
// loop nodes receiving their collection through the input mapping.
var editorComponentTypes = map[string]string{
	"function":       ComponentFunc,
	"if-else":        ComponentSelector,
	"signal":         ComponentSignal,
	"loop":           ComponentLoop,
	"map-items":      ComponentMap,
	"sub-flow":       ComponentSubWorkflow,
	"template":       ComponentTemplate,
	"http-request":   ComponentFetch,
	"markdown":       ComponentMarkdown,
	"pdf":            ComponentPDF,
	"code-run":       ComponentCode,
	"llm-chat":       ComponentLLM,
	"human-approval": ComponentHumanInput,
}

// FromEditor compiles an editor document into an executable graph. The entry
// is the unique node with no incoming edges. Nested editor documents under a
// node's config (loop and sub-flow bodies) are compiled recursively.
func FromEditor(doc EditorGraph) (*Graph, error) {
	incoming := make(map[string]int, len(doc.Nodes))
	for _, e := range doc.Edges {
		incoming[e.Target]++
	}

	var entry string
	nodes := make([]Node, 0, len(doc.Nodes))
	for _, en := range doc.Nodes {
		compType, ok := editorComponentTypes[en.Type]
		if !ok {
			return nil, fmt.Errorf("editor graph: unknown node type %q", en.Type)
		}
		n := Node{ID: en.ID, Type: compType}
		if cfg, ok := en.Data["config"].(map[string]any); ok {
			n.Config, ok = compileNestedGraphs(cfg)
			if !ok {
				return nil, fmt.Errorf("editor graph: node %q has invalid nested graph", en.ID)
			}
		}
		if in, ok := en.Data["inputs"].(map[string]any); ok {
			n.Inputs = in
		}
		nodes = append(nodes, n)
		if incoming[en.ID] == 0 {
			if entry != "" {
				return nil, fmt.Errorf("editor graph: multiple entry candidates (%q, %q)", entry, en.ID)
			}
			entry = en.ID
		}
	}
	if entry == "" {
		return nil, fmt.Errorf("editor graph: no entry node (every node has incoming edges)")
	}

	edges := make([]Edge, 0, len(doc.Edges))
	for _, e := range doc.Edges {
		edges = append(edges, Edge{Source: e.Source, Target: e.Target, SourceHandle: e.SourceHandle})
	}
	return NewGraph(entry, nodes, edges)
}

// ParseEditorGraph decodes and compiles an editor document.
func ParseEditorGraph(data []byte) (*Graph, error) {
	var doc EditorGraph
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse editor graph: %w", err)
	}
	return FromEditor(doc)
}

// compileNestedGraphs rewrites any "graph" entry holding an editor document
// into the compiled engine form, so loop and sub-flow bodies execute without
// further translation.
func compileNestedGraphs(cfg map[string]any) (map[string]any, bool) {
	raw, ok := cfg["graph"].(map[string]any)
	if !ok {
		return cfg, true
	}
	// Engine-form graphs carry an entry field; editor documents do not.
	if _, engineForm := raw["entry"]; engineForm {
		return cfg, true
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var doc EditorGraph
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false
	}
	compiled, err := FromEditor(doc)
	if err != nil {
		return nil, false
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	// Round-trip through JSON so the stored shape matches ParseGraph input.
	data, err = json.Marshal(compiled)
	if err != nil {
		return nil, false
	}
	var engineRaw map[string]any
	if err := json.Unmarshal(data, &engineRaw); err != nil {
		return nil, false
	}
	out["graph"] = engineRaw
	return out, true
}
