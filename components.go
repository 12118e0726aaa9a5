package loom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// WorkflowFunc is a named function invocable by a func node. It receives the
// node's resolved input mapping and returns the node output.
type WorkflowFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)

type builtinsConfig struct {
	logger *slog.Logger
	client *http.Client
	funcs  map[string]WorkflowFunc
}

// BuiltinsOption configures RegisterBuiltins.
type BuiltinsOption func(*builtinsConfig)

// BuiltinsLogger sets the structured logger used by components that log
// (fetch retries, llm retries).
func BuiltinsLogger(l *slog.Logger) BuiltinsOption {
	return func(c *builtinsConfig) { c.logger = l }
}

// WithFunc registers a named function for func nodes. A node invokes it by
// setting config fn to the name.
func WithFunc(name string, fn WorkflowFunc) BuiltinsOption {
	return func(c *builtinsConfig) { c.funcs[name] = fn }
}

// WithFetchClient overrides the HTTP client used by fetch nodes
// (default: 15s timeout).
func WithFetchClient(client *http.Client) BuiltinsOption {
	return func(c *builtinsConfig) { c.client = client }
}

// RegisterBuiltins registers the standard component catalog on reg: control
// flow (selector, signal, loop, map, subworkflow), content (template, fetch,
// markdown, pdf), and collaborator-backed nodes (llm, code, human_input).
func RegisterBuiltins(reg *Registry, opts ...BuiltinsOption) error {
	cfg := builtinsConfig{
		logger: nopLogger,
		client: &http.Client{Timeout: 15 * time.Second},
		funcs:  make(map[string]WorkflowFunc),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	builtins := map[string]Component{
		ComponentFunc:        &funcComponent{funcs: cfg.funcs},
		ComponentSelector:    selectorComponent{},
		ComponentSignal:      signalComponent{},
		ComponentLoop:        loopComponent{},
		ComponentMap:         mapComponent{},
		ComponentSubWorkflow: subworkflowComponent{},
		ComponentTemplate:    templateComponent{},
		ComponentFetch:       &fetchComponent{client: cfg.client, logger: cfg.logger},
		ComponentMarkdown:    &markdownComponent{md: goldmark.New(goldmark.WithExtensions(extension.GFM))},
		ComponentPDF:         pdfComponent{},
		ComponentCode:        codeComponent{},
		ComponentLLM:         &llmComponent{logger: cfg.logger},
		ComponentHumanInput:  humanInputComponent{},
	}
	for id, c := range builtins {
		if err := reg.Register(id, c); err != nil {
			return err
		}
	}
	return nil
}

// decodeConfig maps a node's config into a typed struct. Weak typing
// tolerates JSON numbers arriving as float64 and numeric strings from
// editor documents. Unknown keys (including the injected id) are ignored.
func decodeConfig(config map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// nodeIDOf returns the node id the scheduler injects into config.
func nodeIDOf(config map[string]any) string {
	id, _ := config["id"].(string)
	return id
}

// funcComponent dispatches to a registered WorkflowFunc named by config fn.
type funcComponent struct {
	funcs map[string]WorkflowFunc
}

func (f *funcComponent) Invoke(ctx context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error) {
	var cfg struct {
		Fn string `mapstructure:"fn"`
	}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("func: %w", err)
	}
	if cfg.Fn == "" {
		return nil, errors.New("func: config fn not set")
	}
	fn, ok := f.funcs[cfg.Fn]
	if !ok {
		return nil, fmt.Errorf("func: %q not registered", cfg.Fn)
	}
	out, err := fn(ctx, ec.Resolve(inputs))
	if err != nil {
		return nil, fmt.Errorf("func %s: %w", cfg.Fn, err)
	}
	return out, nil
}
