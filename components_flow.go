package loom

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// selectorComponent evaluates its cases in order and routes to the handle of
// the first match via _active_handle. Left and right operands may be
// template expressions; resolved node inputs are available as top-level
// paths inside them.
type selectorComponent struct{}

type selectorCase struct {
	Left   any    `mapstructure:"left"`
	Op     string `mapstructure:"op"`
	Right  any    `mapstructure:"right"`
	Handle string `mapstructure:"handle"`
}

type selectorConfig struct {
	Cases   []selectorCase `mapstructure:"cases"`
	Default string         `mapstructure:"default"`
}

func (selectorComponent) Invoke(_ context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error) {
	var cfg selectorConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}
	if len(cfg.Cases) == 0 {
		return nil, errors.New("selector: no cases configured")
	}
	in := ec.Resolve(inputs)
	for _, c := range cfg.Cases {
		left := resolveOperand(ec, in, c.Left)
		right := resolveOperand(ec, in, c.Right)
		ok, err := compareValues(left, c.Op, right)
		if err != nil {
			return nil, fmt.Errorf("selector: %w", err)
		}
		if ok {
			return map[string]any{KeyActiveHandle: c.Handle}, nil
		}
	}
	return map[string]any{KeyActiveHandle: cfg.Default}, nil
}

// signalComponent emits a BREAK or CONTINUE control signal, optionally
// guarded by a condition. Unconditional when no operator is configured.
type signalComponent struct{}

type signalConfig struct {
	Signal string `mapstructure:"signal"`
	Left   any    `mapstructure:"left"`
	Op     string `mapstructure:"op"`
	Right  any    `mapstructure:"right"`
}

func (signalComponent) Invoke(_ context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error) {
	var cfg signalConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("signal: %w", err)
	}
	sig := strings.ToUpper(strings.TrimSpace(cfg.Signal))
	if sig != SignalBreak && sig != SignalContinue {
		return nil, fmt.Errorf("signal: unsupported signal %q", cfg.Signal)
	}

	fire := true
	if cfg.Op != "" {
		in := ec.Resolve(inputs)
		var err error
		fire, err = compareValues(resolveOperand(ec, in, cfg.Left), cfg.Op, resolveOperand(ec, in, cfg.Right))
		if err != nil {
			return nil, fmt.Errorf("signal: %w", err)
		}
	}
	if !fire {
		return map[string]any{"fired": false}, nil
	}
	return map[string]any{KeyControlSignal: sig, "fired": true}, nil
}

// templateComponent renders a template string through the resolver. The
// node's resolved inputs are available as top-level paths alongside node
// outputs and variables.
type templateComponent struct{}

type templateConfig struct {
	Template string `mapstructure:"template"`
	Out      string `mapstructure:"out"`
}

func (templateComponent) Invoke(_ context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error) {
	var cfg templateConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	if cfg.Template == "" {
		return nil, errors.New("template: config template not set")
	}
	in := ec.Resolve(inputs)
	rendered := resolveOperand(ec, in, cfg.Template)
	key := cfg.Out
	if key == "" {
		key = "text"
	}
	return map[string]any{key: Stringify(rendered)}, nil
}

// subworkflowComponent executes the graph embedded in its config as a child
// run and returns the child's final output.
type subworkflowComponent struct{}

func (subworkflowComponent) Invoke(ctx context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error) {
	g, err := graphFromConfig(config)
	if err != nil {
		return nil, fmt.Errorf("subworkflow: %w", err)
	}
	res, err := ec.RunChild(ctx, g, ec.Resolve(inputs))
	if err != nil {
		return nil, fmt.Errorf("subworkflow: %w", err)
	}
	out := res.Output
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// loopComponent runs its body graph once per item of the items input, or
// until a BREAK signal, bounded by max_iterations. Sequential; iteration
// outputs are collected in order.
type loopComponent struct{}

type loopConfig struct {
	MaxIterations int    `mapstructure:"max_iterations"`
	ItemVar       string `mapstructure:"item_var"`
	IndexVar      string `mapstructure:"index_var"`
}

const defaultMaxIterations = 100

func (loopComponent) Invoke(ctx context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error) {
	g, err := graphFromConfig(config)
	if err != nil {
		return nil, fmt.Errorf("loop: %w", err)
	}
	var cfg loopConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("loop: %w", err)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.ItemVar == "" {
		cfg.ItemVar = "item"
	}
	if cfg.IndexVar == "" {
		cfg.IndexVar = "index"
	}

	in := ec.Resolve(inputs)
	items, hasItems := asSlice(in["items"])
	bound := cfg.MaxIterations
	if hasItems && len(items) < bound {
		bound = len(items)
	}

	var results []any
	for i := 0; i < bound; i++ {
		childInput := map[string]any{cfg.IndexVar: i}
		if hasItems {
			childInput[cfg.ItemVar] = items[i]
		}
		res, err := ec.RunChild(ctx, g, childInput)
		if err != nil {
			return nil, fmt.Errorf("loop iteration %d: %w", i, err)
		}
		// BREAK and CONTINUE surface in the body's output cache; the body
		// run itself ends normally after the signalling node.
		switch controlSignalOf(res.Outputs) {
		case SignalBreak:
			return map[string]any{"results": results, "count": len(results)}, nil
		case SignalContinue:
			continue
		}
		results = append(results, res.Output)
	}
	return map[string]any{"results": results, "count": len(results)}, nil
}

// mapComponent fans its body graph out over the items input with bounded
// concurrency. Results preserve input order; any child failure fails the
// node and cancels the remaining children.
type mapComponent struct{}

type mapConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	ItemVar     string `mapstructure:"item_var"`
	IndexVar    string `mapstructure:"index_var"`
}

func (mapComponent) Invoke(ctx context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error) {
	g, err := graphFromConfig(config)
	if err != nil {
		return nil, fmt.Errorf("map: %w", err)
	}
	var cfg mapConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("map: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = ec.Fanout()
	}
	if cfg.ItemVar == "" {
		cfg.ItemVar = "item"
	}
	if cfg.IndexVar == "" {
		cfg.IndexVar = "index"
	}

	in := ec.Resolve(inputs)
	items, ok := asSlice(in["items"])
	if !ok {
		return nil, fmt.Errorf("map: input items is %T, not a collection", in["items"])
	}

	results := make([]any, len(items))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(cfg.Concurrency)
	for i, item := range items {
		grp.Go(func() error {
			res, err := ec.RunChild(gctx, g, map[string]any{cfg.ItemVar: item, cfg.IndexVar: i})
			if err != nil {
				return fmt.Errorf("map item %d: %w", i, err)
			}
			results[i] = res.Output
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return map[string]any{"results": results, "count": len(results)}, nil
}

// resolveOperand resolves a config operand: strings run through the
// resolver with the node's resolved inputs overlaid, everything else passes
// through as a literal.
func resolveOperand(ec *ExecContext, in map[string]any, v any) any {
	if _, ok := v.(string); !ok {
		return v
	}
	return ec.ResolveWith(map[string]any{"v": v}, in)["v"]
}

// compareValues applies op to two operands: numeric comparison when both
// sides parse as numbers, string comparison otherwise.
func compareValues(left any, op string, right any) (bool, error) {
	if op == "contains" {
		return strings.Contains(Stringify(left), Stringify(right)), nil
	}
	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			return compareOrdered(lf, rf, op)
		}
	}
	return compareOrdered(Stringify(left), Stringify(right), op)
}

func compareOrdered[T cmp.Ordered](l, r T, op string) (bool, error) {
	switch op {
	case "==", "":
		return l == r, nil
	case "!=":
		return l != r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// asSlice converts a resolved value into []any. Typed slices (from Go-side
// inputs) go through reflection.
func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case nil:
		return nil, false
	case []any:
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// graphFromConfig extracts the body graph of a loop, map, or subworkflow
// node: either an embedded *Graph (Go callers) or its JSON object form
// (parsed documents).
func graphFromConfig(config map[string]any) (*Graph, error) {
	switch g := config["graph"].(type) {
	case *Graph:
		return g, nil
	case map[string]any:
		data, err := json.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("graph config: %w", err)
		}
		return ParseGraph(data)
	case nil:
		return nil, errors.New("config graph not set")
	default:
		return nil, fmt.Errorf("config graph has unsupported type %T", g)
	}
}

// controlSignalOf scans a child run's output cache for a control signal.
// BREAK wins over CONTINUE when both appear.
func controlSignalOf(outputs map[string]map[string]any) string {
	var sig string
	for _, out := range outputs {
		switch out[KeyControlSignal] {
		case SignalBreak:
			return SignalBreak
		case SignalContinue:
			sig = SignalContinue
		}
	}
	return sig
}
