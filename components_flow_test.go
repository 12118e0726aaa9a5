package loom

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSelectorOps(t *testing.T) {
	ec := newExecContext("t", map[string]any{"score": 7}, nil, nil)
	comp := selectorComponent{}

	tests := []struct {
		name  string
		left  any
		op    string
		right any
		want  string // resolved handle; "no" means the default fired
	}{
		{"eq numbers", "{{ score }}", "==", 7, "yes"},
		{"eq miss", "{{ score }}", "==", 3, "no"},
		{"neq", "{{ score }}", "!=", 3, "yes"},
		{"gt", "{{ score }}", ">", 5, "yes"},
		{"gte boundary", "{{ score }}", ">=", 7, "yes"},
		{"lt miss", "{{ score }}", "<", 5, "no"},
		{"lte", "{{ score }}", "<=", 7, "yes"},
		{"string eq", "alpha", "==", "alpha", "yes"},
		{"numeric strings compare as numbers", "10", ">", "9", "yes"},
		{"contains", "hello world", "contains", "world", "yes"},
		{"contains miss", "hello world", "contains", "mars", "no"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := map[string]any{
				"cases": []any{
					map[string]any{"left": tt.left, "op": tt.op, "right": tt.right, "handle": "yes"},
				},
				"default": "no",
			}
			out, err := comp.Invoke(context.Background(), nil, config, ec)
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if got := out[KeyActiveHandle]; got != tt.want {
				t.Errorf("handle = %v, want %q", got, tt.want)
			}
		})
	}
}

func TestSelectorFirstMatchWins(t *testing.T) {
	ec := newExecContext("t", nil, nil, nil)
	config := map[string]any{
		"cases": []any{
			map[string]any{"left": "{{ n }}", "op": ">", "right": 10, "handle": "big"},
			map[string]any{"left": "{{ n }}", "op": ">", "right": 0, "handle": "small"},
		},
		"default": "none",
	}
	out, err := selectorComponent{}.Invoke(context.Background(), map[string]any{"n": 42}, config, ec)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out[KeyActiveHandle] != "big" {
		t.Errorf("handle = %v, want big (first matching case)", out[KeyActiveHandle])
	}
}

func TestSelectorErrors(t *testing.T) {
	ec := newExecContext("t", nil, nil, nil)

	_, err := selectorComponent{}.Invoke(context.Background(), nil, map[string]any{}, ec)
	if err == nil || !strings.Contains(err.Error(), "no cases") {
		t.Errorf("no cases error = %v", err)
	}

	config := map[string]any{
		"cases": []any{map[string]any{"left": 1, "op": "~=", "right": 2, "handle": "x"}},
	}
	_, err = selectorComponent{}.Invoke(context.Background(), nil, config, ec)
	if err == nil || !strings.Contains(err.Error(), `unknown operator "~="`) {
		t.Errorf("unknown operator error = %v", err)
	}
}

func TestSelectorNoMatchEmptyDefault(t *testing.T) {
	ec := newExecContext("t", nil, nil, nil)
	config := map[string]any{
		"cases": []any{map[string]any{"left": 1, "op": "==", "right": 2, "handle": "x"}},
	}
	out, err := selectorComponent{}.Invoke(context.Background(), nil, config, ec)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out[KeyActiveHandle] != "" {
		t.Errorf("handle = %v, want empty (unset-handle edges)", out[KeyActiveHandle])
	}
}

func TestSignalComponent(t *testing.T) {
	ec := newExecContext("t", nil, nil, nil)
	comp := signalComponent{}

	tests := []struct {
		name     string
		config   map[string]any
		inputs   map[string]any
		wantSig  any
		wantFire bool
	}{
		{
			"unconditional break",
			map[string]any{"signal": "BREAK"},
			nil, SignalBreak, true,
		},
		{
			"lowercase normalized",
			map[string]any{"signal": "continue"},
			nil, SignalContinue, true,
		},
		{
			"guard fires",
			map[string]any{"signal": "BREAK", "left": "{{ item }}", "op": "==", "right": 2},
			map[string]any{"item": 2}, SignalBreak, true,
		},
		{
			"guard holds",
			map[string]any{"signal": "BREAK", "left": "{{ item }}", "op": "==", "right": 2},
			map[string]any{"item": 1}, nil, false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := comp.Invoke(context.Background(), tt.inputs, tt.config, ec)
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if got := out[KeyControlSignal]; got != tt.wantSig {
				t.Errorf("signal = %v, want %v", got, tt.wantSig)
			}
			if fired, _ := out["fired"].(bool); fired != tt.wantFire {
				t.Errorf("fired = %v, want %v", fired, tt.wantFire)
			}
		})
	}

	_, err := comp.Invoke(context.Background(), nil, map[string]any{"signal": "HALT"}, ec)
	if err == nil || !strings.Contains(err.Error(), `unsupported signal "HALT"`) {
		t.Errorf("bad signal error = %v", err)
	}
}

func TestTemplateComponent(t *testing.T) {
	ec := newExecContext("t", map[string]any{"name": "ada"}, nil, nil)
	config := map[string]any{"template": "{{ greeting }}, {{ name }}!", "out": "msg"}
	out, err := templateComponent{}.Invoke(context.Background(), map[string]any{"greeting": "hello"}, config, ec)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["msg"] != "hello, ada!" {
		t.Errorf("out[msg] = %v, want %q", out["msg"], "hello, ada!")
	}
}

func TestTemplateComponentDefaults(t *testing.T) {
	ec := newExecContext("t", nil, nil, nil)

	out, err := templateComponent{}.Invoke(context.Background(), nil, map[string]any{"template": "plain"}, ec)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["text"] != "plain" {
		t.Errorf("out[text] = %v, want plain", out["text"])
	}

	_, err = templateComponent{}.Invoke(context.Background(), nil, map[string]any{}, ec)
	if err == nil || !strings.Contains(err.Error(), "template not set") {
		t.Errorf("missing template error = %v", err)
	}
}

func TestSubworkflowComponent(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, WithFunc("double", func(_ context.Context, in map[string]any) (map[string]any, error) {
		return map[string]any{"y": toInt(in["n"]) * 2}, nil
	})); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	child, _ := NewGraph("dbl", []Node{
		{ID: "dbl", Type: ComponentFunc, Config: map[string]any{"fn": "double"}},
	}, nil)
	g, _ := NewGraph("prep", []Node{
		{ID: "prep", Type: ComponentFunc, Config: map[string]any{"fn": "double"}},
		{ID: "sub", Type: ComponentSubWorkflow,
			Config: map[string]any{"graph": child},
			Inputs: map[string]any{"n": "{{ prep.y }}"}},
	}, []Edge{{Source: "prep", Target: "sub"}})

	out, err := NewEngine(reg).Run(context.Background(), g, map[string]any{"n": 5})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if toInt(out["y"]) != 20 {
		t.Errorf("out[y] = %v, want 20 (5 doubled twice)", out["y"])
	}
}

func TestSubworkflowJSONGraphConfig(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, WithFunc("double", func(_ context.Context, in map[string]any) (map[string]any, error) {
		return map[string]any{"y": toInt(in["n"]) * 2}, nil
	})); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	// Body graph in parsed-document form, as a workflow definition loaded
	// from JSON would carry it.
	body := map[string]any{
		"entry": "dbl",
		"nodes": []any{
			map[string]any{"id": "dbl", "type": ComponentFunc, "config": map[string]any{"fn": "double"}},
		},
	}
	g, _ := NewGraph("sub", []Node{
		{ID: "sub", Type: ComponentSubWorkflow, Config: map[string]any{"graph": body}},
	}, nil)

	out, err := NewEngine(reg).Run(context.Background(), g, map[string]any{"n": 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if toInt(out["y"]) != 6 {
		t.Errorf("out[y] = %v, want 6", out["y"])
	}
}

func TestSubworkflowMissingGraph(t *testing.T) {
	ec := newExecContext("t", nil, nil, nil)
	_, err := subworkflowComponent{}.Invoke(context.Background(), nil, map[string]any{}, ec)
	if err == nil || !strings.Contains(err.Error(), "graph not set") {
		t.Errorf("missing graph error = %v", err)
	}
}

// loopEngine builds an engine whose registry has the builtins plus a
// double_item func, used by the loop and map tests.
func loopEngine(t *testing.T, extra ...BuiltinsOption) *Engine {
	t.Helper()
	reg := NewRegistry()
	opts := append([]BuiltinsOption{
		WithFunc("double_item", func(_ context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"y": toInt(in["item"]) * 2}, nil
		}),
	}, extra...)
	if err := RegisterBuiltins(reg, opts...); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return NewEngine(reg)
}

func TestLoopOverItems(t *testing.T) {
	body, _ := NewGraph("work", []Node{
		{ID: "work", Type: ComponentFunc, Config: map[string]any{"fn": "double_item"}},
	}, nil)
	g, _ := NewGraph("L", []Node{
		{ID: "L", Type: ComponentLoop, Config: map[string]any{"graph": body}},
	}, nil)

	out, err := loopEngine(t).Run(context.Background(), g, map[string]any{"items": []any{1, 2, 3}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	results, ok := out["results"].([]any)
	if !ok || len(results) != 3 {
		t.Fatalf("results = %v, want 3 entries", out["results"])
	}
	for i, want := range []int{2, 4, 6} {
		res, _ := results[i].(map[string]any)
		if toInt(res["y"]) != want {
			t.Errorf("results[%d] = %v, want y=%d", i, results[i], want)
		}
	}
	if toInt(out["count"]) != 3 {
		t.Errorf("count = %v, want 3", out["count"])
	}
}

func TestLoopBreak(t *testing.T) {
	// The body checks for the stop item before working; BREAK ends the loop
	// without collecting the breaking iteration.
	body, _ := NewGraph("check", []Node{
		{ID: "check", Type: ComponentSignal,
			Config: map[string]any{"signal": "BREAK", "left": "{{ item }}", "op": "==", "right": 2}},
		{ID: "work", Type: ComponentFunc,
			Config: map[string]any{"fn": "double_item"},
			Inputs: map[string]any{"item": "{{ item }}"}},
	}, []Edge{{Source: "check", Target: "work"}})
	g, _ := NewGraph("L", []Node{
		{ID: "L", Type: ComponentLoop, Config: map[string]any{"graph": body}},
	}, nil)

	out, err := loopEngine(t).Run(context.Background(), g, map[string]any{"items": []any{1, 2, 3}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	results, _ := out["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v, want only the pre-break iteration", out["results"])
	}
	res, _ := results[0].(map[string]any)
	if toInt(res["y"]) != 2 {
		t.Errorf("results[0] = %v, want y=2", results[0])
	}
}

func TestLoopContinue(t *testing.T) {
	body, _ := NewGraph("check", []Node{
		{ID: "check", Type: ComponentSignal,
			Config: map[string]any{"signal": "CONTINUE", "left": "{{ item }}", "op": "==", "right": 1}},
		{ID: "work", Type: ComponentFunc,
			Config: map[string]any{"fn": "double_item"},
			Inputs: map[string]any{"item": "{{ item }}"}},
	}, []Edge{{Source: "check", Target: "work"}})
	g, _ := NewGraph("L", []Node{
		{ID: "L", Type: ComponentLoop, Config: map[string]any{"graph": body}},
	}, nil)

	out, err := loopEngine(t).Run(context.Background(), g, map[string]any{"items": []any{1, 2, 3}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	results, _ := out["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("results = %v, want the two non-skipped iterations", out["results"])
	}
	for i, want := range []int{4, 6} {
		res, _ := results[i].(map[string]any)
		if toInt(res["y"]) != want {
			t.Errorf("results[%d] = %v, want y=%d", i, results[i], want)
		}
	}
}

func TestLoopMaxIterationsWithoutItems(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, WithFunc("emit_index", func(_ context.Context, in map[string]any) (map[string]any, error) {
		return map[string]any{"i": in["index"]}, nil
	})); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	body, _ := NewGraph("work", []Node{
		{ID: "work", Type: ComponentFunc, Config: map[string]any{"fn": "emit_index"}},
	}, nil)
	g, _ := NewGraph("L", []Node{
		{ID: "L", Type: ComponentLoop, Config: map[string]any{"graph": body, "max_iterations": 3}},
	}, nil)

	out, err := NewEngine(reg).Run(context.Background(), g, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	results, _ := out["results"].([]any)
	if len(results) != 3 {
		t.Fatalf("results = %v, want 3 bounded iterations", out["results"])
	}
	for i := range results {
		res, _ := results[i].(map[string]any)
		if toInt(res["i"]) != i {
			t.Errorf("results[%d] = %v, want i=%d", i, results[i], i)
		}
	}
}

func TestLoopItemVarOverride(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, WithFunc("read_row", func(_ context.Context, in map[string]any) (map[string]any, error) {
		return map[string]any{"row": in["row"], "pos": in["pos"]}, nil
	})); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	body, _ := NewGraph("work", []Node{
		{ID: "work", Type: ComponentFunc, Config: map[string]any{"fn": "read_row"}},
	}, nil)
	g, _ := NewGraph("L", []Node{
		{ID: "L", Type: ComponentLoop,
			Config: map[string]any{"graph": body, "item_var": "row", "index_var": "pos"}},
	}, nil)

	out, err := NewEngine(reg).Run(context.Background(), g, map[string]any{"items": []any{"a", "b"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	results, _ := out["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("results = %v, want 2 entries", out["results"])
	}
	first, _ := results[0].(map[string]any)
	if first["row"] != "a" || toInt(first["pos"]) != 0 {
		t.Errorf("results[0] = %v, want row=a pos=0", results[0])
	}
}

func TestMapOrderedResults(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, WithFunc("square", func(_ context.Context, in map[string]any) (map[string]any, error) {
		n := toInt(in["item"])
		return map[string]any{"r": n * n}, nil
	})); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	body, _ := NewGraph("sq", []Node{
		{ID: "sq", Type: ComponentFunc, Config: map[string]any{"fn": "square"}},
	}, nil)
	g, _ := NewGraph("M", []Node{
		{ID: "M", Type: ComponentMap, Config: map[string]any{"graph": body, "concurrency": 2}},
	}, nil)

	out, err := NewEngine(reg).Run(context.Background(), g, map[string]any{"items": []any{1, 2, 3}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	results, ok := out["results"].([]any)
	if !ok || len(results) != 3 {
		t.Fatalf("results = %v, want 3 entries", out["results"])
	}
	for i, want := range []int{1, 4, 9} {
		res, _ := results[i].(map[string]any)
		if toInt(res["r"]) != want {
			t.Errorf("results[%d] = %v, want r=%d (input order preserved)", i, results[i], want)
		}
	}
	if toInt(out["count"]) != 3 {
		t.Errorf("count = %v, want 3", out["count"])
	}
}

func TestMapTypedSliceInput(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, WithFunc("upper", func(_ context.Context, in map[string]any) (map[string]any, error) {
		s, _ := in["item"].(string)
		return map[string]any{"u": strings.ToUpper(s)}, nil
	})); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	body, _ := NewGraph("up", []Node{
		{ID: "up", Type: ComponentFunc, Config: map[string]any{"fn": "upper"}},
	}, nil)
	g, _ := NewGraph("M", []Node{
		{ID: "M", Type: ComponentMap, Config: map[string]any{"graph": body}},
	}, nil)

	out, err := NewEngine(reg).Run(context.Background(), g, map[string]any{"items": []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	results, _ := out["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("results = %v, want 2 entries", out["results"])
	}
	second, _ := results[1].(map[string]any)
	if second["u"] != "B" {
		t.Errorf("results[1] = %v, want u=B", results[1])
	}
}

func TestMapItemFailureFailsNode(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, WithFunc("fragile", func(_ context.Context, in map[string]any) (map[string]any, error) {
		if toInt(in["item"]) == 2 {
			return nil, errors.New("bad item")
		}
		return map[string]any{"ok": true}, nil
	})); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	body, _ := NewGraph("f", []Node{
		{ID: "f", Type: ComponentFunc, Config: map[string]any{"fn": "fragile"}},
	}, nil)
	g, _ := NewGraph("M", []Node{
		{ID: "M", Type: ComponentMap, Config: map[string]any{"graph": body}},
	}, nil)

	_, err := NewEngine(reg).Run(context.Background(), g, map[string]any{"items": []any{1, 2, 3}})
	if err == nil {
		t.Fatal("Run succeeded, want map item failure")
	}
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) || nodeErr.NodeID != "M" {
		t.Fatalf("error = %v, want NodeError for M", err)
	}
	if !strings.Contains(err.Error(), "map item 1") || !strings.Contains(err.Error(), "bad item") {
		t.Errorf("error = %v, want failing item index and cause", err)
	}
}

func TestMapRejectsNonCollection(t *testing.T) {
	ec := newExecContext("t", nil, nil, nil)
	body, _ := NewGraph("n", []Node{{ID: "n", Type: "x"}}, nil)
	_, err := mapComponent{}.Invoke(context.Background(),
		map[string]any{"items": 42}, map[string]any{"graph": body}, ec)
	if err == nil || !strings.Contains(err.Error(), "not a collection") {
		t.Errorf("scalar items error = %v", err)
	}
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		name  string
		left  any
		op    string
		right any
		want  bool
	}{
		{"int float cross", 3, "==", 3.0, true},
		{"float gt", 2.5, ">", 2, true},
		{"string order", "b", ">", "a", true},
		{"mixed falls back to string", "abc", "==", "abc", true},
		{"contains stringifies numbers", 12345, "contains", 234, true},
		{"nil eq nil", nil, "==", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compareValues(tt.left, tt.op, tt.right)
			if err != nil {
				t.Fatalf("compareValues: %v", err)
			}
			if got != tt.want {
				t.Errorf("compareValues(%v %s %v) = %v, want %v", tt.left, tt.op, tt.right, got, tt.want)
			}
		})
	}
}

func TestAsSlice(t *testing.T) {
	if _, ok := asSlice(nil); ok {
		t.Error("asSlice(nil) ok = true, want false")
	}
	if _, ok := asSlice("text"); ok {
		t.Error("asSlice(string) ok = true, want false")
	}
	got, ok := asSlice([]int{1, 2})
	if !ok || len(got) != 2 || toInt(got[1]) != 2 {
		t.Errorf("asSlice([]int) = %v, %v", got, ok)
	}
	direct, ok := asSlice([]any{"a"})
	if !ok || len(direct) != 1 {
		t.Errorf("asSlice([]any) = %v, %v", direct, ok)
	}
}
