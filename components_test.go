package loom

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRegisterBuiltinsCatalog(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	want := []string{
		ComponentCode, ComponentFetch, ComponentFunc, ComponentHumanInput,
		ComponentLLM, ComponentLoop, ComponentMap, ComponentMarkdown,
		ComponentPDF, ComponentSelector, ComponentSignal,
		ComponentSubWorkflow, ComponentTemplate,
	}
	got := reg.Types()
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Types()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegisterBuiltinsConflict(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(ComponentLLM, passthrough())
	err := RegisterBuiltins(reg)
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Errorf("RegisterBuiltins on taken type = %v, want registration conflict", err)
	}
}

func TestFuncComponentDispatch(t *testing.T) {
	reg := NewRegistry()
	err := RegisterBuiltins(reg, WithFunc("greet", func(_ context.Context, inputs map[string]any) (map[string]any, error) {
		name, _ := inputs["name"].(string)
		return map[string]any{"greeting": "hi " + name}, nil
	}))
	if err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	g, _ := NewGraph("A", []Node{
		{ID: "A", Type: ComponentFunc, Config: map[string]any{"fn": "greet"}},
	}, nil)
	out, err := NewEngine(reg).Run(context.Background(), g, map[string]any{"name": "ada"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out["greeting"] != "hi ada" {
		t.Errorf("out[greeting] = %v, want %q", out["greeting"], "hi ada")
	}
}

func TestFuncComponentErrors(t *testing.T) {
	boom := errors.New("kaput")
	fc := &funcComponent{funcs: map[string]WorkflowFunc{
		"boom": func(context.Context, map[string]any) (map[string]any, error) { return nil, boom },
	}}
	ec := newExecContext("t", nil, nil, nil)

	tests := []struct {
		name    string
		config  map[string]any
		wantErr string
	}{
		{"missing fn", map[string]any{}, "config fn not set"},
		{"unregistered", map[string]any{"fn": "nope"}, `"nope" not registered`},
		{"fn failure", map[string]any{"fn": "boom"}, "func boom: kaput"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fc.Invoke(context.Background(), nil, tt.config, ec)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Invoke error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	t.Run("fn failure unwraps", func(t *testing.T) {
		_, err := fc.Invoke(context.Background(), nil, map[string]any{"fn": "boom"}, ec)
		if !errors.Is(err, boom) {
			t.Errorf("errors.Is(err, boom) = false, err = %v", err)
		}
	})
}

func TestDecodeConfigWeakTyping(t *testing.T) {
	var cfg struct {
		Count   int    `mapstructure:"count"`
		Enabled bool   `mapstructure:"enabled"`
		Name    string `mapstructure:"name"`
	}
	config := map[string]any{
		"count":   "42",
		"enabled": "true",
		"name":    7,
		"id":      "n1",
		"unknown": []any{"ignored"},
	}
	if err := decodeConfig(config, &cfg); err != nil {
		t.Fatalf("decodeConfig: %v", err)
	}
	if cfg.Count != 42 {
		t.Errorf("Count = %d, want 42", cfg.Count)
	}
	if !cfg.Enabled {
		t.Error("Enabled = false, want true")
	}
	if cfg.Name != "7" {
		t.Errorf("Name = %q, want %q", cfg.Name, "7")
	}
}

func TestNodeIDOf(t *testing.T) {
	if got := nodeIDOf(map[string]any{"id": "N7"}); got != "N7" {
		t.Errorf("nodeIDOf = %q, want N7", got)
	}
	if got := nodeIDOf(map[string]any{}); got != "" {
		t.Errorf("nodeIDOf without id = %q, want empty", got)
	}
}
