package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/strandlab/loom"
)

// Instruments built without Init go to the no-op global providers, which is
// exactly what these tests want: they verify wiring, not export.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments()
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestHookLifecyclePairsStarts(t *testing.T) {
	h := NewHook(testInstruments(t))
	ctx := context.Background()
	g := &loom.Graph{Entry: "a", Nodes: []loom.Node{{ID: "a", Type: "func"}}}
	node := &g.Nodes[0]

	if err := h.OnWorkflowStart(ctx, "run-1", g); err != nil {
		t.Fatalf("OnWorkflowStart: %v", err)
	}
	if err := h.OnNodeStart(ctx, "run-1", node); err != nil {
		t.Fatalf("OnNodeStart: %v", err)
	}
	if err := h.OnNodeEnd(ctx, "run-1", node, nil); err != nil {
		t.Fatalf("OnNodeEnd: %v", err)
	}
	if err := h.OnWorkflowEnd(ctx, "run-1", nil); err != nil {
		t.Fatalf("OnWorkflowEnd: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.runStarts) != 0 {
		t.Errorf("runStarts not cleaned up: %v", h.runStarts)
	}
	if len(h.nodeStarts) != 0 {
		t.Errorf("nodeStarts not cleaned up: %v", h.nodeStarts)
	}
}

func TestHookErrorPathCleansUp(t *testing.T) {
	h := NewHook(testInstruments(t))
	ctx := context.Background()
	g := &loom.Graph{Entry: "a", Nodes: []loom.Node{{ID: "a", Type: "func"}}}

	if err := h.OnWorkflowStart(ctx, "run-1", g); err != nil {
		t.Fatalf("OnWorkflowStart: %v", err)
	}
	if err := h.OnWorkflowError(ctx, "run-1", errors.New("boom")); err != nil {
		t.Fatalf("OnWorkflowError: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.runStarts) != 0 {
		t.Errorf("runStarts not cleaned up after error: %v", h.runStarts)
	}
}

// stubProvider returns canned responses for wrapper tests.
type stubProvider struct {
	resp loom.ChatResponse
	err  error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Chat(context.Context, loom.ChatRequest) (loom.ChatResponse, error) {
	return s.resp, s.err
}

func (s *stubProvider) ChatStream(_ context.Context, _ loom.ChatRequest, ch chan<- string) (loom.ChatResponse, error) {
	ch <- "hel"
	ch <- "lo"
	return s.resp, s.err
}

func TestObservedProviderChatPassthrough(t *testing.T) {
	inner := &stubProvider{resp: loom.ChatResponse{
		Content: "hello",
		Usage:   loom.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	p := WrapProvider(inner, "test-model", testInstruments(t))

	if p.Name() != "stub" {
		t.Errorf("Name() = %q, want stub", p.Name())
	}
	resp, err := p.Chat(context.Background(), loom.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q, want hello", resp.Content)
	}
}

func TestObservedProviderChatStreamForwardsTokens(t *testing.T) {
	inner := &stubProvider{resp: loom.ChatResponse{Content: "hello"}}
	p := WrapProvider(inner, "test-model", testInstruments(t))

	ch := make(chan string, 8)
	resp, err := p.ChatStream(context.Background(), loom.ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	close(ch)
	var got string
	for tok := range ch {
		got += tok
	}
	if got != "hello" {
		t.Errorf("streamed text = %q, want hello", got)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q, want hello", resp.Content)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	inner := &stubProvider{err: errors.New("rate limited")}
	p := WrapProvider(inner, "test-model", testInstruments(t))

	_, err := p.Chat(context.Background(), loom.ChatRequest{})
	if err == nil || err.Error() != "rate limited" {
		t.Errorf("Chat error = %v, want rate limited", err)
	}
}
