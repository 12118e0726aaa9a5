package loom

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchComponentRawHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><article>tide tables</article></body></html>"))
	}))
	defer srv.Close()

	comp := &fetchComponent{client: srv.Client(), logger: nopLogger}
	ec := newExecContext("t", nil, nil, nil)
	out, err := comp.Invoke(context.Background(), nil,
		map[string]any{"url": srv.URL, "readability": false}, ec)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if toInt(out["status"]) != 200 {
		t.Errorf("status = %v, want 200", out["status"])
	}
	if out["url"] != srv.URL {
		t.Errorf("url = %v, want %q", out["url"], srv.URL)
	}
	text, _ := out["text"].(string)
	if !strings.Contains(text, "<article>") {
		t.Errorf("text = %q, want raw markup preserved", text)
	}
}

func TestFetchComponentReadability(t *testing.T) {
	para := strings.Repeat("<p>The gravitational pull of the moon raises the tides twice a day along most coastlines. ", 8) + "</p>"
	page := "<!DOCTYPE html><html><head><title>Tides</title></head><body><article><h1>Tides</h1>" + para + "</article></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	}))
	defer srv.Close()

	comp := &fetchComponent{client: srv.Client(), logger: nopLogger}
	ec := newExecContext("t", nil, nil, nil)
	out, err := comp.Invoke(context.Background(), nil, map[string]any{"url": srv.URL}, ec)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	text, _ := out["text"].(string)
	if !strings.Contains(text, "gravitational pull of the moon") {
		t.Errorf("text = %q, want article body", text)
	}
}

func TestFetchComponentTemplatedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	comp := &fetchComponent{client: srv.Client(), logger: nopLogger}
	ec := newExecContext("t", map[string]any{"base": srv.URL}, nil, nil)
	out, err := comp.Invoke(context.Background(), nil,
		map[string]any{"url": "{{ base }}", "readability": false}, ec)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["url"] != srv.URL {
		t.Errorf("url = %v, want resolved %q", out["url"], srv.URL)
	}
}

func TestFetchComponentURLInputOverridesConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	comp := &fetchComponent{client: srv.Client(), logger: nopLogger}
	ec := newExecContext("t", nil, nil, nil)
	out, err := comp.Invoke(context.Background(),
		map[string]any{"url": srv.URL},
		map[string]any{"url": "http://ignored.invalid", "readability": false}, ec)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out["url"] != srv.URL {
		t.Errorf("url = %v, want input url %q", out["url"], srv.URL)
	}
}

func TestFetchComponentMaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	comp := &fetchComponent{client: srv.Client(), logger: nopLogger}
	ec := newExecContext("t", nil, nil, nil)
	out, err := comp.Invoke(context.Background(), nil,
		map[string]any{"url": srv.URL, "readability": false, "max_bytes": 10}, ec)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if text, _ := out["text"].(string); len(text) != 10 {
		t.Errorf("len(text) = %d, want truncated to 10", len(text))
	}
}

func TestFetchComponentHTTPError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer srv.Close()

	comp := &fetchComponent{client: srv.Client(), logger: nopLogger}
	ec := newExecContext("t", nil, nil, nil)
	_, err := comp.Invoke(context.Background(), nil,
		map[string]any{"url": srv.URL}, ec)
	if err == nil {
		t.Fatal("Invoke succeeded, want 404 error")
	}
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want *ErrHTTP", err)
	}
	if httpErr.Status != 404 || !strings.Contains(httpErr.Body, "not here") {
		t.Errorf("ErrHTTP = %+v, want status 404 with body", httpErr)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1 (404 is not retried)", got)
	}
}

func TestFetchComponentRetryAfterHint(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	comp := &fetchComponent{client: srv.Client(), logger: nopLogger}
	ec := newExecContext("t", nil, nil, nil)
	_, err := comp.Invoke(context.Background(), nil,
		map[string]any{"url": srv.URL, "retries": 1}, ec)
	if err == nil {
		t.Fatal("Invoke succeeded, want 429 error")
	}
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want *ErrHTTP", err)
	}
	if httpErr.Status != 429 {
		t.Errorf("status = %d, want 429", httpErr.Status)
	}
	if httpErr.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", httpErr.RetryAfter)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1 with retries capped", got)
	}
}

func TestFetchComponentNoURL(t *testing.T) {
	comp := &fetchComponent{client: http.DefaultClient, logger: nopLogger}
	ec := newExecContext("t", nil, nil, nil)
	_, err := comp.Invoke(context.Background(), nil, map[string]any{}, ec)
	if err == nil || !strings.Contains(err.Error(), "no url") {
		t.Errorf("missing url error = %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	future := time.Now().Add(2 * time.Hour).UTC().Format(http.TimeFormat)
	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)

	tests := []struct {
		name  string
		value string
		check func(time.Duration) bool
	}{
		{"seconds", "7", func(d time.Duration) bool { return d == 7*time.Second }},
		{"empty", "", func(d time.Duration) bool { return d == 0 }},
		{"garbage", "soon", func(d time.Duration) bool { return d == 0 }},
		{"http date", future, func(d time.Duration) bool { return d > time.Hour && d <= 2*time.Hour }},
		{"stale date", past, func(d time.Duration) bool { return d == 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.value); !tt.check(got) {
				t.Errorf("parseRetryAfter(%q) = %v", tt.value, got)
			}
		})
	}
}

func TestMarkdownComponent(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	comp, _ := reg.Get(ComponentMarkdown)
	ec := newExecContext("t", nil, nil, nil)

	out, err := comp.Invoke(context.Background(), map[string]any{"text": "# Title\n\nSome ~~old~~ text."}, nil, ec)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	html, _ := out["html"].(string)
	if !strings.Contains(html, "<h1>Title</h1>") {
		t.Errorf("html = %q, want heading", html)
	}
	if !strings.Contains(html, "<del>old</del>") {
		t.Errorf("html = %q, want GFM strikethrough", html)
	}
}

func TestMarkdownComponentNoText(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	comp, _ := reg.Get(ComponentMarkdown)
	ec := newExecContext("t", nil, nil, nil)
	_, err := comp.Invoke(context.Background(), nil, nil, ec)
	if err == nil || !strings.Contains(err.Error(), "no text input") {
		t.Errorf("missing text error = %v", err)
	}
}

func TestPDFComponentInputErrors(t *testing.T) {
	ec := newExecContext("t", nil, nil, nil)
	tests := []struct {
		name    string
		inputs  map[string]any
		wantErr string
	}{
		{"nothing", map[string]any{}, "no data or path"},
		{"bad base64", map[string]any{"data": "!!!"}, "decode base64"},
		{"not a pdf", map[string]any{"data": []byte("plain text")}, "open"},
		{"base64 of junk", map[string]any{"data": base64.StdEncoding.EncodeToString([]byte("junk"))}, "open"},
		{"missing file", map[string]any{"path": "/nonexistent/report.pdf"}, "no such file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pdfComponent{}.Invoke(context.Background(), tt.inputs, nil, ec)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Invoke error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
