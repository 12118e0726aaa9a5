package loom

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	pdfreader "github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
)

// fetchComponent downloads a URL and extracts readable article text.
// Transient HTTP errors (429, 503) are retried with backoff.
type fetchComponent struct {
	client *http.Client
	logger *slog.Logger
}

type fetchConfig struct {
	URL         string `mapstructure:"url"`
	TimeoutMS   int    `mapstructure:"timeout_ms"`
	Retries     int    `mapstructure:"retries"`
	Readability *bool  `mapstructure:"readability"`
	MaxBytes    int64  `mapstructure:"max_bytes"`
}

type fetchResult struct {
	status int
	title  string
	text   string
}

func (f *fetchComponent) Invoke(ctx context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error) {
	var cfg fetchConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	in := ec.Resolve(inputs)
	rawURL, _ := in["url"].(string)
	if rawURL == "" {
		rawURL = Stringify(resolveOperand(ec, in, cfg.URL))
	}
	if rawURL == "" {
		return nil, errors.New("fetch: no url")
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1 << 20
	}
	extract := cfg.Readability == nil || *cfg.Readability

	if cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	res, err := retryCall(ctx, cfg.Retries, time.Second, "fetch", f.logger, func() (fetchResult, error) {
		return f.fetch(ctx, rawURL, cfg.MaxBytes, extract)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return map[string]any{
		"url":    rawURL,
		"status": res.status,
		"title":  res.title,
		"text":   res.text,
	}, nil
}

func (f *fetchComponent) fetch(ctx context.Context, rawURL string, maxBytes int64, extract bool) (fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fetchResult{}, fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; LoomBot/1.0)")

	resp, err := f.client.Do(req)
	if err != nil {
		return fetchResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fetchResult{}, &ErrHTTP{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return fetchResult{}, fmt.Errorf("read body: %w", err)
	}
	html := string(body)
	res := fetchResult{status: resp.StatusCode, text: html}

	if extract {
		parsedURL, _ := url.Parse(rawURL)
		article, err := readability.FromReader(strings.NewReader(html), parsedURL)
		if err == nil && article.TextContent != "" {
			res.title = article.Title
			res.text = strings.TrimSpace(article.TextContent)
		}
	}
	return res, nil
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// markdownComponent renders its text input to HTML (GFM dialect).
type markdownComponent struct {
	md goldmark.Markdown
}

func (m *markdownComponent) Invoke(_ context.Context, inputs, _ map[string]any, ec *ExecContext) (map[string]any, error) {
	in := ec.Resolve(inputs)
	src, _ := in["text"].(string)
	if src == "" {
		return nil, errors.New("markdown: no text input")
	}
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(src), &buf); err != nil {
		return nil, fmt.Errorf("markdown: %w", err)
	}
	return map[string]any{"html": strings.TrimSpace(buf.String())}, nil
}

// pdfComponent extracts plain text from a PDF given as inline bytes, a
// base64 string, or a filesystem path.
type pdfComponent struct{}

func (pdfComponent) Invoke(_ context.Context, inputs, _ map[string]any, ec *ExecContext) (map[string]any, error) {
	in := ec.Resolve(inputs)
	content, err := pdfContent(in)
	if err != nil {
		return nil, fmt.Errorf("pdf: %w", err)
	}

	r, err := pdfreader.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("pdf: open: %w", err)
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return map[string]any{
		"text":  strings.TrimSpace(text.String()),
		"pages": r.NumPage(),
	}, nil
}

func pdfContent(in map[string]any) ([]byte, error) {
	switch data := in["data"].(type) {
	case []byte:
		if len(data) > 0 {
			return data, nil
		}
	case string:
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("decode base64 data: %w", err)
		}
		return decoded, nil
	}
	if path, _ := in["path"].(string); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return content, nil
	}
	return nil, errors.New("no data or path input")
}
