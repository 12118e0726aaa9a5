package loom

import (
	"context"
	"fmt"
	"log/slog"
	"math"
)

// Summarizer produces a prose summary of a conversation. Implementations
// typically wrap a Provider; tests supply canned output.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []Message) (string, error)
}

const summaryPrompt = "Summarize the conversation so far for use as long-term context. " +
	"Keep decisions, facts, open questions, and the current task state. " +
	"Be specific and concise; write in the third person."

// ProviderSummarizer adapts an LLM Provider into a Summarizer.
type ProviderSummarizer struct {
	Provider Provider
	Model    string
}

func (s ProviderSummarizer) Summarize(ctx context.Context, msgs []Message) (string, error) {
	req := ChatRequest{
		Model:    s.Model,
		Messages: append([]ChatMessage{{Role: string(RoleSystem), Content: summaryPrompt}}, ToChatMessages(msgs)...),
	}
	resp, err := s.Provider.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Continuation texts appended after the summary so the next model turn has a
// coherent assistant voice to pick up from.
const (
	continuationManual = "Got it. I've condensed our earlier conversation into the summary above " +
		"and will keep it as context going forward."
	continuationPreservedLast = "I've condensed our earlier conversation into the summary above. " +
		"Your most recent message follows; I'll pick up from there."
	continuationDefault = "I've condensed our earlier conversation into the summary above " +
		"and will continue from here."
)

// Tool-response removal escalates through these ratios until the
// summarization request fits the window.
var compactionRatios = []float64{0, 0.1, 0.2, 0.5, 1.0}

type compactorConfig struct {
	threshold float64
	counter   TokenCounter
	logger    *slog.Logger
}

// CompactorOption configures a Compactor.
type CompactorOption func(*compactorConfig)

// WithThreshold sets the fill ratio above which compaction triggers.
// Values outside (0,1) are ignored.
func WithThreshold(r float64) CompactorOption {
	return func(c *compactorConfig) {
		if r > 0 && r < 1 {
			c.threshold = r
		}
	}
}

// WithTokenCounter replaces the default length heuristic, e.g. with a
// TiktokenCounter for the target model.
func WithTokenCounter(tc TokenCounter) CompactorOption {
	return func(c *compactorConfig) { c.counter = tc }
}

// CompactorLogger sets a structured logger for retry diagnostics.
func CompactorLogger(l *slog.Logger) CompactorOption {
	return func(c *compactorConfig) { c.logger = l }
}

// Compactor shrinks a conversation that is outgrowing its context window:
// old turns are summarized and retired from the agent's view while the
// durable transcript keeps everything.
type Compactor struct {
	summarizer Summarizer
	window     int
	threshold  float64
	counter    TokenCounter
	logger     *slog.Logger
}

// NewCompactor builds a compactor for a context window of the given token
// size. Defaults: threshold 0.8, heuristic token counting, no logging.
func NewCompactor(summarizer Summarizer, window int, opts ...CompactorOption) *Compactor {
	cfg := compactorConfig{
		threshold: 0.8,
		counter:   HeuristicCounter{},
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Compactor{
		summarizer: summarizer,
		window:     window,
		threshold:  cfg.threshold,
		counter:    cfg.counter,
		logger:     cfg.logger,
	}
}

// NeedsCompaction reports whether the agent-visible conversation exceeds the
// threshold share of the window.
func (c *Compactor) NeedsCompaction(msgs []Message) bool {
	used := ConversationTokens(c.counter, AgentView(msgs))
	return float64(used)/float64(c.window) > c.threshold
}

// Compact summarizes the agent-visible conversation and rebuilds it: every
// pre-existing message becomes agent-invisible, the summary and an assistant
// continuation are appended agent-only, and the most recent text-only user
// message (if any) is restated as fresh live input. manual selects the
// continuation wording for user-initiated compaction.
//
// When even the most aggressive tool-response removal leaves the
// summarization request over the window, Compact returns
// ErrCompactionOverflow and the conversation is unchanged.
func (c *Compactor) Compact(ctx context.Context, msgs []Message, manual bool) ([]Message, error) {
	visible := AgentView(msgs)
	if len(visible) == 0 {
		return msgs, nil
	}

	// Most recent text-only user turn, tracked by position in both the
	// original list and the visible subset.
	preservedOrig, preservedVis := -1, -1
	vis := -1
	for i, m := range msgs {
		if !m.AgentVisible {
			continue
		}
		vis++
		if m.Role == RoleUser && m.IsTextOnly() {
			preservedOrig, preservedVis = i, vis
		}
	}
	preservedWasLast := preservedVis >= 0 && preservedVis == len(visible)-1

	summary, err := c.summarize(ctx, visible)
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, len(msgs)+3)
	for i, m := range msgs {
		m.AgentVisible = false
		if i == preservedOrig {
			m.UserVisible = false
		}
		out = append(out, m)
	}

	out = append(out, Message{
		Role:         RoleUser,
		Parts:        []Part{{Kind: PartText, Text: summary}},
		AgentVisible: true,
		UserVisible:  false,
	})

	continuation := continuationDefault
	switch {
	case manual:
		continuation = continuationManual
	case preservedWasLast:
		continuation = continuationPreservedLast
	}
	out = append(out, Message{
		Role:         RoleAssistant,
		Parts:        []Part{{Kind: PartText, Text: continuation}},
		AgentVisible: true,
		UserVisible:  false,
	})

	if preservedOrig >= 0 {
		out = append(out, NewUserMessage(msgs[preservedOrig].TextContent()))
	}
	return out, nil
}

// summarize tries the full visible conversation first, then retries with
// progressively more tool-response messages removed until the request fits
// the window.
func (c *Compactor) summarize(ctx context.Context, visible []Message) (string, error) {
	promptTokens := tokensPerMessage + c.counter.Count(summaryPrompt)
	for _, ratio := range compactionRatios {
		candidate := removeToolResponses(visible, ratio)
		size := promptTokens + ConversationTokens(c.counter, candidate)
		if size > c.window {
			c.logger.Debug("compactor: summarization request over window",
				"ratio", ratio, "tokens", size, "window", c.window)
			continue
		}
		summary, err := c.summarizer.Summarize(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("summarize conversation: %w", err)
		}
		return summary, nil
	}
	return "", ErrCompactionOverflow
}

// removeToolResponses drops ceil(ratio * n) of the n tool-response messages,
// selected middle-out: the median first, then alternating older and newer.
func removeToolResponses(msgs []Message, ratio float64) []Message {
	if ratio <= 0 {
		return msgs
	}
	var targets []int
	for i, m := range msgs {
		if m.hasToolResponses() {
			targets = append(targets, i)
		}
	}
	n := int(math.Ceil(ratio * float64(len(targets))))
	if n == 0 {
		return msgs
	}

	mid := len(targets) / 2
	order := []int{mid}
	for d := 1; len(order) < len(targets); d++ {
		if mid-d >= 0 {
			order = append(order, mid-d)
		}
		if mid+d < len(targets) {
			order = append(order, mid+d)
		}
	}
	drop := make(map[int]bool, n)
	for i := 0; i < n && i < len(order); i++ {
		drop[targets[order[i]]] = true
	}

	out := make([]Message, 0, len(msgs)-n)
	for i, m := range msgs {
		if drop[i] {
			continue
		}
		out = append(out, m)
	}
	return out
}
