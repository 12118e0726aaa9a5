package loom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// llmComponent calls a chat Provider resolved through the run's resource
// manager. With streaming enabled (default) tokens are forwarded to the
// run's event stream as stream_token events while the call is in flight.
type llmComponent struct {
	logger *slog.Logger
}

type llmConfig struct {
	Resource    string  `mapstructure:"resource"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	System      string  `mapstructure:"system"`
	Prompt      string  `mapstructure:"prompt"`
	Stream      *bool   `mapstructure:"stream"`
	Retries     int     `mapstructure:"retries"`
	RPM         int     `mapstructure:"rpm"`
	TPM         int     `mapstructure:"tpm"`
}

// wrapProvider applies the node's resilience config around the resolved
// provider. The rate limiter sits outermost so a retried request consumes
// one unit of request budget.
func (c *llmComponent) wrapProvider(p Provider, cfg llmConfig) Provider {
	if cfg.Retries > 0 {
		p = WithRetry(p, RetryMaxAttempts(cfg.Retries), RetryLogger(c.logger))
	}
	if cfg.RPM > 0 || cfg.TPM > 0 {
		p = WithRateLimit(p, RPM(cfg.RPM), TPM(cfg.TPM))
	}
	return p
}

func (c *llmComponent) Invoke(ctx context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error) {
	var cfg llmConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	if cfg.Resource == "" {
		cfg.Resource = "llm"
	}

	in := ec.Resolve(inputs)
	prompt, _ := in["prompt"].(string)
	if prompt == "" {
		prompt = Stringify(resolveOperand(ec, in, cfg.Prompt))
	}
	if prompt == "" {
		return nil, errors.New("llm: empty prompt")
	}

	res, err := ec.Resource(cfg.Resource)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	provider, ok := res.(Provider)
	if !ok {
		return nil, fmt.Errorf("llm: resource %q is %T, not a Provider", cfg.Resource, res)
	}
	provider = c.wrapProvider(provider, cfg)

	var msgs []ChatMessage
	if cfg.System != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: cfg.System})
	}
	msgs = append(msgs, ChatMessage{Role: "user", Content: prompt})
	req := ChatRequest{
		Messages:    msgs,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}

	stream := cfg.Stream == nil || *cfg.Stream
	var resp ChatResponse
	if stream && ec.Streamer() != nil {
		resp, err = c.chatStreaming(ctx, provider, req, ec.Streamer(), nodeIDOf(config))
	} else {
		resp, err = provider.Chat(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	return map[string]any{
		"text": resp.Content,
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	}, nil
}

// chatStreaming forwards provider tokens to the run's event stream while
// the request is in flight. The component owns the token channel.
func (c *llmComponent) chatStreaming(ctx context.Context, p Provider, req ChatRequest, st *Streamer, nodeID string) (ChatResponse, error) {
	ch := make(chan string, 64)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for tok := range ch {
			// stream_token is non-critical; Emit never fails for it.
			_ = st.Emit(ctx, EventStreamToken, map[string]any{"text": tok}, FromNode(nodeID))
		}
	}()
	resp, err := p.ChatStream(ctx, req, ch)
	close(ch)
	<-drained
	return resp, err
}

// codeComponent runs a code snippet through a CodeRunner resolved from the
// resource manager. A nonzero exit fails the node.
type codeComponent struct{}

type codeConfig struct {
	Resource  string `mapstructure:"resource"`
	Runtime   string `mapstructure:"runtime"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
	Session   bool   `mapstructure:"session"`
}

func (codeComponent) Invoke(ctx context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error) {
	var cfg codeConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("code: %w", err)
	}
	if cfg.Resource == "" {
		cfg.Resource = "code"
	}

	in := ec.Resolve(inputs)
	src, _ := in["code"].(string)
	if src == "" {
		return nil, errors.New("code: no code input")
	}

	res, err := ec.Resource(cfg.Resource)
	if err != nil {
		return nil, fmt.Errorf("code: %w", err)
	}
	runner, ok := res.(CodeRunner)
	if !ok {
		return nil, fmt.Errorf("code: resource %q is %T, not a CodeRunner", cfg.Resource, res)
	}

	req := CodeRequest{
		Code:    src,
		Runtime: cfg.Runtime,
		Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}
	if cfg.Session {
		// Iterations of the same run share a workspace.
		req.SessionID = ec.RunID()
	}

	result, err := runner.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("code: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("code: %s", result.Error)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("code: exit %d: %s", result.ExitCode, result.Logs)
	}
	return map[string]any{
		"output":    result.Output,
		"logs":      result.Logs,
		"exit_code": result.ExitCode,
	}, nil
}

// humanInputComponent asks a human through the context's InputHandler.
// Without a handler it suspends the run; the awaited value arrives at
// resume time via WithResumeInputs.
type humanInputComponent struct{}

type humanInputConfig struct {
	Question string   `mapstructure:"question"`
	Options  []string `mapstructure:"options"`
	Out      string   `mapstructure:"out"`
}

func (humanInputComponent) Invoke(ctx context.Context, inputs, config map[string]any, ec *ExecContext) (map[string]any, error) {
	var cfg humanInputConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("human input: %w", err)
	}
	in := ec.Resolve(inputs)
	question := Stringify(resolveOperand(ec, in, cfg.Question))

	h, ok := InputHandlerFromContext(ctx)
	if !ok {
		return map[string]any{KeyControlSignal: SuspendSentinel, "question": question}, nil
	}

	resp, err := h.RequestInput(ctx, InputRequest{
		Question: question,
		Options:  cfg.Options,
		Metadata: map[string]string{"run_id": ec.RunID(), "node_id": nodeIDOf(config)},
	})
	if err != nil {
		return nil, fmt.Errorf("human input: %w", err)
	}
	key := cfg.Out
	if key == "" {
		key = "value"
	}
	return map[string]any{key: resp.Value}, nil
}
