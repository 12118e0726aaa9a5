package loom

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token usage for context-window accounting.
type TokenCounter interface {
	Count(text string) int
}

// DefaultEncoding is the BPE encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// TiktokenCounter counts tokens with a real BPE encoding. Safe for
// concurrent use.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding (DefaultEncoding when empty).
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter approximates four characters per token. Used when no
// encoding is available for the model.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

// Per-message wire overhead, after the OpenAI counting recipe.
const tokensPerMessage = 3

// Flat per-image estimate, after the low-detail vision tile cost.
const tokensPerImage = 85

// MessageTokens estimates one message including role and tool traffic.
func MessageTokens(c TokenCounter, m Message) int {
	total := tokensPerMessage + c.Count(string(m.Role))
	for _, p := range m.Parts {
		switch p.Kind {
		case PartText, PartThinking:
			total += c.Count(p.Text)
		case PartImage:
			if p.Image != nil {
				total += tokensPerImage
			}
		case PartToolRequest:
			if p.ToolRequest != nil {
				total += c.Count(p.ToolRequest.Name) + c.Count(string(p.ToolRequest.Args))
			}
		case PartToolResponse:
			if p.ToolResponse != nil {
				total += c.Count(p.ToolResponse.Content)
			}
		}
	}
	return total
}

// ConversationTokens estimates the request size for the given messages plus
// the assistant reply priming.
func ConversationTokens(c TokenCounter, msgs []Message) int {
	total := tokensPerMessage
	for _, m := range msgs {
		total += MessageTokens(c, m)
	}
	return total
}
