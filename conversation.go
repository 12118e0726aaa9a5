package loom

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"

	// roleTool is virtual: a user-role message carrying only tool
	// responses acts as a tool turn for merging purposes. Never
	// serialized.
	roleTool Role = "tool"
)

// PartKind discriminates the content items inside a message.
type PartKind string

const (
	PartText         PartKind = "text"
	PartImage        PartKind = "image"
	PartThinking     PartKind = "thinking"
	PartToolRequest  PartKind = "tool_request"
	PartToolResponse PartKind = "tool_response"
)

// Image is image content, either referenced by URL or carried inline as
// bytes with a MIME type. Exactly one of URL and Data is set.
type Image struct {
	URL  string `json:"url,omitempty"`
	Data []byte `json:"data,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// ToolRequest is an assistant-side call to a tool.
type ToolRequest struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResponse is the user-side result for an earlier request.
type ToolResponse struct {
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Part is one content item within a message.
type Part struct {
	Kind         PartKind      `json:"kind"`
	Text         string        `json:"text,omitempty"`
	Image        *Image        `json:"image,omitempty"`
	ToolRequest  *ToolRequest  `json:"tool_request,omitempty"`
	ToolResponse *ToolResponse `json:"tool_response,omitempty"`
}

// Message is one turn in a conversation. Visibility flags control who the
// message is replayed to: AgentVisible messages are sent to the model,
// UserVisible messages are rendered in the transcript. Compaction retires
// old turns by clearing AgentVisible while keeping them on record.
type Message struct {
	Role         Role   `json:"role"`
	Parts        []Part `json:"parts"`
	AgentVisible bool   `json:"agent_visible"`
	UserVisible  bool   `json:"user_visible"`
}

// NewUserMessage returns a fully visible user turn with a single text part.
func NewUserMessage(text string) Message {
	return Message{
		Role:         RoleUser,
		Parts:        []Part{{Kind: PartText, Text: text}},
		AgentVisible: true,
		UserVisible:  true,
	}
}

// NewAssistantMessage returns a fully visible assistant turn with a single
// text part.
func NewAssistantMessage(text string) Message {
	return Message{
		Role:         RoleAssistant,
		Parts:        []Part{{Kind: PartText, Text: text}},
		AgentVisible: true,
		UserVisible:  true,
	}
}

// TextContent concatenates the message's text parts.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// IsTextOnly reports whether every part is plain text.
func (m Message) IsTextOnly() bool {
	if len(m.Parts) == 0 {
		return false
	}
	for _, p := range m.Parts {
		if p.Kind != PartText {
			return false
		}
	}
	return true
}

// isEmpty reports whether the message carries no content at all.
func (m Message) isEmpty() bool {
	for _, p := range m.Parts {
		switch p.Kind {
		case PartText, PartThinking:
			if p.Text != "" {
				return false
			}
		case PartImage:
			if p.Image != nil && (p.Image.URL != "" || len(p.Image.Data) > 0) {
				return false
			}
		case PartToolRequest:
			if p.ToolRequest != nil {
				return false
			}
		case PartToolResponse:
			if p.ToolResponse != nil {
				return false
			}
		}
	}
	return true
}

// hasToolResponses reports whether any part is a tool response.
func (m Message) hasToolResponses() bool {
	for _, p := range m.Parts {
		if p.Kind == PartToolResponse {
			return true
		}
	}
	return false
}

// EffectiveRole is the role used for adjacency decisions: a user message
// consisting solely of tool responses behaves as a tool turn, not a user
// turn, so live user text never merges into tool output.
func (m Message) EffectiveRole() Role {
	if m.Role != RoleUser || len(m.Parts) == 0 {
		return m.Role
	}
	for _, p := range m.Parts {
		if p.Kind != PartToolResponse {
			return m.Role
		}
	}
	return roleTool
}

// AgentView returns the agent-visible subset, preserving order.
func AgentView(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.AgentVisible {
			out = append(out, m)
		}
	}
	return out
}

// ToChatMessages flattens conversation messages into the provider wire
// shape. Tool traffic is rendered inline as text so summarization prompts
// can cover it.
func ToChatMessages(msgs []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		var sb strings.Builder
		for _, p := range m.Parts {
			switch p.Kind {
			case PartText:
				sb.WriteString(p.Text)
			case PartImage:
				if p.Image != nil {
					if p.Image.URL != "" {
						sb.WriteString("[image: " + p.Image.URL + "]")
					} else {
						sb.WriteString("[image]")
					}
				}
			case PartThinking:
				// Thinking is model-internal, not replayed.
			case PartToolRequest:
				if p.ToolRequest != nil {
					sb.WriteString("[tool call " + p.ToolRequest.Name)
					if len(p.ToolRequest.Args) > 0 {
						sb.WriteString(" " + string(p.ToolRequest.Args))
					}
					sb.WriteString("]")
				}
			case PartToolResponse:
				if p.ToolResponse != nil {
					sb.WriteString("[tool result: " + p.ToolResponse.Content + "]")
				}
			}
		}
		role := m.Role
		if role == roleTool {
			role = RoleUser
		}
		out = append(out, ChatMessage{Role: string(role), Content: sb.String()})
	}
	return out
}
