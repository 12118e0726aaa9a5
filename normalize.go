package loom

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// A fixer is one deterministic repair step over a message list. Fixers never
// mutate their input; they return the transformed list plus human-readable
// descriptions of what they changed.
type fixer struct {
	name  string
	apply func([]Message) ([]Message, []string)
}

// fixers run in order. The pipeline is idempotent: a second pass over its own
// output reports no issues.
var fixers = []fixer{
	{"merge-adjacent-text", mergeAdjacentTextParts},
	{"trim-assistant-text", trimAssistantText},
	{"drop-empty", dropEmptyMessages},
	{"role-conventions", removeRoleBreakingParts},
	{"orphan-tool-responses", dropOrphanToolResponses},
	{"unanswered-tool-requests", dropUnansweredToolRequests},
	{"merge-same-role", mergeSameEffectiveRole},
	{"trim-edge-assistants", trimEdgeAssistants},
	{"ensure-user-turn", ensureNonEmpty},
}

// Normalize repairs a conversation into the shape providers accept. It
// returns the repaired list and diagnostics for every change made.
func Normalize(msgs []Message) ([]Message, []string) {
	var issues []string
	out := msgs
	for _, f := range fixers {
		var found []string
		out, found = f.apply(out)
		for _, s := range found {
			issues = append(issues, f.name+": "+s)
		}
	}
	return out, issues
}

// NormalizeVisible normalizes only the agent-visible subset of a
// conversation, then reinserts invisible messages at their original
// positions. Visible slots consume the normalized output queue-style, so
// merges and insertions inside the visible subset survive the reassembly.
func NormalizeVisible(msgs []Message) ([]Message, []string) {
	visible := AgentView(msgs)
	if len(visible) == len(msgs) {
		return Normalize(msgs)
	}

	normalized, issues := Normalize(visible)

	out := make([]Message, 0, len(msgs))
	queue := normalized
	for _, m := range msgs {
		if !m.AgentVisible {
			out = append(out, m)
			continue
		}
		if len(queue) > 0 {
			out = append(out, queue[0])
			queue = queue[1:]
		}
	}
	out = append(out, queue...)
	return out, issues
}

func cloneMessage(m Message) Message {
	m.Parts = append([]Part(nil), m.Parts...)
	return m
}

func mergeAdjacentTextParts(msgs []Message) ([]Message, []string) {
	var issues []string
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if m.Role != RoleAssistant {
			out = append(out, m)
			continue
		}
		merged := collapseAdjacentText(m.Parts)
		if len(merged) < len(m.Parts) {
			issues = append(issues, fmt.Sprintf("merged %d adjacent text parts in assistant message %d", len(m.Parts)-len(merged), i))
			m.Parts = merged
		}
		out = append(out, m)
	}
	return out, issues
}

// collapseAdjacentText concatenates runs of consecutive text parts.
func collapseAdjacentText(parts []Part) []Part {
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		if p.Kind == PartText && len(out) > 0 && out[len(out)-1].Kind == PartText {
			out[len(out)-1].Text += p.Text
			continue
		}
		out = append(out, p)
	}
	return out
}

func trimAssistantText(msgs []Message) ([]Message, []string) {
	var issues []string
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if m.Role != RoleAssistant {
			out = append(out, m)
			continue
		}
		changed := false
		cp := cloneMessage(m)
		for j := range cp.Parts {
			if cp.Parts[j].Kind != PartText {
				continue
			}
			text := norm.NFC.String(cp.Parts[j].Text)
			if j == lastTextPart(cp.Parts) {
				text = strings.TrimRight(text, " \t\r\n")
			}
			if text != cp.Parts[j].Text {
				cp.Parts[j].Text = text
				changed = true
			}
		}
		if changed {
			issues = append(issues, fmt.Sprintf("normalized assistant text in message %d", i))
			out = append(out, cp)
		} else {
			out = append(out, m)
		}
	}
	return out, issues
}

func lastTextPart(parts []Part) int {
	last := -1
	for i, p := range parts {
		if p.Kind == PartText {
			last = i
		}
	}
	return last
}

func dropEmptyMessages(msgs []Message) ([]Message, []string) {
	var issues []string
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if m.isEmpty() {
			issues = append(issues, fmt.Sprintf("dropped empty %s message %d", m.Role, i))
			continue
		}
		out = append(out, m)
	}
	return out, issues
}

// removeRoleBreakingParts enforces the content conventions: tool requests
// and thinking live on the assistant side, tool responses and images on the
// user side.
func removeRoleBreakingParts(msgs []Message) ([]Message, []string) {
	var issues []string
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		keep := make([]Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch {
			case m.Role == RoleUser && p.Kind == PartToolRequest:
				issues = append(issues, fmt.Sprintf("removed tool request from user message %d", i))
			case m.Role == RoleUser && p.Kind == PartThinking:
				issues = append(issues, fmt.Sprintf("removed thinking from user message %d", i))
			case m.Role == RoleAssistant && p.Kind == PartToolResponse:
				issues = append(issues, fmt.Sprintf("removed tool response from assistant message %d", i))
			case m.Role == RoleAssistant && p.Kind == PartImage:
				issues = append(issues, fmt.Sprintf("removed image from assistant message %d", i))
			default:
				keep = append(keep, p)
			}
		}
		if len(keep) == 0 {
			issues = append(issues, fmt.Sprintf("dropped message %d left without content", i))
			continue
		}
		m.Parts = keep
		out = append(out, m)
	}
	return out, issues
}

func dropOrphanToolResponses(msgs []Message) ([]Message, []string) {
	var issues []string
	seen := make(map[string]bool)
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		keep := make([]Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.Kind == PartToolResponse && p.ToolResponse != nil && !seen[p.ToolResponse.RequestID] {
				issues = append(issues, fmt.Sprintf("dropped tool response %q in message %d with no matching request", p.ToolResponse.RequestID, i))
				continue
			}
			keep = append(keep, p)
		}
		for _, p := range keep {
			if p.Kind == PartToolRequest && p.ToolRequest != nil {
				seen[p.ToolRequest.ID] = true
			}
		}
		if len(keep) == 0 {
			issues = append(issues, fmt.Sprintf("dropped message %d left without content", i))
			continue
		}
		m.Parts = keep
		out = append(out, m)
	}
	return out, issues
}

func dropUnansweredToolRequests(msgs []Message) ([]Message, []string) {
	answered := make(map[string]bool)
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.Kind == PartToolResponse && p.ToolResponse != nil {
				answered[p.ToolResponse.RequestID] = true
			}
		}
	}

	var issues []string
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		keep := make([]Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.Kind == PartToolRequest && p.ToolRequest != nil && !answered[p.ToolRequest.ID] {
				issues = append(issues, fmt.Sprintf("dropped unanswered tool request %q in message %d", p.ToolRequest.ID, i))
				continue
			}
			keep = append(keep, p)
		}
		if len(keep) == 0 {
			issues = append(issues, fmt.Sprintf("dropped message %d left without content", i))
			continue
		}
		m.Parts = keep
		out = append(out, m)
	}
	return out, issues
}

func mergeSameEffectiveRole(msgs []Message) ([]Message, []string) {
	var issues []string
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		if len(out) > 0 && out[len(out)-1].EffectiveRole() == m.EffectiveRole() {
			prev := cloneMessage(out[len(out)-1])
			prev.Parts = append(prev.Parts, m.Parts...)
			if prev.Role == RoleAssistant {
				prev.Parts = collapseAdjacentText(prev.Parts)
			}
			prev.UserVisible = prev.UserVisible || m.UserVisible
			out[len(out)-1] = prev
			issues = append(issues, fmt.Sprintf("merged consecutive %s messages at %d", m.EffectiveRole(), i))
			continue
		}
		out = append(out, m)
	}
	return out, issues
}

func trimEdgeAssistants(msgs []Message) ([]Message, []string) {
	var issues []string
	start, end := 0, len(msgs)
	for start < end && msgs[start].Role == RoleAssistant {
		issues = append(issues, "dropped leading assistant message")
		start++
	}
	for end > start && msgs[end-1].Role == RoleAssistant {
		issues = append(issues, "dropped trailing assistant message")
		end--
	}
	if start == 0 && end == len(msgs) {
		return msgs, nil
	}
	return append([]Message(nil), msgs[start:end]...), issues
}

func ensureNonEmpty(msgs []Message) ([]Message, []string) {
	if len(msgs) > 0 {
		return msgs, nil
	}
	return []Message{NewUserMessage("Hello")}, []string{"inserted placeholder user message"}
}
