package llm

import (
	"context"
	"strings"

	"github.com/surfdeck/surfdeck/internal/conversation"
)

// StopReason normalizes why the model stopped generating across providers.
type StopReason string

const (
	StopToolUse         StopReason = "tool_use"
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopSequence        StopReason = "stop_sequence"
	StopContentFiltered StopReason = "content_filtered"
)

// Terminal reports whether the conversation should not continue.
func (s StopReason) Terminal() bool {
	return s != StopToolUse
}

// Tool describes one tool offered to the model.
type Tool struct {
	Name        string
	Description string
	// Properties is the JSON schema "properties" object.
	Properties map[string]any
	Required   []string
}

// ToolCall is one tool invocation issued by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// Request is a provider-neutral converse call.
type Request struct {
	System    string
	Messages  []conversation.Message
	Tools     []Tool
	ForceTool string // when set, the model must call this tool
	MaxTokens int
}

// Response is the normalized model reply.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason StopReason
}

// Provider is a chat-completions backend capable of tool use.
type Provider interface {
	Converse(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// StripFences removes a surrounding markdown code fence if present.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) > 1 {
		text = lines[1]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
