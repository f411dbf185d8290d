package conversation

import (
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind names the variant held by a ContentBlock.
type BlockKind string

const (
	KindText       BlockKind = "text"
	KindToolUse    BlockKind = "toolUse"
	KindToolResult BlockKind = "toolResult"
	KindImage      BlockKind = "image"
)

// TextBlock is plain text content.
type TextBlock struct {
	Text string `json:"text"`
}

// ToolUseBlock records a model-issued tool invocation.
type ToolUseBlock struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
}

// ToolResultBlock carries the outcome of a tool invocation back to the model.
type ToolResultBlock struct {
	ToolUseID string         `json:"toolUseId"`
	Result    map[string]any `json:"result,omitempty"`
	IsError   bool           `json:"isError,omitempty"`
}

// ImageBlock holds one base64-encoded screenshot.
type ImageBlock struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// ContentBlock is a tagged union: exactly one field is non-nil.
type ContentBlock struct {
	Text       *TextBlock       `json:"text,omitempty"`
	ToolUse    *ToolUseBlock    `json:"toolUse,omitempty"`
	ToolResult *ToolResultBlock `json:"toolResult,omitempty"`
	Image      *ImageBlock      `json:"image,omitempty"`
}

// Kind returns which variant the block holds.
func (b ContentBlock) Kind() BlockKind {
	switch {
	case b.Text != nil:
		return KindText
	case b.ToolUse != nil:
		return KindToolUse
	case b.ToolResult != nil:
		return KindToolResult
	case b.Image != nil:
		return KindImage
	}
	return ""
}

// Validate checks that exactly one variant is set.
func (b ContentBlock) Validate() error {
	set := 0
	if b.Text != nil {
		set++
	}
	if b.ToolUse != nil {
		set++
	}
	if b.ToolResult != nil {
		set++
	}
	if b.Image != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("content block must hold exactly one variant, has %d", set)
	}
	return nil
}

// NewTextBlock wraps text in a content block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Text: &TextBlock{Text: text}}
}

// NewImageBlock wraps a base64 PNG in a content block.
func NewImageBlock(data string) ContentBlock {
	return ContentBlock{Image: &ImageBlock{MediaType: "image/png", Data: data}}
}

// Message is one turn in a session's conversation.
type Message struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// TextContent concatenates the message's text blocks.
func (m Message) TextContent() string {
	var out string
	for _, b := range m.Content {
		if b.Text != nil {
			if out != "" {
				out += "\n"
			}
			out += b.Text.Text
		}
	}
	return out
}

// HasImages reports whether any block holds an image.
func (m Message) HasImages() bool {
	for _, b := range m.Content {
		if b.Image != nil {
			return true
		}
	}
	return false
}
