package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// imageRemovedPlaceholder stands in for content stripped before model replay.
const imageRemovedPlaceholder = "[Screenshot removed to conserve context]"

// Manager records conversation turns and prepares histories for model calls.
type Manager struct {
	store  Store
	logger *slog.Logger
}

// NewManager creates a conversation manager over the given store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// AddUserMessage appends a user turn, optionally with a screenshot.
func (m *Manager) AddUserMessage(ctx context.Context, sessionID, text, imageData string) error {
	content := []ContentBlock{NewTextBlock(text)}
	if imageData != "" {
		content = append(content, NewImageBlock(imageData))
	}
	return m.append(ctx, sessionID, Message{
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

// AddAssistantMessage appends a plain-text assistant turn.
func (m *Manager) AddAssistantMessage(ctx context.Context, sessionID, text string) error {
	return m.append(ctx, sessionID, Message{
		Role:      RoleAssistant,
		Content:   []ContentBlock{NewTextBlock(text)},
		Timestamp: time.Now().UTC(),
	})
}

// AddToolUsage appends an assistant turn recording a tool invocation and
// returns the correlation ID its result must carry.
func (m *Manager) AddToolUsage(ctx context.Context, sessionID, toolName string, input map[string]any) (string, error) {
	toolUseID := uuid.NewString()
	msg := Message{
		Role: RoleAssistant,
		Content: []ContentBlock{{ToolUse: &ToolUseBlock{
			ToolUseID: toolUseID,
			Name:      toolName,
			Input:     input,
		}}},
		Timestamp: time.Now().UTC(),
	}
	if err := m.append(ctx, sessionID, msg); err != nil {
		return "", err
	}
	return toolUseID, nil
}

// AddToolResult appends a user turn carrying a tool outcome, optionally with
// the screenshot captured alongside it.
func (m *Manager) AddToolResult(ctx context.Context, sessionID, toolUseID string, result map[string]any, isError bool, imageData string) error {
	content := []ContentBlock{{ToolResult: &ToolResultBlock{
		ToolUseID: toolUseID,
		Result:    result,
		IsError:   isError,
	}}}
	if imageData != "" {
		content = append(content, NewImageBlock(imageData))
	}
	return m.append(ctx, sessionID, Message{
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

func (m *Manager) append(ctx context.Context, sessionID string, msg Message) error {
	for _, b := range msg.Content {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("invalid content block: %w", err)
		}
	}
	if err := m.store.Append(ctx, sessionID, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// History returns up to max most recent messages (all when max <= 0).
func (m *Manager) History(ctx context.Context, sessionID string, max int) ([]Message, error) {
	msgs, err := m.store.Messages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if max > 0 && len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	return msgs, nil
}

// Clear removes the session's history.
func (m *Manager) Clear(ctx context.Context, sessionID string) error {
	return m.store.Clear(ctx, sessionID)
}

// PrepareForModel returns a history safe to replay to the model: images are
// stripped from every turn except the most recent user turn that carries one,
// emptied turns get a text placeholder, and tool blocks that lost their pair
// are dropped.
func (m *Manager) PrepareForModel(history []Message) []Message {
	latestImageTurn := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser && history[i].HasImages() {
			latestImageTurn = i
			break
		}
	}

	prepared := make([]Message, 0, len(history))
	for i, msg := range history {
		out := Message{Role: msg.Role, Timestamp: msg.Timestamp}
		stripped := false
		for _, b := range msg.Content {
			if b.Image != nil && i != latestImageTurn {
				stripped = true
				continue
			}
			out.Content = append(out.Content, b)
		}
		if len(out.Content) == 0 && stripped {
			out.Content = []ContentBlock{NewTextBlock(imageRemovedPlaceholder)}
		}
		if len(out.Content) > 0 {
			prepared = append(prepared, out)
		}
	}

	return dropUnpairedToolBlocks(prepared)
}

// dropUnpairedToolBlocks enforces that every toolUse is answered by a
// toolResult with the same ID in the following user turn, and that no
// toolResult appears without its toolUse. Violations are dropped rather than
// sent to the model.
func dropUnpairedToolBlocks(history []Message) []Message {
	// First pass: collect result IDs that directly follow their use.
	answered := make(map[string]bool)
	for i, msg := range history {
		if msg.Role != RoleAssistant {
			continue
		}
		for _, b := range msg.Content {
			if b.ToolUse == nil {
				continue
			}
			if i+1 < len(history) && history[i+1].Role == RoleUser {
				for _, nb := range history[i+1].Content {
					if nb.ToolResult != nil && nb.ToolResult.ToolUseID == b.ToolUse.ToolUseID {
						answered[b.ToolUse.ToolUseID] = true
					}
				}
			}
		}
	}

	var out []Message
	for _, msg := range history {
		kept := Message{Role: msg.Role, Timestamp: msg.Timestamp}
		for _, b := range msg.Content {
			switch {
			case b.ToolUse != nil && !answered[b.ToolUse.ToolUseID]:
				continue
			case b.ToolResult != nil && !answered[b.ToolResult.ToolUseID]:
				continue
			}
			kept.Content = append(kept.Content, b)
		}
		if len(kept.Content) > 0 {
			out = append(out, kept)
		}
	}
	return out
}
