package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/surfdeck/surfdeck/internal/browser"
	"github.com/surfdeck/surfdeck/internal/conversation"
	"github.com/surfdeck/surfdeck/internal/llm"
)

// TaskType is the execution strategy chosen for a user request.
type TaskType string

const (
	TaskConversation TaskType = "conversation"
	TaskNavigate     TaskType = "navigate"
	TaskAct          TaskType = "act"
	TaskAgent        TaskType = "agent"
)

// defaultNavigateURL is used when the model picks navigate without a URL.
const defaultNavigateURL = "https://www.google.com"

// Classification is the routing decision for one user request.
type Classification struct {
	Type        TaskType
	UserMessage string
	// Details carries the target URL for navigate tasks.
	Details string
	// Answer carries the direct reply for conversation tasks.
	Answer string
}

var classifyTool = llm.Tool{
	Name:        "classifyRequest",
	Description: "Classify user request into appropriate execution type",
	Properties: map[string]any{
		"type": map[string]any{
			"type":        "string",
			"enum":        []string{"navigate", "act", "agent"},
			"description": "The type of execution strategy",
		},
		"url": map[string]any{
			"type":        "string",
			"description": "Use this only for navigate type. Leave it empty for other types",
		},
	},
	Required: []string{"type"},
}

// Classifier routes user requests to an execution strategy with one
// tool-constrained model call.
type Classifier struct {
	provider llm.Provider
	conv     *conversation.Manager
	state    *browser.StateManager
	logger   *slog.Logger
}

// NewClassifier creates a task classifier.
func NewClassifier(provider llm.Provider, conv *conversation.Manager, state *browser.StateManager, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{provider: provider, conv: conv, state: state, logger: logger}
}

// Classify decides how to execute the user's request. It never fails: any
// error degrades to a conversation-type result so the request still gets a
// reply.
func (c *Classifier) Classify(ctx context.Context, userMessage, sessionID string, history []conversation.Message) Classification {
	messages := c.prepareMessages(userMessage, sessionID, history)

	resp, err := c.provider.Converse(ctx, llm.Request{
		System:    routerPrompt,
		Messages:  messages,
		Tools:     []llm.Tool{classifyTool},
		MaxTokens: 1000,
	})
	if err != nil {
		c.logger.Error("classification call failed", "session_id", sessionID, "error", err)
		return Classification{
			Type:        TaskConversation,
			UserMessage: userMessage,
			Answer:      fmt.Sprintf("I encountered an error, but I'll try to help: %v", err),
		}
	}

	out := Classification{
		Type:        TaskConversation,
		UserMessage: userMessage,
		Answer:      resp.Text,
	}

	if resp.StopReason == llm.StopToolUse {
		for _, call := range resp.ToolCalls {
			applyToolClassification(&out, call)
		}
		return out
	}

	// No tool use: salvage a classification the model wrote as plain text.
	if extracted := extractClassificationJSON(resp.Text); extracted != nil {
		out.Type = TaskType(extracted["type"].(string))
		if out.Type == TaskNavigate {
			if url, _ := extracted["url"].(string); url != "" {
				out.Details = url
			} else {
				out.Details = defaultNavigateURL
			}
		}
	}
	return out
}

func applyToolClassification(out *Classification, call llm.ToolCall) {
	switch call.Name {
	case "classifyRequest", "classify_request":
		t, _ := call.Input["type"].(string)
		switch TaskType(t) {
		case TaskNavigate, TaskAct, TaskAgent:
			out.Type = TaskType(t)
		default:
			return
		}
		if out.Type == TaskNavigate {
			if url, _ := call.Input["url"].(string); url != "" {
				out.Details = url
			} else {
				out.Details = defaultNavigateURL
			}
		}
	case "navigate", "act", "agent":
		// Some models call the category as if it were a tool.
		out.Type = TaskType(call.Name)
		if out.Type == TaskNavigate {
			for _, key := range []string{"url", "details"} {
				if v, _ := call.Input[key].(string); len(v) > 4 && v[:4] == "http" {
					out.Details = v
					break
				}
			}
			if out.Details == "" {
				out.Details = defaultNavigateURL
			}
		}
	}
}

var (
	fencedJSONRe = regexp.MustCompile("```json\\s*(\\{[\\s\\S]*?\\})\\s*```")
	strictJSONRe = regexp.MustCompile(`\{[\s\n]*"type"[\s\n]*:[\s\n]*"(navigate|act|agent)"[\s\S]*?\}`)
)

// extractClassificationJSON pulls a {"type": ...} object out of free text,
// preferring fenced code blocks and falling back to a strict inline pattern.
func extractClassificationJSON(text string) map[string]any {
	var candidates []string
	for _, m := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1])
	}
	if len(candidates) == 0 {
		candidates = strictJSONRe.FindAllString(text, -1)
	}

	for _, candidate := range candidates {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
			continue
		}
		t, _ := parsed["type"].(string)
		switch TaskType(t) {
		case TaskNavigate, TaskAct, TaskAgent:
			return parsed
		}
	}
	return nil
}

// prepareMessages builds the replayable history for the router call,
// appending live browser context to the final user turn when available.
func (c *Classifier) prepareMessages(userMessage, sessionID string, history []conversation.Message) []conversation.Message {
	var messages []conversation.Message
	if len(history) > 0 {
		messages = c.conv.PrepareForModel(history)
	}
	if len(messages) == 0 {
		messages = []conversation.Message{{
			Role:      conversation.RoleUser,
			Content:   []conversation.ContentBlock{conversation.NewTextBlock(userMessage)},
			Timestamp: time.Now().UTC(),
		}}
	}

	if context := c.browserContext(sessionID); context != "" {
		last := &messages[len(messages)-1]
		if last.Role == conversation.RoleUser {
			last.Content = append(last.Content, conversation.NewTextBlock(context))
		}
	}
	return messages
}

func (c *Classifier) browserContext(sessionID string) string {
	if c.state == nil {
		return ""
	}
	state := c.state.Get(sessionID)
	if state == nil || !state.Status.Active() {
		return ""
	}
	ctx := fmt.Sprintf("\n[Current browser context] URL: %s", state.CurrentURL)
	if state.PageTitle != "" {
		ctx += fmt.Sprintf(" | Page title: %s", state.PageTitle)
	}
	return ctx
}
