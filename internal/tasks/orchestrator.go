package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/surfdeck/surfdeck/internal/browser"
	"github.com/surfdeck/surfdeck/internal/conversation"
	"github.com/surfdeck/surfdeck/internal/events"
	"github.com/surfdeck/surfdeck/internal/llm"
)

// Budgets bounds the agent loops. Exhaustion is a normal outcome that ends
// with a summarize call, never an error.
type Budgets struct {
	MaxSupervisorTurns int
	MaxAgentTurns      int
}

func (b *Budgets) withDefaults() {
	if b.MaxSupervisorTurns <= 0 {
		b.MaxSupervisorTurns = 4
	}
	if b.MaxAgentTurns <= 0 {
		b.MaxAgentTurns = 6
	}
}

// missionExcludedTools are worker tools the mission loop must not drive;
// lifecycle stays with the registry.
var missionExcludedTools = map[string]bool{
	browser.ToolCloseBrowser:      true,
	browser.ToolInitializeBrowser: true,
	browser.ToolRestartBrowser:    true,
	browser.ToolTakeScreenshot:    true,
}

var agentExecutorTool = llm.Tool{
	Name:        "agentExecutor",
	Description: "Execute web browsing tasks to fulfill user requests efficiently. Handle user requests directly or break complex requests into sequential steps with specific goals.",
	Properties: map[string]any{
		"mission": map[string]any{
			"type":        "string",
			"description": "Precise description of what the agent should accomplish in this execution",
		},
		"task_context": map[string]any{
			"type":        "string",
			"description": "Context information based on previous conversation and tasks to help the agent understand the continuity of the work",
		},
	},
	Required: []string{"mission"},
}

// missionToolSchemas describes the worker tools offered to the mission loop.
var missionToolSchemas = map[string]llm.Tool{
	browser.ToolNavigate: {
		Name:        browser.ToolNavigate,
		Description: "Navigate the browser to a URL",
		Properties: map[string]any{
			"url": map[string]any{"type": "string", "description": "The URL to open"},
		},
		Required: []string{"url"},
	},
	browser.ToolAct: {
		Name:        browser.ToolAct,
		Description: "Execute a browser action described in natural language on visible elements",
		Properties: map[string]any{
			"instruction": map[string]any{"type": "string", "description": "What to do, described precisely"},
			"max_steps":   map[string]any{"type": "integer", "description": "Maximum number of steps to execute"},
		},
		Required: []string{"instruction"},
	},
	browser.ToolExtractData: {
		Name:        browser.ToolExtractData,
		Description: "Extract structured data from the current page",
		Properties: map[string]any{
			"description": map[string]any{"type": "string", "description": "What to extract"},
			"schema_type": map[string]any{
				"type": "string",
				"enum": []string{"custom", "product", "search_result", "form", "navigation", "bool"},
			},
		},
		Required: []string{"description"},
	},
}

// AgentOrchestrator runs the two-level agent loop: a supervisor that plans
// missions and a nested executor that drives the worker tools.
type AgentOrchestrator struct {
	baseExecutor
	provider llm.Provider
	conv     *conversation.Manager
	budgets  Budgets
}

// NewAgentOrchestrator creates the orchestrator.
func NewAgentOrchestrator(provider llm.Provider, conv *conversation.Manager, registry *browser.Registry, state *browser.StateManager, broker *events.Broker, budgets Budgets, logger *slog.Logger) *AgentOrchestrator {
	budgets.withDefaults()
	return &AgentOrchestrator{
		baseExecutor: newBaseExecutor(registry, state, broker, logger),
		provider:     provider,
		conv:         conv,
		budgets:      budgets,
	}
}

// Execute runs the supervisor loop for one agent task. It always produces a
// non-empty answer: budget exhaustion and stop requests end in summaries.
func (o *AgentOrchestrator) Execute(ctx context.Context, userMessage, sessionID string, history []conversation.Message) (*Result, error) {
	defer o.registry.ClearStop(sessionID)

	if _, err := o.registry.GetOrCreateWorker(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("agent orchestrator: %w", err)
	}

	messages := o.conv.PrepareForModel(history)
	messages = o.enhanceLatestUserTurn(ctx, messages, userMessage, sessionID)

	var finalAnswer string
	stopped := false

	for turn := 0; ; turn++ {
		if o.registry.IsStopRequested(sessionID) {
			o.think(sessionID, events.NodeSupervisor, "Agent is gracefully stopping - please wait...",
				map[string]any{"status": "stopping"})
			finalAnswer = o.earlyStopSummary(ctx, sessionID, messages)
			stopped = true
			break
		}
		if turn >= o.budgets.MaxSupervisorTurns {
			o.think(sessionID, events.NodeSupervisor, "Generating comprehensive summary of completed tasks...", nil)
			finalAnswer = o.finalSummary(ctx, messages)
			break
		}

		resp, err := o.provider.Converse(ctx, llm.Request{
			System:   supervisorPrompt,
			Messages: messages,
			Tools:    []llm.Tool{agentExecutorTool},
		})
		if err != nil {
			return nil, fmt.Errorf("supervisor turn %d: %w", turn, err)
		}

		switch resp.StopReason {
		case llm.StopToolUse:
			assistant := conversation.Message{Role: conversation.RoleAssistant, Timestamp: time.Now().UTC()}
			if resp.Text != "" {
				assistant.Content = append(assistant.Content, conversation.NewTextBlock(resp.Text))
				o.think(sessionID, events.NodeSupervisor, resp.Text, nil)
			}
			for _, call := range resp.ToolCalls {
				assistant.Content = append(assistant.Content, conversation.ContentBlock{
					ToolUse: &conversation.ToolUseBlock{ToolUseID: call.ID, Name: call.Name, Input: call.Input},
				})
			}
			messages = append(messages, assistant)

			results := conversation.Message{Role: conversation.RoleUser, Timestamp: time.Now().UTC()}
			for _, call := range resp.ToolCalls {
				mission, _ := call.Input["mission"].(string)
				taskContext, _ := call.Input["task_context"].(string)

				answer, missionStopped := o.runMission(ctx, sessionID, mission, taskContext)
				results.Content = append(results.Content, conversation.ContentBlock{
					ToolResult: &conversation.ToolResultBlock{
						ToolUseID: call.ID,
						Result:    map[string]any{"result": answer},
					},
				})
				if missionStopped {
					stopped = true
				}
			}
			messages = append(messages, results)

			if stopped {
				finalAnswer = o.earlyStopSummary(ctx, sessionID, messages)
			}

		case llm.StopEndTurn:
			finalAnswer = resp.Text

		default: // max_tokens, stop_sequence, content_filtered
			o.think(sessionID, events.NodeSupervisor,
				fmt.Sprintf("Conversation ended with stop reason: %s", resp.StopReason), nil)
			if resp.Text != "" {
				finalAnswer = resp.Text
			} else {
				finalAnswer = o.finalSummary(ctx, messages)
			}
		}

		if finalAnswer != "" || stopped {
			break
		}
	}

	if finalAnswer == "" {
		finalAnswer = "I wasn't able to complete the task, but the browser session is still available if you'd like to continue."
	}

	url, title := o.browserSnapshot(ctx, sessionID)
	return &Result{
		Status:    StatusSuccess,
		Answer:    finalAnswer,
		URL:       url,
		PageTitle: title,
		Stopped:   stopped,
	}, nil
}

// runMission drives the worker tools for one supervisor mission. The stop
// flag is honored between model round trips.
func (o *AgentOrchestrator) runMission(ctx context.Context, sessionID, mission, taskContext string) (string, bool) {
	conn, err := o.registry.GetOrCreateWorker(ctx, sessionID)
	if err != nil {
		return fmt.Sprintf("Mission failed: the browser worker is unavailable (%v)", err), false
	}

	tools := o.missionTools(conn)
	o.think(sessionID, events.NodeAgent, fmt.Sprintf("Starting mission: %s", mission), nil)

	prompt := mission
	if taskContext != "" {
		prompt = fmt.Sprintf("%s\n\nContext from previous work: %s", mission, taskContext)
	}
	if url, title := o.browserSnapshot(ctx, sessionID); url != "" {
		prompt += fmt.Sprintf("\n\n[Current browser context] URL: %s | Page title: %s", url, title)
	}

	messages := []conversation.Message{{
		Role:      conversation.RoleUser,
		Content:   []conversation.ContentBlock{conversation.NewTextBlock(prompt)},
		Timestamp: time.Now().UTC(),
	}}

	for turn := 0; turn < o.budgets.MaxAgentTurns; turn++ {
		if o.registry.IsStopRequested(sessionID) {
			return o.missionStopSummary(messages), true
		}

		resp, err := o.provider.Converse(ctx, llm.Request{
			System:   agentPrompt,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return fmt.Sprintf("Mission interrupted by a model error: %v", err), false
		}

		if resp.StopReason != llm.StopToolUse {
			if resp.Text != "" {
				return resp.Text, false
			}
			return "The mission ended without a report.", false
		}

		assistant := conversation.Message{Role: conversation.RoleAssistant, Timestamp: time.Now().UTC()}
		if resp.Text != "" {
			assistant.Content = append(assistant.Content, conversation.NewTextBlock(resp.Text))
			o.think(sessionID, events.NodeAgent, resp.Text, nil)
		}
		for _, call := range resp.ToolCalls {
			assistant.Content = append(assistant.Content, conversation.ContentBlock{
				ToolUse: &conversation.ToolUseBlock{ToolUseID: call.ID, Name: call.Name, Input: call.Input},
			})
		}
		messages = append(messages, assistant)

		results := conversation.Message{Role: conversation.RoleUser, Timestamp: time.Now().UTC()}
		var screenshot string
		for _, call := range resp.ToolCalls {
			o.think(sessionID, events.NodeAgent, fmt.Sprintf("Using %s", call.Name),
				map[string]any{"tool": call.Name, "input": call.Input})

			result, callErr := conn.CallTool(ctx, call.Name, call.Input)
			isError := false
			if callErr != nil {
				result = map[string]any{"status": StatusError, "message": callErr.Error()}
				isError = true
			}
			// Screenshots travel as image blocks, not JSON payload.
			if shot, _ := result["screenshot"].(string); shot != "" {
				screenshot = shot
				delete(result, "screenshot")
			}
			results.Content = append(results.Content, conversation.ContentBlock{
				ToolResult: &conversation.ToolResultBlock{
					ToolUseID: call.ID,
					Result:    result,
					IsError:   isError,
				},
			})
		}
		if screenshot != "" {
			results.Content = append(results.Content, conversation.NewImageBlock(screenshot))
		}
		messages = append(messages, results)
	}

	// Turn budget spent: ask for a closing report without tools.
	messages = append(messages, conversation.Message{
		Role:      conversation.RoleUser,
		Content:   []conversation.ContentBlock{conversation.NewTextBlock(summaryPrompt)},
		Timestamp: time.Now().UTC(),
	})
	resp, err := o.provider.Converse(ctx, llm.Request{System: agentPrompt, Messages: o.conv.PrepareForModel(messages)})
	if err != nil || resp.Text == "" {
		return "The mission used its step budget before finishing. The browser is left at its last state.", false
	}
	return resp.Text, false
}

func (o *AgentOrchestrator) missionTools(conn *browser.Connection) []llm.Tool {
	available := make(map[string]bool)
	for _, name := range conn.Tools() {
		available[name] = true
	}
	var tools []llm.Tool
	for name, schema := range missionToolSchemas {
		if available[name] && !missionExcludedTools[name] {
			tools = append(tools, schema)
		}
	}
	return tools
}

// enhanceLatestUserTurn adds the date and live browser context to the last
// user message so the supervisor plans against reality.
func (o *AgentOrchestrator) enhanceLatestUserTurn(ctx context.Context, messages []conversation.Message, userMessage, sessionID string) []conversation.Message {
	if len(messages) == 0 {
		messages = []conversation.Message{{
			Role:      conversation.RoleUser,
			Content:   []conversation.ContentBlock{conversation.NewTextBlock(userMessage)},
			Timestamp: time.Now().UTC(),
		}}
	}
	last := &messages[len(messages)-1]
	if last.Role != conversation.RoleUser {
		return messages
	}
	note := fmt.Sprintf("\n[Today's date: %s]", time.Now().UTC().Format("Monday, January 2, 2006"))
	if url, title := o.browserSnapshot(ctx, sessionID); url != "" {
		note += fmt.Sprintf("\n[Current browser context] URL: %s | Page title: %s", url, title)
	}
	last.Content = append(last.Content, conversation.NewTextBlock(note))
	return messages
}

// earlyStopSummary produces a best-effort answer when the user pressed stop.
func (o *AgentOrchestrator) earlyStopSummary(ctx context.Context, sessionID string, messages []conversation.Message) string {
	summaryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	prompt := conversation.Message{
		Role: conversation.RoleUser,
		Content: []conversation.ContentBlock{conversation.NewTextBlock(
			"The user requested to stop. Briefly summarize what was accomplished so far and where the browser was left.")},
		Timestamp: time.Now().UTC(),
	}
	resp, err := o.provider.Converse(summaryCtx, llm.Request{
		System:   supervisorPrompt,
		Messages: o.conv.PrepareForModel(append(messages, prompt)),
	})
	if err != nil || resp.Text == "" {
		return "Task stopped at your request. The browser session remains available."
	}
	return resp.Text
}

// finalSummary produces the closing answer when the supervisor budget runs out.
func (o *AgentOrchestrator) finalSummary(ctx context.Context, messages []conversation.Message) string {
	prompt := conversation.Message{
		Role:      conversation.RoleUser,
		Content:   []conversation.ContentBlock{conversation.NewTextBlock(summaryPrompt)},
		Timestamp: time.Now().UTC(),
	}
	resp, err := o.provider.Converse(ctx, llm.Request{
		System:   supervisorPrompt,
		Messages: o.conv.PrepareForModel(append(messages, prompt)),
	})
	if err != nil || resp.Text == "" {
		return "I've reached the turn limit for this task. The work completed so far is reflected in the browser session."
	}
	return resp.Text
}

// missionStopSummary extracts the last assistant narration as the partial
// report when a mission is stopped mid-flight.
func (o *AgentOrchestrator) missionStopSummary(messages []conversation.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == conversation.RoleAssistant {
			if text := messages[i].TextContent(); text != "" {
				return fmt.Sprintf("Stopped at your request. Progress so far: %s", text)
			}
		}
	}
	return "Stopped at your request before the mission reported progress."
}
