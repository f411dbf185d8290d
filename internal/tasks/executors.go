package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/surfdeck/surfdeck/internal/browser"
	"github.com/surfdeck/surfdeck/internal/events"
	"github.com/surfdeck/surfdeck/internal/models"
)

// Result is the outcome of one executed task.
type Result struct {
	Status     string         `json:"status"`
	Answer     string         `json:"answer"`
	URL        string         `json:"url,omitempty"`
	PageTitle  string         `json:"pageTitle,omitempty"`
	Screenshot string         `json:"screenshot,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Stopped    bool           `json:"stopped,omitempty"`
}

const (
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusInProgress = "in_progress"
)

// baseExecutor holds what every executor needs: a worker, state access, and
// the thought stream.
type baseExecutor struct {
	registry *browser.Registry
	state    *browser.StateManager
	broker   *events.Broker
	logger   *slog.Logger
}

func newBaseExecutor(registry *browser.Registry, state *browser.StateManager, broker *events.Broker, logger *slog.Logger) baseExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return baseExecutor{registry: registry, state: state, broker: broker, logger: logger}
}

func (b *baseExecutor) think(sessionID, node, content string, details map[string]any) {
	if b.broker == nil {
		return
	}
	b.broker.Publish(events.Thought{
		SessionID:        sessionID,
		Type:             events.TypeThought,
		Node:             node,
		Content:          content,
		TechnicalDetails: details,
	})
}

// browserSnapshot returns whatever state is observable for the session,
// preferring a live worker probe over the cached record.
func (b *baseExecutor) browserSnapshot(ctx context.Context, sessionID string) (url, title string) {
	if conn := b.registry.Get(sessionID); conn != nil {
		if info, err := conn.BrowserInfo(ctx); err == nil {
			url, _ = info["current_url"].(string)
			title, _ = info["page_title"].(string)
			return url, title
		}
	}
	if state := b.state.Get(sessionID); state != nil {
		return state.CurrentURL, state.PageTitle
	}
	return "", ""
}

func (b *baseExecutor) updateState(sessionID string, result map[string]any, status models.BrowserStatus) {
	change := models.BrowserStateChange{Status: &status}
	if url, _ := result["current_url"].(string); url != "" {
		change.CurrentURL = &url
	}
	if title, _ := result["page_title"].(string); title != "" {
		change.PageTitle = &title
	}
	if _, err := b.state.Update(sessionID, change); err != nil {
		b.logger.Warn("state update failed", "session_id", sessionID, "error", err)
	}
}

// NavigationExecutor performs one navigate call.
type NavigationExecutor struct {
	baseExecutor
}

// NewNavigationExecutor creates a navigation executor.
func NewNavigationExecutor(registry *browser.Registry, state *browser.StateManager, broker *events.Broker, logger *slog.Logger) *NavigationExecutor {
	return &NavigationExecutor{newBaseExecutor(registry, state, broker, logger)}
}

// Execute navigates the session's browser to the URL.
func (e *NavigationExecutor) Execute(ctx context.Context, sessionID, url string) (*Result, error) {
	if url == "" {
		url = defaultNavigateURL
	}

	conn, err := e.registry.GetOrCreateWorker(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("navigation executor: %w", err)
	}

	e.think(sessionID, events.NodeExecutor, fmt.Sprintf("Navigating to %s", url), nil)

	navigating := models.BrowserStatusNavigating
	if _, err := e.state.Update(sessionID, models.BrowserStateChange{Status: &navigating}); err != nil {
		e.logger.Warn("state update failed", "session_id", sessionID, "error", err)
	}

	result, err := conn.CallTool(ctx, browser.ToolNavigate, map[string]any{"url": url})
	if err != nil {
		e.updateState(sessionID, nil, models.BrowserStatusError)
		return nil, fmt.Errorf("navigate to %s: %w", url, err)
	}

	e.updateState(sessionID, result, models.BrowserStatusInitialized)

	status, _ := result["status"].(string)
	currentURL, _ := result["current_url"].(string)
	title, _ := result["page_title"].(string)
	screenshot, _ := result["screenshot"].(string)

	answer := fmt.Sprintf("I've navigated to %s", url)
	if title != "" {
		answer = fmt.Sprintf("I've navigated to %s (%s)", url, title)
	}
	if status == StatusError {
		msg, _ := result["message"].(string)
		answer = fmt.Sprintf("I couldn't open %s: %s", url, msg)
	}

	return &Result{
		Status:     nonEmptyStatus(status),
		Answer:     answer,
		URL:        currentURL,
		PageTitle:  title,
		Screenshot: screenshot,
	}, nil
}

// ActionExecutor performs one single-step act call.
type ActionExecutor struct {
	baseExecutor
	maxSteps int
}

// NewActionExecutor creates an action executor. maxSteps bounds the worker's
// internal step budget for one instruction.
func NewActionExecutor(registry *browser.Registry, state *browser.StateManager, broker *events.Broker, maxSteps int, logger *slog.Logger) *ActionExecutor {
	if maxSteps <= 0 {
		maxSteps = 3
	}
	return &ActionExecutor{baseExecutor: newBaseExecutor(registry, state, broker, logger), maxSteps: maxSteps}
}

// Execute runs one instruction against the session's browser. A worker-side
// step budget running out is reported as in_progress, not a failure.
func (e *ActionExecutor) Execute(ctx context.Context, sessionID, instruction string) (*Result, error) {
	conn, err := e.registry.GetOrCreateWorker(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("action executor: %w", err)
	}

	e.think(sessionID, events.NodeExecutor, fmt.Sprintf("Performing action: %s", instruction), nil)

	result, err := conn.CallTool(ctx, browser.ToolAct, map[string]any{
		"instruction": instruction,
		"max_steps":   e.maxSteps,
	})
	if err != nil {
		// The browser may still be usable; report what we can observe.
		url, title := e.browserSnapshot(ctx, sessionID)
		return &Result{
			Status:    StatusError,
			Answer:    fmt.Sprintf("The action failed: %v", err),
			URL:       url,
			PageTitle: title,
		}, nil
	}

	e.updateState(sessionID, result, models.BrowserStatusInitialized)

	status, _ := result["status"].(string)
	message, _ := result["message"].(string)
	currentURL, _ := result["current_url"].(string)
	title, _ := result["page_title"].(string)
	screenshot, _ := result["screenshot"].(string)

	answer := message
	if answer == "" {
		answer = fmt.Sprintf("I've performed the action: %s", instruction)
	}
	if status == StatusInProgress {
		answer = fmt.Sprintf("I made progress on \"%s\" but ran out of steps. %s", instruction, message)
	}

	return &Result{
		Status:     nonEmptyStatus(status),
		Answer:     answer,
		URL:        currentURL,
		PageTitle:  title,
		Screenshot: screenshot,
		Data:       result,
	}, nil
}

func nonEmptyStatus(status string) string {
	if status == "" {
		return StatusSuccess
	}
	return status
}
