package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/surfdeck/surfdeck/internal/browser"
	"github.com/surfdeck/surfdeck/internal/conversation"
	"github.com/surfdeck/surfdeck/internal/events"
)

// Supervisor wires classification and execution into one request pipeline.
// Every request ends with exactly one answer event on the thought stream.
type Supervisor struct {
	classifier   *Classifier
	navigation   *NavigationExecutor
	action       *ActionExecutor
	orchestrator *AgentOrchestrator
	conv         *conversation.Manager
	registry     *browser.Registry
	broker       *events.Broker
	logger       *slog.Logger
}

// NewSupervisor creates the request pipeline.
func NewSupervisor(
	classifier *Classifier,
	navigation *NavigationExecutor,
	action *ActionExecutor,
	orchestrator *AgentOrchestrator,
	conv *conversation.Manager,
	registry *browser.Registry,
	broker *events.Broker,
	logger *slog.Logger,
) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		classifier:   classifier,
		navigation:   navigation,
		action:       action,
		orchestrator: orchestrator,
		conv:         conv,
		registry:     registry,
		broker:       broker,
		logger:       logger,
	}
}

// ProcessRequest runs one user message through classify and execute. Failures
// degrade into an apologetic answer; the error is carried in the technical
// details, never surfaced as a dropped request.
func (s *Supervisor) ProcessRequest(ctx context.Context, userMessage, sessionID string) (*Result, error) {
	// A new request invalidates any stale stop flag.
	s.registry.ClearStop(sessionID)
	defer s.broker.Complete(sessionID)

	if err := s.conv.AddUserMessage(ctx, sessionID, userMessage, ""); err != nil {
		s.logger.Warn("record user message failed", "session_id", sessionID, "error", err)
	}

	history, err := s.conv.History(ctx, sessionID, 0)
	if err != nil {
		s.logger.Warn("load history failed", "session_id", sessionID, "error", err)
	}

	s.think(sessionID, events.NodeClassifier, "Analyzing your request...", nil)
	classification := s.classifier.Classify(ctx, userMessage, sessionID, history)
	s.think(sessionID, events.NodeClassifier,
		fmt.Sprintf("I'll handle this as a %s task.", classification.Type),
		map[string]any{"type": string(classification.Type), "details": classification.Details})

	var result *Result
	switch classification.Type {
	case TaskConversation:
		result = s.converse(ctx, sessionID, classification)
	case TaskNavigate:
		result = s.runTool(ctx, sessionID, browser.ToolNavigate,
			map[string]any{"url": classification.Details},
			func() (*Result, error) { return s.navigation.Execute(ctx, sessionID, classification.Details) })
	case TaskAct:
		result = s.runTool(ctx, sessionID, browser.ToolAct,
			map[string]any{"instruction": classification.UserMessage},
			func() (*Result, error) { return s.action.Execute(ctx, sessionID, classification.UserMessage) })
	default: // agent, and anything unrecognized
		result = s.agent(ctx, sessionID, classification, history)
	}

	s.answer(sessionID, result)
	return result, nil
}

func (s *Supervisor) converse(ctx context.Context, sessionID string, c Classification) *Result {
	answer := c.Answer
	if answer == "" {
		answer = "I'm not sure how to respond to that."
	}
	if err := s.conv.AddAssistantMessage(ctx, sessionID, answer); err != nil {
		s.logger.Warn("record assistant message failed", "session_id", sessionID, "error", err)
	}
	return &Result{Status: StatusSuccess, Answer: answer}
}

// runTool executes a single-call task, recording the toolUse/toolResult pair
// and the closing assistant turn around it.
func (s *Supervisor) runTool(ctx context.Context, sessionID, toolName string, input map[string]any, run func() (*Result, error)) *Result {
	toolUseID, err := s.conv.AddToolUsage(ctx, sessionID, toolName, input)
	if err != nil {
		s.logger.Warn("record tool usage failed", "session_id", sessionID, "error", err)
	}

	result, runErr := run()
	if runErr != nil {
		s.logger.Error("task execution failed", "session_id", sessionID, "tool", toolName, "error", runErr)
		result = &Result{
			Status: StatusError,
			Answer: "I ran into a problem with the browser while handling that. Please try again.",
			Data:   map[string]any{"error": runErr.Error()},
		}
	}

	if toolUseID != "" {
		payload := map[string]any{"status": result.Status, "answer": result.Answer}
		if result.URL != "" {
			payload["current_url"] = result.URL
		}
		if result.PageTitle != "" {
			payload["page_title"] = result.PageTitle
		}
		if err := s.conv.AddToolResult(ctx, sessionID, toolUseID, payload, result.Status == StatusError, result.Screenshot); err != nil {
			s.logger.Warn("record tool result failed", "session_id", sessionID, "error", err)
		}
	}
	if err := s.conv.AddAssistantMessage(ctx, sessionID, result.Answer); err != nil {
		s.logger.Warn("record assistant message failed", "session_id", sessionID, "error", err)
	}
	return result
}

func (s *Supervisor) agent(ctx context.Context, sessionID string, c Classification, history []conversation.Message) *Result {
	result, err := s.orchestrator.Execute(ctx, c.UserMessage, sessionID, history)
	if err != nil {
		s.logger.Error("agent execution failed", "session_id", sessionID, "error", err)
		result = &Result{
			Status: StatusError,
			Answer: "I couldn't finish the task because the browser agent hit a problem. The session is still open if you'd like to retry.",
			Data:   map[string]any{"error": err.Error()},
		}
	}
	if err := s.conv.AddAssistantMessage(ctx, sessionID, result.Answer); err != nil {
		s.logger.Warn("record assistant message failed", "session_id", sessionID, "error", err)
	}
	return result
}

func (s *Supervisor) think(sessionID, node, content string, details map[string]any) {
	s.broker.Publish(events.Thought{
		SessionID:        sessionID,
		Type:             events.TypeThought,
		Node:             node,
		Content:          content,
		TechnicalDetails: details,
	})
}

func (s *Supervisor) answer(sessionID string, result *Result) {
	thoughtType := events.TypeAnswer
	if result.Status == StatusError {
		thoughtType = events.TypeError
	}
	s.broker.Publish(events.Thought{
		SessionID:        sessionID,
		Type:             thoughtType,
		Node:             events.NodeSupervisor,
		Content:          result.Answer,
		TechnicalDetails: map[string]any{"status": result.Status, "url": result.URL},
	})
}
