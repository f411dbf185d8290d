// Package api exposes the REST and SSE surface of the backend.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/surfdeck/surfdeck/internal/browser"
	"github.com/surfdeck/surfdeck/internal/events"
	"github.com/surfdeck/surfdeck/internal/models"
	"github.com/surfdeck/surfdeck/internal/sessions"
	"github.com/surfdeck/surfdeck/internal/tasks"
)

// pingInterval keeps idle SSE connections alive through proxies.
const pingInterval = 15 * time.Second

// ChatProcessor runs one user message through the task pipeline.
type ChatProcessor interface {
	ProcessRequest(ctx context.Context, userMessage, sessionID string) (*tasks.Result, error)
}

// Server provides the REST API handlers.
type Server struct {
	sessions  *sessions.Manager
	registry  *browser.Registry
	state     *browser.StateManager
	broker    *events.Broker
	processor ChatProcessor
	logger    *slog.Logger
}

// NewServer creates a new API server.
func NewServer(sm *sessions.Manager, registry *browser.Registry, state *browser.StateManager, broker *events.Broker, processor ChatProcessor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions:  sm,
		registry:  registry,
		state:     state,
		broker:    broker,
		processor: processor,
		logger:    logger,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/chat", s.chat)
	mux.HandleFunc("GET /api/v1/stream/{id}", s.stream)

	mux.HandleFunc("POST /api/v1/agent/{id}/stop", s.stopAgent)

	mux.HandleFunc("GET /api/v1/browser/{id}/status", s.browserStatus)
	mux.HandleFunc("POST /api/v1/browser/{id}/close", s.closeBrowser)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.terminateSession)

	mux.HandleFunc("GET /api/v1/health", s.health)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Chat ---

// ChatRequest is the JSON body for POST /api/v1/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// ChatResponse is the JSON response for a processed chat message.
type ChatResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Answer    string `json:"answer"`
	URL       string `json:"url,omitempty"`
	PageTitle string `json:"page_title,omitempty"`
	Stopped   bool   `json:"stopped,omitempty"`
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	// An empty session_id starts a new session; a stale one is recreated.
	session, err := s.sessions.GetOrCreate(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := s.processor.ProcessRequest(r.Context(), req.Message, session.ID)
	if err != nil {
		s.logger.Error("chat processing failed", "session_id", session.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{
		SessionID: session.ID,
		Status:    result.Status,
		Answer:    result.Answer,
		URL:       result.URL,
		PageTitle: result.PageTitle,
		Stopped:   result.Stopped,
	})
}

// --- Thought stream ---

// stream bridges the session's thought feed onto an SSE connection. Thoughts
// queued before the client connected are flushed first.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.broker.Subscribe(sessionID)
	defer sub.Close()

	writeSSE(w, "connected", map[string]any{"sessionId": sessionID})
	flusher.Flush()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			writeSSE(w, "ping", map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)})
			flusher.Flush()
		case thought, open := <-sub.C():
			if !open {
				return
			}
			writeSSE(w, thought.Type, thought)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// --- Agent control ---

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.sessions.Validate(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	s.registry.RequestStop(sessionID)
	s.broker.Publish(events.Thought{
		SessionID: sessionID,
		Type:      events.TypeThought,
		Node:      events.NodeSupervisor,
		Content:   "Stop requested - the agent will wrap up shortly.",
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"status":     "stopping",
	})
}

// --- Browser ---

// BrowserStatusResponse is the JSON shape of one session's browser state.
type BrowserStatusResponse struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	CurrentURL   string `json:"current_url,omitempty"`
	PageTitle    string `json:"page_title,omitempty"`
	Headless     bool   `json:"headless"`
	ErrorMessage string `json:"error_message,omitempty"`
	LastUpdated  string `json:"last_updated"`
}

func (s *Server) browserStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	state := s.state.Get(sessionID)
	if state == nil {
		writeJSON(w, http.StatusOK, BrowserStatusResponse{
			SessionID: sessionID,
			Status:    string(models.BrowserStatusUninitialized),
		})
		return
	}
	writeJSON(w, http.StatusOK, BrowserStatusResponse{
		SessionID:    sessionID,
		Status:       string(state.Status),
		CurrentURL:   state.CurrentURL,
		PageTitle:    state.PageTitle,
		Headless:     state.Headless,
		ErrorMessage: state.ErrorMessage,
		LastUpdated:  state.LastUpdated.UTC().Format(time.RFC3339),
	})
}

func (s *Server) closeBrowser(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.registry.Close(r.Context(), sessionID); err != nil {
		s.logger.Warn("browser close failed", "session_id", sessionID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"status":     "closed",
	})
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	active, err := s.sessions.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if active == nil {
		active = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": active,
		"count":    len(active),
	})
}

// terminateSession is idempotent, like Manager.Terminate: deleting an unknown
// session succeeds.
func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.sessions.Terminate(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.broker.Forget(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// --- Health ---

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	active, err := s.sessions.ListActive(r.Context())
	status := "ok"
	if err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"active_sessions": len(active),
		"active_workers":  s.registry.ActiveCount(),
	})
}
