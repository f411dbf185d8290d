package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/surfdeck/surfdeck/internal/browser"
	"github.com/surfdeck/surfdeck/internal/conversation"
	"github.com/surfdeck/surfdeck/internal/events"
	"github.com/surfdeck/surfdeck/internal/llm"
	"github.com/surfdeck/surfdeck/internal/models"
)

// scriptedProvider pops canned responses keyed by system prompt. The last
// response in a queue repeats once the queue is exhausted; an empty queue
// answers with a bare end_turn.
type scriptedProvider struct {
	mu       sync.Mutex
	script   map[string][]llm.Response
	errs     map[string]error
	requests []llm.Request
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		script: make(map[string][]llm.Response),
		errs:   make(map[string]error),
	}
}

func (p *scriptedProvider) on(system string, responses ...llm.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script[system] = responses
}

func (p *scriptedProvider) failOn(system string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[system] = err
}

func (p *scriptedProvider) Converse(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	if err := p.errs[req.System]; err != nil {
		return nil, err
	}
	queue := p.script[req.System]
	if len(queue) == 0 {
		return &llm.Response{StopReason: llm.StopEndTurn}, nil
	}
	resp := queue[0]
	if len(queue) > 1 {
		p.script[req.System] = queue[1:]
	}
	return &resp, nil
}

func (p *scriptedProvider) Model() string { return "scripted" }

func (p *scriptedProvider) callsFor(system string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, req := range p.requests {
		if req.System == system {
			n++
		}
	}
	return n
}

func (p *scriptedProvider) lastRequestFor(system string) (llm.Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.requests) - 1; i >= 0; i-- {
		if p.requests[i].System == system {
			return p.requests[i], true
		}
	}
	return llm.Request{}, false
}

func textResponse(text string) llm.Response {
	return llm.Response{Text: text, StopReason: llm.StopEndTurn}
}

func toolResponse(id, name string, input map[string]any) llm.Response {
	return llm.Response{
		ToolCalls:  []llm.ToolCall{{ID: id, Name: name, Input: input}},
		StopReason: llm.StopToolUse,
	}
}

// workerRPC scripts the per-session automation server. Tool replies can be
// overridden per tool name; onCall observes every invocation.
type workerRPC struct {
	mu      sync.Mutex
	url     string
	replies map[string]map[string]any
	errs    map[string]error
	calls   []string
	onCall  func(name string, args map[string]any)
}

func newWorkerRPC() *workerRPC {
	return &workerRPC{
		url:     "https://www.google.com",
		replies: make(map[string]map[string]any),
		errs:    make(map[string]error),
	}
}

func (w *workerRPC) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)

	w.mu.Lock()
	w.calls = append(w.calls, req.Params.Name)
	hook := w.onCall
	reply := w.replies[req.Params.Name]
	err := w.errs[req.Params.Name]
	url := w.url
	w.mu.Unlock()

	if hook != nil {
		hook(req.Params.Name, args)
	}
	if err != nil {
		return nil, err
	}
	if reply != nil {
		return workerResult(reply), nil
	}

	switch req.Params.Name {
	case browser.ToolInitializeBrowser, browser.ToolNavigate:
		if target, _ := args["url"].(string); target != "" {
			w.mu.Lock()
			w.url = target
			url = target
			w.mu.Unlock()
		}
		return workerResult(map[string]any{"status": "success", "current_url": url, "page_title": "Example Domain"}), nil
	case browser.ToolGetBrowserInfo:
		return workerResult(map[string]any{"status": "success", "current_url": url, "page_title": "Example Domain"}), nil
	default:
		return workerResult(map[string]any{"status": "success", "current_url": url}), nil
	}
}

func (w *workerRPC) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: []mcp.Tool{
		{Name: browser.ToolNavigate}, {Name: browser.ToolAct}, {Name: browser.ToolExtractData},
		{Name: browser.ToolGetBrowserInfo}, {Name: browser.ToolTakeScreenshot},
		{Name: browser.ToolCloseBrowser},
	}}, nil
}

func (w *workerRPC) Close() error { return nil }

func (w *workerRPC) callNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.calls))
	copy(out, w.calls)
	return out
}

func (w *workerRPC) callCount(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.calls {
		if c == name {
			n++
		}
	}
	return n
}

func workerResult(v map[string]any) *mcp.CallToolResult {
	data, _ := json.Marshal(v)
	return mcp.NewToolResultText(string(data))
}

// workerDialer hands out one shared scripted worker.
type workerDialer struct {
	rpc     *workerRPC
	failing bool
}

func (d *workerDialer) Dial(ctx context.Context, sessionID string) (browser.RPC, error) {
	if d.failing {
		return nil, errors.New("spawn failed")
	}
	return d.rpc, nil
}

// acceptingSessions validates every session ID.
type acceptingSessions struct {
	mu        sync.Mutex
	invalid   map[string]bool
	resources map[string][]string
}

func newAcceptingSessions() *acceptingSessions {
	return &acceptingSessions{invalid: make(map[string]bool), resources: make(map[string][]string)}
}

func (s *acceptingSessions) Validate(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid[id] {
		return nil, errors.New("session not found or expired")
	}
	return &models.Session{ID: id, State: models.SessionStateActive}, nil
}

func (s *acceptingSessions) AddResource(ctx context.Context, sessionID, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[sessionID] = append(s.resources[sessionID], resourceID)
	return nil
}

func (s *acceptingSessions) RemoveResource(ctx context.Context, sessionID, resourceID string) error {
	return nil
}

// testEnv wires a full pipeline over fakes.
type testEnv struct {
	provider *scriptedProvider
	rpc      *workerRPC
	sessions *acceptingSessions
	state    *browser.StateManager
	registry *browser.Registry
	broker   *events.Broker
	conv     *conversation.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.Default()
	rpc := newWorkerRPC()
	env := &testEnv{
		provider: newScriptedProvider(),
		rpc:      rpc,
		sessions: newAcceptingSessions(),
		state:    browser.NewStateManager(logger),
		broker:   events.NewBroker(logger),
		conv:     conversation.NewManager(conversation.NewMemoryStore(time.Hour), logger),
	}
	env.registry = browser.NewRegistry(env.sessions, env.state, &workerDialer{rpc: rpc}, env.broker, browser.Options{
		Headless:     true,
		ProbeTimeout: 200 * time.Millisecond,
		URLTimeout:   200 * time.Millisecond,
		CloseTimeout: time.Second,
	}, logger)
	return env
}

func (e *testEnv) orchestrator(budgets Budgets) *AgentOrchestrator {
	return NewAgentOrchestrator(e.provider, e.conv, e.registry, e.state, e.broker, budgets, slog.Default())
}

func (e *testEnv) supervisor() *Supervisor {
	return NewSupervisor(
		NewClassifier(e.provider, e.conv, e.state, slog.Default()),
		NewNavigationExecutor(e.registry, e.state, e.broker, slog.Default()),
		NewActionExecutor(e.registry, e.state, e.broker, 3, slog.Default()),
		e.orchestrator(Budgets{}),
		e.conv, e.registry, e.broker, slog.Default(),
	)
}

// drainThoughts collects whatever the broker queued for a session so far.
func drainThoughts(broker *events.Broker, sessionID string) []events.Thought {
	sub := broker.Subscribe(sessionID)
	defer sub.Close()
	var out []events.Thought
	for {
		select {
		case t := <-sub.C():
			out = append(out, t)
		default:
			return out
		}
	}
}
