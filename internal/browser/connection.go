package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Worker tool names exposed by the per-session automation server.
const (
	ToolInitializeBrowser = "initialize_browser"
	ToolNavigate          = "navigate"
	ToolAct               = "act"
	ToolExtractData       = "extract_data"
	ToolTakeScreenshot    = "take_screenshot"
	ToolRestartBrowser    = "restart_browser"
	ToolCloseBrowser      = "close_browser"
	ToolGetBrowserInfo    = "get_browser_info"
)

// RPC is the subset of the MCP client a connection needs. The stdio client
// from mcp-go satisfies it.
type RPC interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	Close() error
}

// Dialer spawns and initializes one worker for a session.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (RPC, error)
}

// StdioDialer launches the worker as a child process speaking MCP over stdio.
type StdioDialer struct {
	Command string
	Args    []string
	Env     []string
	Version string
}

// Dial spawns the worker process and completes the MCP handshake.
func (d *StdioDialer) Dial(ctx context.Context, sessionID string) (RPC, error) {
	env := append([]string{"SURFDECK_SESSION_ID=" + sessionID}, d.Env...)
	c, err := client.NewStdioMCPClient(d.Command, env, d.Args...)
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "surfdeck",
		Version: d.Version,
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize worker: %w", err)
	}
	return c, nil
}

// Connection owns one worker process for one session. All tool calls are
// serialized: the automation stack on the worker side is single-threaded.
type Connection struct {
	sessionID string
	rpc       RPC
	logger    *slog.Logger

	mu     sync.Mutex
	tools  []string
	closed bool
}

// Connect dials the worker and lists its tools.
func Connect(ctx context.Context, dialer Dialer, sessionID string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rpc, err := dialer.Dial(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("connect worker for session %s: %w", sessionID, err)
	}

	conn := &Connection{sessionID: sessionID, rpc: rpc, logger: logger}

	toolList, err := rpc.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = rpc.Close()
		return nil, fmt.Errorf("list worker tools for session %s: %w", sessionID, err)
	}
	for _, t := range toolList.Tools {
		conn.tools = append(conn.tools, t.Name)
	}
	logger.Info("worker connected", "session_id", sessionID, "tools", len(conn.tools))
	return conn, nil
}

// SessionID returns the owning session.
func (c *Connection) SessionID() string { return c.sessionID }

// Tools returns the tool names the worker advertised.
func (c *Connection) Tools() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.tools))
	copy(out, c.tools)
	return out
}

// CallTool invokes one worker tool and parses its JSON reply. Calls for the
// same session never overlap.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("worker connection for session %s is closed", c.sessionID)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.rpc.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s for session %s: %w", name, c.sessionID, err)
	}
	parsed := parseToolResult(result)
	if result.IsError {
		if parsed["status"] == nil {
			parsed["status"] = "error"
		}
	}
	return parsed, nil
}

// parseToolResult decodes the first text content block as JSON, falling back
// to wrapping the raw text.
func parseToolResult(result *mcp.CallToolResult) map[string]any {
	for _, content := range result.Content {
		text, ok := content.(mcp.TextContent)
		if !ok {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(text.Text), &parsed); err == nil {
			return parsed
		}
		return map[string]any{"status": "unknown", "message": text.Text}
	}
	return map[string]any{"status": "unknown", "message": ""}
}

// InitializeBrowser starts the worker's browser.
func (c *Connection) InitializeBrowser(ctx context.Context, headless bool, url string) (map[string]any, error) {
	return c.CallTool(ctx, ToolInitializeBrowser, map[string]any{
		"headless": headless,
		"url":      url,
	})
}

// BrowserInfo probes the worker's current URL and title.
func (c *Connection) BrowserInfo(ctx context.Context) (map[string]any, error) {
	return c.CallTool(ctx, ToolGetBrowserInfo, map[string]any{})
}

// Restart restarts the worker's browser. When preserveURL is set and no url
// is given, the current URL is captured first and reused.
func (c *Connection) Restart(ctx context.Context, headless bool, url string, preserveURL bool) (map[string]any, error) {
	if preserveURL && url == "" {
		if info, err := c.BrowserInfo(ctx); err == nil {
			if current, _ := info["current_url"].(string); current != "" && current != "about:blank" {
				url = current
			}
		}
	}
	return c.CallTool(ctx, ToolRestartBrowser, map[string]any{
		"headless": headless,
		"url":      url,
	})
}

// Close shuts the browser down best-effort, then tears down the transport.
// It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := mcp.CallToolRequest{}
	req.Params.Name = ToolCloseBrowser
	req.Params.Arguments = map[string]any{}
	if _, err := c.rpc.CallTool(ctx, req); err != nil {
		c.logger.Warn("close browser call failed", "session_id", c.sessionID, "error", err)
	}

	if err := c.rpc.Close(); err != nil {
		return fmt.Errorf("close worker transport for session %s: %w", c.sessionID, err)
	}
	return nil
}
