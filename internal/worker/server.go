package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// automation is the browser surface the tool handlers drive. *Controller
// implements it; tests substitute a fake.
type automation interface {
	Initialize(headless bool, url string) (*PageInfo, error)
	Navigate(url string) (*PageInfo, error)
	Act(instruction string, maxSteps int) (*ActReport, error)
	Extract(description, schemaType, customSchema string) (map[string]any, error)
	Screenshot(maxWidth, quality int) (string, error)
	Restart(headless bool, url string) (*PageInfo, error)
	Info() (*PageInfo, error)
	Headless() bool
	Close() error
}

// Server exposes one browser controller as MCP tools.
type Server struct {
	ctrl    automation
	version string
}

// NewServer wraps a controller for the stdio transport.
func NewServer(ctrl *Controller, version string) *Server {
	return &Server{ctrl: ctrl, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("surfdeck-worker", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.initializeBrowserTool())
	srv.AddTool(s.navigateTool())
	srv.AddTool(s.actTool())
	srv.AddTool(s.extractDataTool())
	srv.AddTool(s.takeScreenshotTool())
	srv.AddTool(s.restartBrowserTool())
	srv.AddTool(s.closeBrowserTool())
	srv.AddTool(s.getBrowserInfoTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// Results travel as one JSON text block: {"status": ..., "message": ...} plus
// whatever page state applies. Operational failures stay in-band so the
// caller sees the last known URL alongside the error.

func (s *Server) initializeBrowserTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("initialize_browser",
		mcp.WithDescription("Start the browser and open a URL. Must be called before any other browser tool."),
		mcp.WithBoolean("headless", mcp.Description("Run without a visible window (default true)")),
		mcp.WithString("url", mcp.Description("URL to open after launch")),
	)
	return tool, s.handleInitializeBrowser
}

func (s *Server) handleInitializeBrowser(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	headless := request.GetBool("headless", true)
	url := request.GetString("url", "")

	info, err := s.ctrl.Initialize(headless, url)
	if err != nil {
		return errorResult(info, fmt.Sprintf("failed to initialize browser: %v", err)), nil
	}
	return okResult(info, "Browser initialized", nil), nil
}

func (s *Server) navigateTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("navigate",
		mcp.WithDescription("Navigate the browser to a URL and report the resulting page."),
		mcp.WithString("url", mcp.Required(), mcp.Description("The URL to open")),
	)
	return tool, s.handleNavigate
}

func (s *Server) handleNavigate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	url, err := request.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: url"), nil
	}

	info, err := s.ctrl.Navigate(url)
	if err != nil {
		return errorResult(info, fmt.Sprintf("navigation failed: %v", err)), nil
	}
	extra := map[string]any{}
	if shot, err := s.ctrl.Screenshot(800, 70); err == nil {
		extra["screenshot"] = shot
	}
	return okResult(info, fmt.Sprintf("Navigated to %s", info.URL), extra), nil
}

func (s *Server) actTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("act",
		mcp.WithDescription("Execute a natural language browser action on visible elements, e.g. 'click the Sign In button' or 'type go into the search box, then press Enter'."),
		mcp.WithString("instruction", mcp.Required(), mcp.Description("What to do, described precisely")),
		mcp.WithNumber("max_steps", mcp.Description("Maximum number of steps to execute (default 3)")),
	)
	return tool, s.handleAct
}

func (s *Server) handleAct(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instruction, err := request.RequireString("instruction")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: instruction"), nil
	}
	maxSteps := request.GetInt("max_steps", 3)

	report, err := s.ctrl.Act(instruction, maxSteps)
	info, _ := s.ctrl.Info()
	if err != nil {
		msg := fmt.Sprintf("action failed: %v", err)
		if report != nil && report.StepsRun > 0 {
			msg = fmt.Sprintf("action failed after %d step(s): %v", report.StepsRun, err)
		}
		return errorResult(info, msg), nil
	}

	extra := map[string]any{"steps_run": report.StepsRun}
	if shot, shotErr := s.ctrl.Screenshot(800, 70); shotErr == nil {
		extra["screenshot"] = shot
	}
	if !report.Completed {
		extra["remaining_steps"] = report.Remaining
		return statusResult("in_progress", info, report.Message, extra), nil
	}
	return okResult(info, report.Message, extra), nil
}

func (s *Server) extractDataTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("extract_data",
		mcp.WithDescription("Extract structured data from the current page using a named schema."),
		mcp.WithString("description", mcp.Required(), mcp.Description("What to extract")),
		mcp.WithString("schema_type", mcp.Description("One of: custom, product, search_result, form, navigation, bool (default custom)")),
		mcp.WithString("custom_schema", mcp.Description("JSON schema hint for custom extractions")),
	)
	return tool, s.handleExtractData
}

func (s *Server) handleExtractData(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	description, err := request.RequireString("description")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: description"), nil
	}
	schemaType := request.GetString("schema_type", SchemaCustom)
	customSchema := request.GetString("custom_schema", "")

	data, err := s.ctrl.Extract(description, schemaType, customSchema)
	info, _ := s.ctrl.Info()
	if err != nil {
		return errorResult(info, fmt.Sprintf("extraction failed: %v", err)), nil
	}
	return okResult(info, "Extraction complete", map[string]any{"data": data}), nil
}

func (s *Server) takeScreenshotTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("take_screenshot",
		mcp.WithDescription("Capture the current viewport as a base64 JPEG."),
		mcp.WithNumber("max_width", mcp.Description("Cap the viewport width in pixels (default 800)")),
		mcp.WithNumber("quality", mcp.Description("JPEG quality 1-100 (default 70)")),
	)
	return tool, s.handleTakeScreenshot
}

func (s *Server) handleTakeScreenshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxWidth := request.GetInt("max_width", 800)
	quality := request.GetInt("quality", 70)

	shot, err := s.ctrl.Screenshot(maxWidth, quality)
	info, _ := s.ctrl.Info()
	if err != nil {
		return errorResult(info, fmt.Sprintf("screenshot failed: %v", err)), nil
	}
	return okResult(info, "Screenshot captured", map[string]any{"screenshot": shot}), nil
}

func (s *Server) restartBrowserTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("restart_browser",
		mcp.WithDescription("Close the current browser and start a fresh one, optionally reopening a URL."),
		mcp.WithBoolean("headless", mcp.Description("Run without a visible window (default: keep current mode)")),
		mcp.WithString("url", mcp.Description("URL to open after restart")),
	)
	return tool, s.handleRestartBrowser
}

func (s *Server) handleRestartBrowser(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	headless := request.GetBool("headless", s.ctrl.Headless())
	url := request.GetString("url", "")

	info, err := s.ctrl.Restart(headless, url)
	if err != nil {
		return errorResult(info, fmt.Sprintf("restart failed: %v", err)), nil
	}
	return okResult(info, "Browser restarted", nil), nil
}

func (s *Server) closeBrowserTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("close_browser",
		mcp.WithDescription("Close the browser and release its resources."),
	)
	return tool, s.handleCloseBrowser
}

func (s *Server) handleCloseBrowser(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.ctrl.Close(); err != nil {
		return errorResult(nil, fmt.Sprintf("close failed: %v", err)), nil
	}
	return okResult(nil, "Browser closed", nil), nil
}

func (s *Server) getBrowserInfoTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("get_browser_info",
		mcp.WithDescription("Report the current URL and page title."),
	)
	return tool, s.handleGetBrowserInfo
}

func (s *Server) handleGetBrowserInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := s.ctrl.Info()
	if err != nil {
		return errorResult(nil, fmt.Sprintf("browser info unavailable: %v", err)), nil
	}
	return okResult(info, "", map[string]any{"headless": s.ctrl.Headless()}), nil
}

// ---------------------------------------------------------------------------
// Result helpers
// ---------------------------------------------------------------------------

func okResult(info *PageInfo, message string, extra map[string]any) *mcp.CallToolResult {
	return statusResult("success", info, message, extra)
}

func errorResult(info *PageInfo, message string) *mcp.CallToolResult {
	return statusResult("error", info, message, nil)
}

func statusResult(status string, info *PageInfo, message string, extra map[string]any) *mcp.CallToolResult {
	payload := map[string]any{"status": status}
	if message != "" {
		payload["message"] = message
	}
	if info != nil {
		payload["current_url"] = info.URL
		payload["page_title"] = info.Title
	}
	for k, v := range extra {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}
