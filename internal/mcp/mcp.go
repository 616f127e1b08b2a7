// Package mcp provides the pwbridge MCP server, registering the run,
// inspect and capture tools and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/deixis/pwbridge"
	"github.com/deixis/pwbridge/internal/config"
	"github.com/deixis/pwbridge/internal/report"
	"github.com/deixis/pwbridge/internal/runner"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	runner *runner.Runner
	store  report.Store
	logger *slog.Logger

	mu          sync.Mutex
	cfg         *config.Config
	projectRoot string
}

// NewServer creates an MCP server with all pwbridge tools registered.
// projectRoot is the directory Playwright runs in until the client reports
// a root of its own.
func NewServer(cfg *config.Config, r *runner.Runner, store report.Store, projectRoot string, opts ...ServerOption) *mcp.Server {
	so := serverOptions{logger: slog.Default()}
	for _, o := range opts {
		o(&so)
	}
	h := &handler{
		runner:      r,
		store:       store,
		logger:      so.logger,
		cfg:         cfg,
		projectRoot: projectRoot,
	}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateProjectFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "pwbridge", Version: pwbridge.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "pw_run",
		Description: `Run Playwright tests and report the outcome.

Runs "playwright test" in the project root with the line reporter. Reports pass or fail from the
exit status, the PW_BRIDGE::SUCCESS_URL token if a test printed one, and the failed tests.
Output is stored for drill-down via pw_inspect.`,
	}, h.runHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "pw_inspect",
		Description: `Drill into a stored pw_run or pw_capture result.

For runs, returns output lines from stdout, stderr or both, optionally filtered by a regular
expression. For captures, returns one line per captured exchange.`,
	}, h.inspectHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "pw_capture",
		Description: `Capture network responses from a running Chrome over the DevTools protocol.

Attaches to the first page of the browser at devtools_url, optionally navigates, and waits until a
response whose URL contains url_contains arrives (and whose body contains needle, if given).
Results are stored for drill-down via pw_inspect.`,
	}, h.captureHandler)

	return s
}

// ServerOption configures the pwbridge MCP server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger *slog.Logger
}

// WithLogger sets the logger used by tool handlers.
func WithLogger(l *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = l
	}
}

// updateProjectFromRoots queries the client for MCP roots and reloads the
// configuration from the first file root. It runs during session
// initialization, before any tool calls.
func (h *handler) updateProjectFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil || len(roots.Roots) == 0 {
		return
	}
	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}
	loaded, err := config.Load(u.Path)
	if err != nil {
		h.logger.Warn("ignoring client root", "root", u.Path, "error", err)
		return
	}

	h.mu.Lock()
	h.cfg = loaded.Config
	h.projectRoot = loaded.ProjectRoot
	h.mu.Unlock()
	h.logger.Info("project root updated", "root", loaded.ProjectRoot)
}

func (h *handler) project() (*config.Config, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg, h.projectRoot
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
