package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/runs"
	"github.com/rendis/nodeflow/internal/secrets"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/validation"
)

// ServerDeps holds the dependencies for creating a NodeflowServer.
// When Runs is set it is shared as is and the remaining fields other than
// Logger are ignored; otherwise a run manager is built from them.
type ServerDeps struct {
	Runs           *runs.Manager
	Pool           *engine.RunPool
	Registry       *nodes.Registry
	Validator      *validation.GraphValidator
	Store          store.Store
	Vault          secrets.Vault
	Hub            streaming.Hub
	Breakers       *engine.CircuitBreakerRegistry
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// NodeflowServer exposes workflow runs as MCP tools.
type NodeflowServer struct {
	runs   *runs.Manager
	logger *slog.Logger

	sessions  *SessionRegistry
	notifier  RunNotifier
	mcpServer *server.MCPServer
}

// NewNodeflowServer creates a server with every tool registered.
func NewNodeflowServer(deps ServerDeps) *NodeflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	manager := deps.Runs
	if manager == nil {
		manager = runs.NewManager(runs.Deps{
			Pool:           deps.Pool,
			Registry:       deps.Registry,
			Validator:      deps.Validator,
			Store:          deps.Store,
			Vault:          deps.Vault,
			Hub:            deps.Hub,
			Breakers:       deps.Breakers,
			DefaultTimeout: deps.DefaultTimeout,
			Logger:         logger,
		})
	}

	s := &NodeflowServer{
		runs:     manager,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"nodeflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("nodeflow executes node/edge workflow graphs. Use nodeflow.validate to check a graph, nodeflow.run to start it, nodeflow.status to inspect a run, nodeflow.control to pause, resume, step or stop it, nodeflow.variable to promote a node output field to a variable, and nodeflow.handlers to list node types."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *NodeflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler serves the tools over the streamable HTTP transport.
func (s *NodeflowServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *NodeflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Runs returns the run manager behind the tools.
func (s *NodeflowServer) Runs() *runs.Manager {
	return s.runs
}

// Shutdown stops every active run and waits for it to finish.
func (s *NodeflowServer) Shutdown() {
	s.runs.Shutdown()
}

func (s *NodeflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: variableTool(), Handler: s.handleVariable},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: handlersTool(), Handler: s.handleHandlers},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("nodeflow.run",
		mcp.WithDescription("Validate and execute a workflow graph"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Workflow graph: {nodes: [...], edges: [...]}")),
		mcp.WithString("workflow_id", mcp.Description("Workflow identifier (default: graph id or 'adhoc')")),
		mcp.WithObject("trigger_data", mcp.Description("Data emitted by the manual trigger")),
		mcp.WithString("mode",
			mcp.Enum("full", "step"),
			mcp.Description("full runs to completion; step runs the first node and pauses"),
		),
		mcp.WithBoolean("wait", mcp.Description("Wait for a full run to finish (default true)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("nodeflow.status",
		mcp.WithDescription("Get the state of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to inspect")),
		mcp.WithBoolean("include_events", mcp.Description("Include the persisted event log")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("nodeflow.control",
		mcp.WithDescription("Pause, resume, step or stop an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Target execution")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("pause", "resume", "step", "stop"),
			mcp.Description("Control action"),
		),
	)
}

func variableTool() mcp.Tool {
	return mcp.NewTool("nodeflow.variable",
		mcp.WithDescription("Promote a field of a completed node's output to a named variable"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Target execution")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node whose output holds the value")),
		mcp.WithString("path", mcp.Description("Dot/bracket path into the node output (empty for the whole output)")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Variable name, referenced as $vars.<name>")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("nodeflow.validate",
		mcp.WithDescription("Validate a workflow graph without running it"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Workflow graph: {nodes: [...], edges: [...]}")),
	)
}

func handlersTool() mcp.Tool {
	return mcp.NewTool("nodeflow.handlers",
		mcp.WithDescription("List the registered node types"),
	)
}
