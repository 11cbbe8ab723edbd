package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fuchs-ai/conduit/internal/engine"
	"github.com/fuchs-ai/conduit/internal/store"
)

// ConduitServerDeps holds the dependencies for creating a ConduitServer.
type ConduitServerDeps struct {
	Executor *engine.Executor
	Registry *engine.Registry

	// Recorder is optional; without it the run-history tools report that
	// persistence is disabled.
	Recorder *store.RunRecorder

	Logger *slog.Logger
}

// ConduitServer wraps an MCP server with conduit-specific tool handlers.
type ConduitServer struct {
	executor  *engine.Executor
	registry  *engine.Registry
	recorder  *store.RunRecorder
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewConduitServer creates a new ConduitServer with all tools registered.
func NewConduitServer(deps ConduitServerDeps) *ConduitServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ConduitServer{
		executor: deps.Executor,
		registry: deps.Registry,
		recorder: deps.Recorder,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"conduit",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Conduit is a workflow orchestration engine. Use conduit.run to execute a registered workflow, conduit.workflows to list registered workflows, conduit.runs to browse run history, and conduit.failures to inspect abort diagnostics."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ConduitServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConduitServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ConduitServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: failuresTool(), Handler: s.handleFailures},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("conduit.run",
		mcp.WithDescription("Execute a registered workflow and return the run report"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the registered workflow to execute")),
		mcp.WithObject("input", mcp.Description("Initial input dataset for the run")),
		mcp.WithObject("extra", mcp.Description("Contextual fields made available to every step")),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("conduit.workflows",
		mcp.WithDescription("List the IDs of all registered workflows"),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("conduit.runs",
		mcp.WithDescription("Browse persisted run history, most recent first"),
		mcp.WithString("workflow_id", mcp.Description("Only runs of this workflow")),
		mcp.WithString("status", mcp.Enum("completed", "aborted", "cancelled"), mcp.Description("Only runs with this status")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs to return (default 50)")),
	)
}

func failuresTool() mcp.Tool {
	return mcp.NewTool("conduit.failures",
		mcp.WithDescription("List abort diagnostics for a workflow, most recent first"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow whose failures to list")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of records to return (default 50)")),
	)
}
