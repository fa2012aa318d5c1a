package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ratchet-hq/ratchet/internal/engine"
	"github.com/ratchet-hq/ratchet/internal/store"
)

// RatchetServerDeps holds the dependencies for creating a RatchetServer.
type RatchetServerDeps struct {
	Matcher *engine.Matcher
	Store   store.Store
	Logger  *slog.Logger
}

// RatchetServer wraps an MCP server exposing the automation engine's
// operational surface: start runs, inspect executions, submit events and
// cancel runs.
type RatchetServer struct {
	matcher   *engine.Matcher
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewRatchetServer creates a RatchetServer with all tools registered.
func NewRatchetServer(deps RatchetServerDeps) *RatchetServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &RatchetServer{
		matcher: deps.Matcher,
		store:   deps.Store,
		logger:  logger,
	}

	mcpSrv := server.NewMCPServer(
		"ratchet",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Ratchet is a workflow automation engine. Use ratchet.run to start a workflow, ratchet.submit_event to feed a domain event through trigger matching, ratchet.status to inspect an execution and its step history, ratchet.query to list workflows or executions, and ratchet.cancel to request cancellation of a run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RatchetServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RatchetServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *RatchetServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: submitEventTool(), Handler: s.handleSubmitEvent},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("ratchet.run",
		mcp.WithDescription("Start a workflow execution on demand"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("actor", mcp.Description("Who requested the run")),
		mcp.WithObject("vars", mcp.Description("Extra variables merged over the workflow constants")),
	)
}

func submitEventTool() mcp.Tool {
	return mcp.NewTool("ratchet.submit_event",
		mcp.WithDescription("Submit a domain event for trigger matching"),
		mcp.WithString("type", mcp.Required(), mcp.Description("Event type, e.g. ticket.created")),
		mcp.WithString("entity_type", mcp.Description("Type of the entity the event concerns")),
		mcp.WithString("entity_id", mcp.Description("ID of the entity the event concerns")),
		mcp.WithObject("payload", mcp.Description("Event payload fields")),
		mcp.WithString("source_event_id", mcp.Description("Upstream event ID used for deduplication")),
		mcp.WithString("actor", mcp.Description("Who caused the event")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("ratchet.status",
		mcp.WithDescription("Get an execution's state and step-by-step history"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("ratchet.query",
		mcp.WithDescription("List workflows or executions"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflow", "executions"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, since, limit)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("ratchet.cancel",
		mcp.WithDescription("Request cancellation of an execution. Waiting executions cancel immediately; running ones stop before their next step."),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}
