package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/secrets"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/internal/validation"
)

// TriggerScheduler registers cron triggers. Satisfied by *scheduler.Scheduler.
type TriggerScheduler interface {
	Schedule(ctx context.Context, workflowID, cronExpr string, triggerData map[string]any, userID string) (*store.ScheduledTrigger, error)
}

// ServerDeps holds the dependencies for creating an AutoflowServer.
// Scheduler may be nil, in which case autoflow.schedule reports it as disabled.
// Events, when set, is forwarded to clients as progress notifications.
// Vault may be nil, in which case autoflow.secrets reports it as disabled.
type ServerDeps struct {
	Executor  engine.Executor
	Store     store.Store
	Validator validation.Validator
	Scheduler TriggerScheduler
	Events    streaming.Hub
	Vault     secrets.Vault
	Logger    *slog.Logger
	Version   string
}

// AutoflowServer wraps an MCP server with the autoflow tool handlers.
type AutoflowServer struct {
	executor  engine.Executor
	store     store.Store
	validator validation.Validator
	scheduler TriggerScheduler
	events    streaming.Hub
	vault     secrets.Vault
	logger    *slog.Logger
	mcpServer *server.MCPServer
	notify    func(method string, params map[string]any)
}

// NewAutoflowServer creates a new AutoflowServer with every tool registered.
func NewAutoflowServer(deps ServerDeps) *AutoflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &AutoflowServer{
		executor:  deps.Executor,
		store:     deps.Store,
		validator: deps.Validator,
		scheduler: deps.Scheduler,
		events:    deps.Events,
		vault:     deps.Vault,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"autoflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Autoflow runs declarative email/webhook/condition workflows. Register a definition with autoflow.define, run it with autoflow.execute "+
			"(or autoflow.test for a sandboxed dry run), inspect results with autoflow.get, autoflow.executions and autoflow.diagram, attach cron triggers with autoflow.schedule, and manage {{secrets.KEY}} values with autoflow.secrets."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notify = mcpSrv.SendNotificationToAllClients
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AutoflowServer) Serve(ctx context.Context) error {
	stop, err := s.forwardProgress(ctx)
	if err != nil {
		return err
	}
	defer stop()

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AutoflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *AutoflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: testTool(), Handler: s.handleTest},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
		{Tool: executionsTool(), Handler: s.handleExecutions},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: secretsTool(), Handler: s.handleSecrets},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("autoflow.execute",
		mcp.WithDescription("Execute a stored workflow with trigger data"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition to run")),
		mcp.WithObject("trigger_data", mcp.Description("Data available to {{token}} interpolation and conditions")),
		mcp.WithString("user_id", mcp.Description("ID of the user on whose behalf the workflow runs")),
	)
}

func testTool() mcp.Tool {
	return mcp.NewTool("autoflow.test",
		mcp.WithDescription("Dry-run a workflow against sandbox transports"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition to test")),
		mcp.WithObject("sample_data", mcp.Description("Sample trigger data")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("autoflow.define",
		mcp.WithDescription("Validate and store a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (id, name, steps, variables, triggerSchema)")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("autoflow.get",
		mcp.WithDescription("Get a workflow definition or an execution record"),
		mcp.WithString("workflow_id", mcp.Description("Workflow definition ID")),
		mcp.WithString("execution_id", mcp.Description("Execution ID (takes precedence over workflow_id)")),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("autoflow.workflows",
		mcp.WithDescription("List stored workflow definitions"),
		mcp.WithString("name_prefix", mcp.Description("Only workflows whose name starts with this prefix")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 50)")),
	)
}

func executionsTool() mcp.Tool {
	return mcp.NewTool("autoflow.executions",
		mcp.WithDescription("List execution summaries, newest first"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, user_id, status, test_run, since, limit)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("autoflow.schedule",
		mcp.WithDescription("Run a workflow on a cron schedule"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition to run")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression or descriptor such as @hourly")),
		mcp.WithObject("trigger_data", mcp.Description("Trigger data passed to every run")),
		mcp.WithString("user_id", mcp.Description("User ID recorded on every run")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("autoflow.diagram",
		mcp.WithDescription("Render a workflow as ASCII, Mermaid or a base64 PNG, optionally with an execution's step outcomes"),
		mcp.WithString("workflow_id", mcp.Description("Workflow definition ID")),
		mcp.WithString("execution_id", mcp.Description("Execution whose step results are overlaid")),
		mcp.WithString("format", mcp.Description("ascii (default), mermaid or image"), mcp.Enum("ascii", "mermaid", "image")),
	)
}

func secretsTool() mcp.Tool {
	return mcp.NewTool("autoflow.secrets",
		mcp.WithDescription("Store, delete or list vault secrets referenced as {{secrets.KEY}}. Values are never returned"),
		mcp.WithString("action", mcp.Required(), mcp.Description("set, delete or list"), mcp.Enum("set", "delete", "list")),
		mcp.WithString("key", mcp.Description("Secret key (letters, digits, '_' or '-')")),
		mcp.WithString("value", mcp.Description("Secret value, required for set")),
	)
}
