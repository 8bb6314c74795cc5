package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/autoflow/internal/diagram"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// handleExecute runs a stored workflow and returns the ExecutionResult.
func (s *AutoflowServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	triggerData := mcp.ParseStringMap(req, "trigger_data", nil)
	userID := req.GetString("user_id", "")

	res, runErr := s.executor.ExecuteWorkflow(ctx, workflowID, triggerData, userID)
	if runErr != nil {
		return executionError(res, runErr), nil
	}
	return marshalResult(res)
}

// handleTest runs a workflow against the sandbox transports.
func (s *AutoflowServer) handleTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	sample := mcp.ParseStringMap(req, "sample_data", nil)

	res, runErr := s.executor.TestWorkflow(ctx, workflowID, sample)
	if runErr != nil {
		return executionError(res, runErr), nil
	}
	return marshalResult(res)
}

// handleDefine validates a definition and upserts it into the store.
func (s *AutoflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	def, decodeErr := decodeDefinition(defRaw)
	if decodeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", decodeErr)), nil
	}
	if def.ID == "" {
		return mcp.NewToolResultError("definition.id is required"), nil
	}

	if s.validator != nil {
		if valErr := s.validator.ValidateDefinition(def); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", valErr)), nil
		}
	}

	if storeErr := s.store.SaveWorkflow(ctx, def); storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow: %v", storeErr)), nil
	}
	s.logger.InfoContext(ctx, "workflow defined",
		"workflow_id", def.ID,
		"steps", len(def.Steps))

	return marshalResult(map[string]any{
		"id":    def.ID,
		"name":  def.Name,
		"steps": len(def.Steps),
	})
}

// handleGet returns an execution record when execution_id is given, otherwise
// the workflow definition.
func (s *AutoflowServer) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		res, err := s.store.GetExecution(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
		}
		return marshalResult(res)
	}

	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		return mcp.NewToolResultError("one of workflow_id or execution_id is required"), nil
	}
	def, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
	}
	return marshalResult(def)
}

func (s *AutoflowServer) handleWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.WorkflowFilter{
		NamePrefix: req.GetString("name_prefix", ""),
		Limit:      extractInt(req.GetArguments(), "limit", 50),
	}
	workflows, err := s.store.ListWorkflows(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	// Definitions can be large; autoflow.get returns them individually.
	for _, w := range workflows {
		w.Definition = nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *AutoflowServer) handleExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := mcp.ParseStringMap(req, "filter", nil)

	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if userID, ok := filter["user_id"].(string); ok {
		ef.UserID = userID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		switch st := schema.ExecutionStatus(status); st {
		case schema.ExecutionSucceeded, schema.ExecutionPartial, schema.ExecutionFailed:
			ef.Status = st
		default:
			return mcp.NewToolResultError(fmt.Sprintf("unknown status %q", status)), nil
		}
	}
	if testRun, ok := filter["test_run"].(bool); ok {
		ef.TestRun = &testRun
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
		}
		ef.Since = &t
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *AutoflowServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is disabled"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}

	if _, lookupErr := s.store.GetWorkflow(ctx, workflowID); lookupErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", lookupErr)), nil
	}

	trigger, schedErr := s.scheduler.Schedule(ctx, workflowID, cronExpr,
		mcp.ParseStringMap(req, "trigger_data", nil), req.GetString("user_id", ""))
	if schedErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("schedule failed: %v", schedErr)), nil
	}
	return marshalResult(trigger)
}

// handleDiagram renders a workflow definition. With execution_id the recorded
// step outcomes are overlaid and workflow_id defaults to the execution's.
func (s *AutoflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", "ascii")
	switch format {
	case "ascii", "mermaid", "image":
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unsupported format %q (use ascii, mermaid or image)", format)), nil
	}

	workflowID := req.GetString("workflow_id", "")
	var res *schema.ExecutionResult
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		var err error
		if res, err = s.store.GetExecution(ctx, executionID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
		}
		if workflowID == "" {
			workflowID = res.WorkflowID
		}
	}
	if workflowID == "" {
		return mcp.NewToolResultError("one of workflow_id or execution_id is required"), nil
	}

	def, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
	}
	model, err := diagram.Build(def, res)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
}

// handleSecrets manages vault entries. Secret values are write-only.
func (s *AutoflowServer) handleSecrets(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.vault == nil {
		return mcp.NewToolResultError("secret vault is disabled (set AUTOFLOW_VAULT_KEY)"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	if action == "list" {
		keys, listErr := s.vault.List(ctx)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list secrets failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"keys": keys})
	}

	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	switch action {
	case "set":
		value, valErr := req.RequireString("value")
		if valErr != nil {
			return mcp.NewToolResultError("value is required"), nil
		}
		if storeErr := s.vault.Store(ctx, key, []byte(value)); storeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("store secret failed: %v", storeErr)), nil
		}
		s.logger.InfoContext(ctx, "secret stored", "key", key)
	case "delete":
		if delErr := s.vault.Delete(ctx, key); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("delete secret failed: %v", delErr)), nil
		}
		s.logger.InfoContext(ctx, "secret deleted", "key", key)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action %q (use set, delete or list)", action)), nil
	}
	return marshalResult(map[string]any{"key": key, "action": action})
}

// --- Internal helpers ---

// decodeDefinition round-trips the tool argument through JSON to get a typed
// WorkflowDefinition.
func decodeDefinition(raw map[string]any) (*schema.WorkflowDefinition, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// executionError reports a failed execution, keeping its id when one was assigned.
func executionError(res *schema.ExecutionResult, err error) *mcp.CallToolResult {
	if res != nil && res.ExecutionID != "" {
		return mcp.NewToolResultError(fmt.Sprintf("execution %s failed: %v", res.ExecutionID, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("execution failed: %v", err))
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
