package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ratchet-hq/ratchet/internal/store"
	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// handleRun starts a workflow execution on demand.
func (s *RatchetServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	actor := req.GetString("actor", "mcp")
	vars := mcp.ParseStringMap(req, "vars", nil)

	sub, runErr := s.matcher.RunWorkflow(ctx, workflowID, actor, vars)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	return marshalResult(sub)
}

// handleSubmitEvent feeds a domain event through trigger matching.
func (s *RatchetServer) handleSubmitEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}

	ev := schema.DomainEvent{
		Type: eventType,
		Entity: schema.EntityRef{
			Type: req.GetString("entity_type", ""),
			ID:   req.GetString("entity_id", ""),
		},
		Payload:       mcp.ParseStringMap(req, "payload", nil),
		Actor:         req.GetString("actor", ""),
		SourceEventID: req.GetString("source_event_id", ""),
		OccurredAt:    time.Now().UTC(),
	}

	submissions, subErr := s.matcher.SubmitEvent(ctx, &ev)
	if subErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", subErr)), nil
	}
	return marshalResult(map[string]any{"submissions": submissions})
}

// handleStatus returns an execution's state plus its audit trail.
func (s *RatchetServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, getErr := s.store.GetExecution(ctx, executionID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}
	results, resErr := s.store.ListActionResults(ctx, executionID)
	if resErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", resErr)), nil
	}

	return marshalResult(map[string]any{
		"execution": exec,
		"history":   results,
	})
}

// handleQuery lists workflows or executions based on filters.
func (s *RatchetServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflow":
		return s.queryWorkflow(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleCancel requests cancellation of an execution.
func (s *RatchetServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.store.RequestCancel(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"execution_id":     executionID,
		"cancel_requested": true,
	})
}

// --- Query helpers ---

func (s *RatchetServer) queryWorkflow(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflowID, ok := filter["workflow_id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("workflow query requires 'workflow_id' in filter"), nil
	}

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	plan, err := s.store.GetPlan(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflow": wf, "actions": plan.Actions})
}

func (s *RatchetServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

// --- Internal helpers ---

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
