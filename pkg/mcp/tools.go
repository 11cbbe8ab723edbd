package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fuchs-ai/conduit/internal/store"
	"github.com/fuchs-ai/conduit/pkg/schema"
)

// handleRun executes a registered workflow and returns the full run report.
func (s *ConduitServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	extra := mcp.ParseStringMap(req, "extra", nil)

	result, runErr := s.executor.Run(ctx, workflowID, input, extra)
	if runErr != nil {
		return toolError(runErr), nil
	}

	if s.recorder != nil {
		if recErr := s.recorder.RecordRun(ctx, result); recErr != nil {
			s.logger.Warn("failed to persist run",
				slog.String("run_id", result.RunID),
				slog.String("error", recErr.Error()))
		}
	}

	return marshalResult(result)
}

// handleWorkflows lists the registered workflow ids.
func (s *ConduitServer) handleWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"workflows": s.registry.Workflows()})
}

// handleRuns lists persisted runs.
func (s *ConduitServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.recorder == nil {
		return mcp.NewToolResultError("run history is disabled: no database configured"), nil
	}

	filter := store.RunFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Status:     schema.RunStatus(req.GetString("status", "")),
		Limit:      req.GetInt("limit", 50),
	}

	runs, err := s.recorder.ListRuns(ctx, filter)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleFailures lists abort diagnostics for a workflow.
func (s *ConduitServer) handleFailures(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.recorder == nil {
		return mcp.NewToolResultError("run history is disabled: no database configured"), nil
	}

	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	limit := req.GetInt("limit", 50)

	failures, listErr := s.recorder.ListFailures(ctx, workflowID, limit)
	if listErr != nil {
		return toolError(listErr), nil
	}
	return marshalResult(map[string]any{"failures": failures})
}

// --- Internal helpers ---

// toolError renders a conduit error with its code so agents can branch on it.
func toolError(err error) *mcp.CallToolResult {
	if code := schema.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", code, err.Error()))
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
