package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuchs-ai/conduit/internal/diag"
	"github.com/fuchs-ai/conduit/internal/engine"
	"github.com/fuchs-ai/conduit/internal/store"
	"github.com/fuchs-ai/conduit/pkg/schema"
)

// --- Test fixtures ---

type fixture struct {
	server   *ConduitServer
	registry *engine.Registry
	recorder *store.RunRecorder
}

// newFixture wires a real executor and registry; withDB adds a temp libsql
// recorder.
func newFixture(t *testing.T, withDB bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := engine.NewRegistry()
	greet := reg.RegisterStep("greet", func(_ context.Context, ec *engine.Context) (map[string]any, error) {
		name, _ := ec.Data["name"].(string)
		if name == "" {
			name = "world"
		}
		return map[string]any{"greeting": "hello " + name}, nil
	})
	fail := reg.RegisterStep("fail", func(_ context.Context, _ *engine.Context) (map[string]any, error) {
		return nil, schema.NewError(schema.ErrCodeStepExecution, "always fails")
	})
	reg.RegisterWorkflow("greeting", []engine.Entry{engine.Step(greet)})
	reg.RegisterWorkflow("doomed", []engine.Entry{engine.Step(fail)})

	var recorder *store.RunRecorder
	sink := diag.Sink(diag.NewSlogSink(logger))
	if withDB {
		var err error
		recorder, err = store.Open("file:" + filepath.Join(t.TempDir(), "mcp-test.db"))
		require.NoError(t, err)
		require.NoError(t, recorder.Migrate(context.Background()))
		t.Cleanup(func() { _ = recorder.Close() })
		sink = diag.MultiSink{diag.NewSlogSink(logger), recorder}
	}

	ex := engine.New(reg, engine.Config{PoolSize: 2, Sink: sink, Logger: logger})
	t.Cleanup(ex.Shutdown)

	srv := NewConduitServer(ConduitServerDeps{
		Executor: ex,
		Registry: reg,
		Recorder: recorder,
		Logger:   logger,
	})
	return &fixture{server: srv, registry: reg, recorder: recorder}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

// --- Tests ---

func TestRunTool_ExecutesWorkflow(t *testing.T) {
	f := newFixture(t, false)

	req := buildRequest("conduit.run", map[string]any{
		"workflow_id": "greeting",
		"input":       map[string]any{"name": "dev"},
	})
	result, err := f.server.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var run engine.RunResult
	unmarshalResult(t, result, &run)
	assert.Equal(t, "greeting", run.WorkflowID)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "hello dev", run.Output["greeting"])
	assert.NotEmpty(t, run.RunID)
}

func TestRunTool_AbortedRunIsStillAResult(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.server.handleRun(context.Background(),
		buildRequest("conduit.run", map[string]any{"workflow_id": "doomed"}))
	require.NoError(t, err)
	require.False(t, result.IsError, "an aborted run is a report, not a tool error")

	var run engine.RunResult
	unmarshalResult(t, result, &run)
	assert.Equal(t, schema.RunStatusAborted, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, schema.ErrCodeWorkflowAborted, run.Error.Code)
}

func TestRunTool_MissingWorkflowID(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.server.handleRun(context.Background(),
		buildRequest("conduit.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunTool_UnknownWorkflowReportsCode(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.server.handleRun(context.Background(),
		buildRequest("conduit.run", map[string]any{"workflow_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeWorkflowNotFound)
}

func TestRunTool_PersistsRunWhenRecorderConfigured(t *testing.T) {
	f := newFixture(t, true)

	result, err := f.server.handleRun(context.Background(),
		buildRequest("conduit.run", map[string]any{"workflow_id": "greeting"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var run engine.RunResult
	unmarshalResult(t, result, &run)

	stored, err := f.recorder.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "greeting", stored.WorkflowID)
	assert.Equal(t, schema.RunStatusCompleted, stored.Status)
}

func TestWorkflowsTool_ListsRegisteredIDs(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.server.handleWorkflows(context.Background(),
		buildRequest("conduit.workflows", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload struct {
		Workflows []string `json:"workflows"`
	}
	unmarshalResult(t, result, &payload)
	assert.Equal(t, []string{"doomed", "greeting"}, payload.Workflows)
}

func TestRunsTool_RequiresRecorder(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.server.handleRuns(context.Background(),
		buildRequest("conduit.runs", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "disabled")
}

func TestRunsTool_FiltersByStatus(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	for _, wf := range []string{"greeting", "doomed"} {
		_, err := f.server.handleRun(ctx,
			buildRequest("conduit.run", map[string]any{"workflow_id": wf}))
		require.NoError(t, err)
	}

	result, err := f.server.handleRuns(ctx,
		buildRequest("conduit.runs", map[string]any{"status": "aborted"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload struct {
		Runs []store.RunRow `json:"runs"`
	}
	unmarshalResult(t, result, &payload)
	require.Len(t, payload.Runs, 1)
	assert.Equal(t, "doomed", payload.Runs[0].WorkflowID)
}

func TestFailuresTool_ListsAbortDiagnostics(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.server.handleRun(ctx,
		buildRequest("conduit.run", map[string]any{"workflow_id": "doomed"}))
	require.NoError(t, err)

	result, err := f.server.handleFailures(ctx,
		buildRequest("conduit.failures", map[string]any{"workflow_id": "doomed"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var payload struct {
		Failures []diag.Record `json:"failures"`
	}
	unmarshalResult(t, result, &payload)
	require.Len(t, payload.Failures, 1)
	assert.Equal(t, "fail", payload.Failures[0].StepID)
	assert.Equal(t, "always fails", payload.Failures[0].Error)
}

func TestFailuresTool_RequiresWorkflowID(t *testing.T) {
	f := newFixture(t, true)

	result, err := f.server.handleFailures(context.Background(),
		buildRequest("conduit.failures", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
