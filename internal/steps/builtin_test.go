package steps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuchs-ai/conduit/internal/engine"
	"github.com/fuchs-ai/conduit/internal/expressions"
	"github.com/fuchs-ai/conduit/pkg/schema"
)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewFactory(cel, expressions.NewExprEngine(), expressions.NewGoJQEngine())
}

func testContext(data map[string]any) *engine.Context {
	return &engine.Context{
		Data:            data,
		PreviousResults: map[string]map[string]any{},
		ParallelResults: map[string]map[string]map[string]any{},
		Extra:           map[string]any{},
	}
}

func TestBuild_UnknownType(t *testing.T) {
	f := newTestFactory(t)
	_, err := f.Build("teleport", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

// --- set ---

func TestSet_MergesLiteralOutput(t *testing.T) {
	f := newTestFactory(t)
	fn, err := f.Build("set", map[string]any{"output": map[string]any{"region": "eu-1"}})
	require.NoError(t, err)

	out, err := fn(context.Background(), testContext(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"region": "eu-1"}, out)
}

func TestSet_OutputIsClonedPerInvocation(t *testing.T) {
	f := newTestFactory(t)
	fn, err := f.Build("set", map[string]any{"output": map[string]any{"n": 1}})
	require.NoError(t, err)

	first, err := fn(context.Background(), testContext(map[string]any{}))
	require.NoError(t, err)
	first["n"] = 99

	second, err := fn(context.Background(), testContext(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, 1, second["n"])
}

func TestSet_RequiresOutput(t *testing.T) {
	f := newTestFactory(t)
	_, err := f.Build("set", map[string]any{})
	assert.Error(t, err)
}

// --- transform ---

func TestTransform_ProducesObjectFromScope(t *testing.T) {
	f := newTestFactory(t)
	fn, err := f.Build("transform", map[string]any{"jq": `{total: (.data.price * .data.qty)}`})
	require.NoError(t, err)

	out, err := fn(context.Background(), testContext(map[string]any{"price": 3, "qty": 4}))
	require.NoError(t, err)
	assert.EqualValues(t, 12, out["total"])
}

func TestTransform_NonObjectResultFails(t *testing.T) {
	f := newTestFactory(t)
	fn, err := f.Build("transform", map[string]any{"jq": `.data.price`})
	require.NoError(t, err)

	_, err = fn(context.Background(), testContext(map[string]any{"price": 3}))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
}

func TestTransform_RequiresExpression(t *testing.T) {
	f := newTestFactory(t)
	_, err := f.Build("transform", map[string]any{})
	assert.Error(t, err)
}

// --- assert ---

func TestAssert_PassesWhenExpressionHolds(t *testing.T) {
	f := newTestFactory(t)
	fn, err := f.Build("assert", map[string]any{"expression": `data.amount > 0`})
	require.NoError(t, err)

	out, err := fn(context.Background(), testContext(map[string]any{"amount": 5}))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestAssert_FailsWithConfiguredMessage(t *testing.T) {
	f := newTestFactory(t)
	fn, err := f.Build("assert", map[string]any{
		"expression": `data.amount > 0`,
		"message":    "amount must be positive",
	})
	require.NoError(t, err)

	_, err = fn(context.Background(), testContext(map[string]any{"amount": -1}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount must be positive")
}

func TestAssert_ExprLanguage(t *testing.T) {
	f := newTestFactory(t)
	fn, err := f.Build("assert", map[string]any{
		"expression": `data.ready == true`,
		"language":   "expr",
	})
	require.NoError(t, err)

	_, err = fn(context.Background(), testContext(map[string]any{"ready": true}))
	assert.NoError(t, err)
}

func TestAssert_NonBooleanResultFails(t *testing.T) {
	f := newTestFactory(t)
	fn, err := f.Build("assert", map[string]any{"expression": `data.amount`})
	require.NoError(t, err)

	_, err = fn(context.Background(), testContext(map[string]any{"amount": 5}))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
}

func TestAssert_UnknownLanguage(t *testing.T) {
	f := newTestFactory(t)
	_, err := f.Build("assert", map[string]any{"expression": `true`, "language": "lisp"})
	assert.Error(t, err)
}

// --- http.request ---

func TestRequest_GetParsesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "token-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "abc"}`))
	}))
	defer srv.Close()

	f := newTestFactory(t)
	fn, err := f.Build("http.request", map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"Authorization": "token-1"},
	})
	require.NoError(t, err)

	out, err := fn(context.Background(), testContext(map[string]any{}))
	require.NoError(t, err)

	resp, ok := out["response"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, resp["status"])
	body, ok := resp["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abc", body["id"])
}

func TestRequest_PostSendsBodyFromDataset(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f := newTestFactory(t)
	fn, err := f.Build("http.request", map[string]any{
		"url":        srv.URL,
		"method":     "POST",
		"body_from":  "payload",
		"output_key": "created",
	})
	require.NoError(t, err)

	out, err := fn(context.Background(), testContext(map[string]any{
		"payload": map[string]any{"name": "job-7"},
	}))
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"name": "job-7"}, received)
	resp := out["created"].(map[string]any)
	assert.Equal(t, http.StatusCreated, resp["status"])
}

func TestRequest_URLFromDataset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`plain text`))
	}))
	defer srv.Close()

	f := newTestFactory(t)
	fn, err := f.Build("http.request", map[string]any{"url_from": "endpoint"})
	require.NoError(t, err)

	out, err := fn(context.Background(), testContext(map[string]any{"endpoint": srv.URL}))
	require.NoError(t, err)

	resp := out["response"].(map[string]any)
	assert.Equal(t, "plain text", resp["body"], "non-JSON bodies pass through as strings")
}

func TestRequest_FailOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFactory(t)
	fn, err := f.Build("http.request", map[string]any{
		"url":                  srv.URL,
		"fail_on_error_status": true,
	})
	require.NoError(t, err)

	_, err = fn(context.Background(), testContext(map[string]any{}))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
}

func TestRequest_ErrorStatusPassesThroughByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": "missing"}`))
	}))
	defer srv.Close()

	f := newTestFactory(t)
	fn, err := f.Build("http.request", map[string]any{"url": srv.URL})
	require.NoError(t, err)

	out, err := fn(context.Background(), testContext(map[string]any{}))
	require.NoError(t, err)
	resp := out["response"].(map[string]any)
	assert.Equal(t, http.StatusNotFound, resp["status"])
}

func TestRequest_RejectsInvalidConfig(t *testing.T) {
	f := newTestFactory(t)

	_, err := f.Build("http.request", map[string]any{})
	assert.Error(t, err, "url or url_from is required")

	_, err = f.Build("http.request", map[string]any{"url": "ftp://example.com/file"})
	assert.Error(t, err, "only http and https schemes")

	_, err = f.Build("http.request", map[string]any{"url": "http://example.com", "timeout": "soon"})
	assert.Error(t, err, "timeout must parse as a duration")
}

func TestRequest_MissingDatasetKeys(t *testing.T) {
	f := newTestFactory(t)

	fn, err := f.Build("http.request", map[string]any{"url_from": "endpoint"})
	require.NoError(t, err)
	_, err = fn(context.Background(), testContext(map[string]any{}))
	assert.Error(t, err)

	fn, err = f.Build("http.request", map[string]any{"url": "http://127.0.0.1:1", "body_from": "payload"})
	require.NoError(t, err)
	_, err = fn(context.Background(), testContext(map[string]any{}))
	assert.Error(t, err)
}

// --- Scope ---

func TestScope_ExposesStableKeys(t *testing.T) {
	ec := testContext(map[string]any{"k": 1})
	ec.PreviousResults["a"] = map[string]any{"x": 1}
	ec.ParallelResults["g"] = map[string]map[string]any{"m": {"y": 2}}

	scope := Scope(ec)
	assert.Equal(t, ec.Data, scope["data"])
	previous := scope["previous"].(map[string]any)
	assert.Equal(t, map[string]any{"x": 1}, previous["a"])
	parallel := scope["parallel"].(map[string]any)
	group := parallel["g"].(map[string]any)
	assert.Equal(t, map[string]any{"y": 2}, group["m"])
}
