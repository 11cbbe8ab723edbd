package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fuchs-ai/conduit/internal/engine"
	"github.com/fuchs-ai/conduit/internal/expressions"
	"github.com/fuchs-ai/conduit/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultOutputKey       = "response"
)

// Factory builds the builtin step implementations declared in workflow
// definition files. All steps share the factory's expression engines so
// compiled programs are cached across workflows.
type Factory struct {
	cel  *expressions.CELEngine
	expr *expressions.ExprEngine
	jq   *expressions.GoJQEngine
}

// NewFactory creates a Factory over the given engines.
func NewFactory(cel *expressions.CELEngine, expr *expressions.ExprEngine, jq *expressions.GoJQEngine) *Factory {
	return &Factory{cel: cel, expr: expr, jq: jq}
}

// Build constructs a builtin step from its type name and configuration.
func (f *Factory) Build(typ string, config map[string]any) (engine.StepFunc, error) {
	switch typ {
	case "set":
		return buildSet(config)
	case "http.request":
		return buildRequest(config)
	case "transform":
		return f.buildTransform(config)
	case "assert":
		return f.buildAssert(config)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown builtin step type %q", typ)
	}
}

// --- set ---

// buildSet produces a step that merges a literal output into the dataset.
func buildSet(config map[string]any) (engine.StepFunc, error) {
	output, ok := config["output"].(map[string]any)
	if !ok || len(output) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "set step requires a non-empty 'output' object")
	}
	return func(ctx context.Context, ec *engine.Context) (map[string]any, error) {
		return engine.Clone(output), nil
	}, nil
}

// --- transform ---

// buildTransform produces a step that evaluates a jq expression over the
// run scope; the expression must yield an object, which becomes the step
// output.
func (f *Factory) buildTransform(config map[string]any) (engine.StepFunc, error) {
	expression := stringParam(config, "jq", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform step requires a non-empty 'jq' expression")
	}
	return func(ctx context.Context, ec *engine.Context) (map[string]any, error) {
		out, err := f.jq.Evaluate(ctx, expression, Scope(ec))
		if err != nil {
			return nil, err
		}
		result, ok := out.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"transform %q must produce an object, got %T", expression, out)
		}
		return result, nil
	}, nil
}

// --- assert ---

// buildAssert produces a step that fails unless its expression holds,
// feeding the retry and error-policy machinery.
func (f *Factory) buildAssert(config map[string]any) (engine.StepFunc, error) {
	expression := stringParam(config, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert step requires a non-empty 'expression'")
	}
	message := stringParam(config, "message", "")

	var eng expressions.Engine
	switch lang := stringParam(config, "language", "cel"); lang {
	case "cel":
		eng = f.cel
	case "expr":
		eng = f.expr
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert step has unknown language %q", lang)
	}

	return func(ctx context.Context, ec *engine.Context) (map[string]any, error) {
		out, err := eng.Evaluate(ctx, expression, Scope(ec))
		if err != nil {
			return nil, err
		}
		ok, isBool := out.(bool)
		if !isBool {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"assert %q did not evaluate to a boolean", expression)
		}
		if !ok {
			failMsg := message
			if failMsg == "" {
				failMsg = fmt.Sprintf("assertion %q failed", expression)
			}
			return nil, schema.NewError(schema.ErrCodeStepExecution, failMsg)
		}
		return map[string]any{}, nil
	}, nil
}

// --- http.request ---

// buildRequest produces a step that executes an HTTP request. The URL is
// either static ('url') or read from the dataset ('url_from'); the body,
// when 'body_from' is set, is the named dataset value encoded as JSON. The
// parsed response lands under 'output_key' (default "response").
func buildRequest(config map[string]any) (engine.StepFunc, error) {
	staticURL := stringParam(config, "url", "")
	urlFrom := stringParam(config, "url_from", "")
	if staticURL == "" && urlFrom == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request step requires 'url' or 'url_from'")
	}
	if staticURL != "" {
		if err := checkURL(staticURL); err != nil {
			return nil, err
		}
	}

	method := strings.ToUpper(stringParam(config, "method", "GET"))
	bodyFrom := stringParam(config, "body_from", "")
	outputKey := stringParam(config, "output_key", defaultOutputKey)
	failOnErrorStatus := boolParam(config, "fail_on_error_status", false)

	timeout := defaultHTTPTimeout
	if ts := stringParam(config, "timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"http.request step has invalid timeout %q", ts).WithCause(err)
		}
		timeout = d
	}

	headers := map[string]string{}
	if raw, ok := config["headers"].(map[string]any); ok {
		for k, v := range raw {
			headers[k] = fmt.Sprintf("%v", v)
		}
	}

	return func(ctx context.Context, ec *engine.Context) (map[string]any, error) {
		rawURL := staticURL
		if urlFrom != "" {
			rawURL = stringParam(ec.Data, urlFrom, "")
			if rawURL == "" {
				return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
					"http.request: dataset key %q holds no url", urlFrom)
			}
			if err := checkURL(rawURL); err != nil {
				return nil, err
			}
		}

		var bodyReader io.Reader
		if bodyFrom != "" {
			body, ok := ec.Data[bodyFrom]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
					"http.request: dataset key %q holds no body", bodyFrom)
			}
			b, err := json.Marshal(body)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeStepExecution,
					"http.request: failed to marshal body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepExecution,
				"http.request: failed to create request").WithCause(err)
		}
		if bodyReader != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"http.request: %s %s failed: %s", method, rawURL, err.Error()).WithCause(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepExecution,
				"http.request: failed to read response body").WithCause(err)
		}

		if failOnErrorStatus && resp.StatusCode >= 400 {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
				"http.request: %s %s returned status %d", method, rawURL, resp.StatusCode)
		}

		// Parse JSON bodies; anything else is passed through as a string.
		var body any
		if err := json.Unmarshal(raw, &body); err != nil {
			body = string(raw)
		}

		return map[string]any{
			outputKey: map[string]any{
				"status": resp.StatusCode,
				"body":   body,
			},
		}, nil
	}, nil
}

func checkURL(rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

// Scope exposes the run context to expression evaluation under stable
// top-level keys.
func Scope(ec *engine.Context) map[string]any {
	previous := make(map[string]any, len(ec.PreviousResults))
	for stepID, result := range ec.PreviousResults {
		previous[stepID] = result
	}
	parallel := make(map[string]any, len(ec.ParallelResults))
	for groupID, members := range ec.ParallelResults {
		group := make(map[string]any, len(members))
		for stepID, result := range members {
			group[stepID] = result
		}
		parallel[groupID] = group
	}
	return map[string]any{
		"data":     ec.Data,
		"initial":  ec.InitialInputs(),
		"extra":    ec.Extra,
		"previous": previous,
		"parallel": parallel,
	}
}

// --- Param helpers ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}
