package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/fuchs-ai/conduit/internal/engine"
	"github.com/fuchs-ai/conduit/internal/expressions"
	"github.com/fuchs-ai/conduit/internal/steps"
	"github.com/fuchs-ai/conduit/internal/validation"
	"github.com/fuchs-ai/conduit/pkg/schema"
)

// Schedule is a cron trigger declared alongside a workflow definition.
type Schedule struct {
	WorkflowID string
	Spec       string
	Input      map[string]any
}

// document is the root of one definition file.
type document struct {
	Steps     map[string]stepDef     `json:"steps"`
	Groups    map[string]groupDef    `json:"groups"`
	Workflows map[string]workflowDoc `json:"workflows"`
}

type stepDef struct {
	Builtin   *builtinDef   `json:"builtin"`
	Retry     *retryDef     `json:"retry"`
	Condition *conditionDef `json:"condition"`
}

type builtinDef struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

type retryDef struct {
	MaxRetries    int           `json:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

type conditionDef struct {
	Language   string `json:"language"`
	Expression string `json:"expression"`
}

type groupDef struct {
	Members []string `json:"members"`
}

type workflowDoc struct {
	Entries       []any                `json:"entries"`
	ErrorPolicy   map[string]actionDef `json:"error_policy"`
	Finalizer     *finalizerDef        `json:"finalizer"`
	InputSchema   map[string]any       `json:"input_schema"`
	Schedule      string               `json:"schedule"`
	ScheduleInput map[string]any       `json:"schedule_input"`
}

type entryDef struct {
	Step  string `json:"step"`
	Group string `json:"group"`
}

type actionDef struct {
	Action     string         `json:"action"`
	Message    string         `json:"message"`
	MaxRetries int            `json:"max_retries"`
	Delay      time.Duration  `json:"delay"`
	Fallback   map[string]any `json:"fallback"`
}

type finalizerDef struct {
	JQ string `json:"jq"`
}

// Loader binds YAML workflow definitions onto a registry. Step
// implementations come either from the host (registered before the load)
// or from a builtin declaration in the definition itself; a definition
// referencing a step with neither fails the load.
type Loader struct {
	registry *engine.Registry
	factory  *steps.Factory
	cel      *expressions.CELEngine
	expr     *expressions.ExprEngine
	jq       *expressions.GoJQEngine
	logger   *slog.Logger
}

// New creates a Loader over the given registry.
func New(registry *engine.Registry, logger *slog.Logger) (*Loader, error) {
	celEng, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create CEL engine: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	exprEng := expressions.NewExprEngine()
	jqEng := expressions.NewGoJQEngine()
	return &Loader{
		registry: registry,
		factory:  steps.NewFactory(celEng, exprEng, jqEng),
		cel:      celEng,
		expr:     exprEng,
		jq:       jqEng,
		logger:   logger,
	}, nil
}

// LoadDir loads every *.yaml and *.yml file in the directory, in lexical
// order, and returns the declared schedules.
func (l *Loader) LoadDir(dir string) ([]Schedule, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	var schedules []Schedule
	for _, path := range paths {
		loaded, err := l.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		schedules = append(schedules, loaded...)
	}
	return schedules, nil
}

// LoadFile loads one definition file.
func (l *Loader) LoadFile(path string) ([]Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition file: %w", err)
	}
	return l.Load(data)
}

// Load parses one YAML document and registers its step configuration,
// parallel groups and workflows.
func (l *Loader) Load(data []byte) ([]Schedule, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unmarshal definition: %s", err.Error()).WithCause(err)
	}

	var doc document
	if err := decode(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"decode definition: %s", err.Error()).WithCause(err)
	}

	// Steps and groups first: workflows reference them.
	stepIDs := make([]string, 0, len(doc.Steps))
	for id := range doc.Steps {
		stepIDs = append(stepIDs, id)
	}
	sort.Strings(stepIDs)
	for _, id := range stepIDs {
		if err := l.configureStep(id, doc.Steps[id]); err != nil {
			return nil, err
		}
	}

	groupIDs := make([]string, 0, len(doc.Groups))
	for id := range doc.Groups {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)
	for _, id := range groupIDs {
		if err := l.registerGroup(id, doc.Groups[id]); err != nil {
			return nil, err
		}
	}

	var schedules []Schedule
	workflowIDs := make([]string, 0, len(doc.Workflows))
	for id := range doc.Workflows {
		workflowIDs = append(workflowIDs, id)
	}
	sort.Strings(workflowIDs)
	for _, id := range workflowIDs {
		wf := doc.Workflows[id]
		if err := l.registerWorkflow(id, wf); err != nil {
			return nil, err
		}
		if wf.Schedule != "" {
			schedules = append(schedules, Schedule{
				WorkflowID: id,
				Spec:       wf.Schedule,
				Input:      wf.ScheduleInput,
			})
		}
	}
	return schedules, nil
}

func (l *Loader) configureStep(id string, def stepDef) error {
	var handle engine.StepHandle
	if def.Builtin != nil {
		fn, err := l.factory.Build(def.Builtin.Type, def.Builtin.Config)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %q: %s", id, err.Error()).WithStep(id).WithCause(err)
		}
		handle = l.registry.RegisterStep(id, fn)
	} else {
		var ok bool
		handle, ok = l.registry.HandleForStep(id)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeStepNotFound,
				"definition configures step %q but no implementation is registered", id).WithStep(id)
		}
	}

	if def.Retry != nil {
		l.registry.ConfigureRetry(handle, engine.RetryPolicy{
			MaxRetries:    def.Retry.MaxRetries,
			InitialDelay:  def.Retry.InitialDelay,
			BackoffFactor: def.Retry.BackoffFactor,
		})
	}

	if def.Condition != nil {
		eng, err := l.engineFor(def.Condition.Language)
		if err != nil {
			return err
		}
		pred := expressions.NewCondition(eng, def.Condition.Expression, l.logger)
		l.registry.SetStepCondition(handle, pred)
	}
	return nil
}

func (l *Loader) registerGroup(id string, def groupDef) error {
	if len(def.Members) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"parallel group %q has no members", id)
	}
	handles := make([]engine.StepHandle, 0, len(def.Members))
	for _, member := range def.Members {
		h, ok := l.registry.HandleForStep(member)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeStepNotFound,
				"parallel group %q references unregistered step %q", id, member).WithStep(member)
		}
		handles = append(handles, h)
	}
	l.registry.RegisterParallelGroup(id, handles...)
	return nil
}

func (l *Loader) registerWorkflow(id string, doc workflowDoc) error {
	if len(doc.Entries) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q has no entries", id)
	}

	entries := make([]engine.Entry, 0, len(doc.Entries))
	for i, raw := range doc.Entries {
		entry, err := l.resolveEntry(id, i, raw)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}

	var opts []engine.WorkflowOption

	if len(doc.ErrorPolicy) > 0 {
		policy, err := buildPolicy(id, doc.ErrorPolicy)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithErrorPolicy(policy))
	}

	if doc.Finalizer != nil {
		if doc.Finalizer.JQ == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"workflow %q finalizer has no jq expression", id)
		}
		opts = append(opts, engine.WithFinalizer(l.jqFinalizer(doc.Finalizer.JQ)))
	}

	if len(doc.InputSchema) > 0 {
		schemaJSON, err := json.Marshal(doc.InputSchema)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"workflow %q input schema: %s", id, err.Error()).WithCause(err)
		}
		validator, err := validation.NewInputValidator(schemaJSON)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"workflow %q input schema: %s", id, err.Error()).WithCause(err)
		}
		opts = append(opts, engine.WithInputCheck(validator.Validate))
	}

	l.registry.RegisterWorkflow(id, entries, opts...)
	return nil
}

// resolveEntry accepts either a bare step id or a {step: id} / {group: id}
// mapping.
func (l *Loader) resolveEntry(workflowID string, index int, raw any) (engine.Entry, error) {
	var def entryDef
	switch v := raw.(type) {
	case string:
		def.Step = v
	case map[string]any:
		if err := decode(v, &def); err != nil {
			return engine.Entry{}, schema.NewErrorf(schema.ErrCodeValidation,
				"workflow %q entry %d: %s", workflowID, index, err.Error()).WithCause(err)
		}
	default:
		return engine.Entry{}, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q entry %d must be a step id or a step/group mapping", workflowID, index)
	}

	switch {
	case def.Step != "" && def.Group != "":
		return engine.Entry{}, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q entry %d names both a step and a group", workflowID, index)
	case def.Step != "":
		h, ok := l.registry.HandleForStep(def.Step)
		if !ok {
			return engine.Entry{}, schema.NewErrorf(schema.ErrCodeStepNotFound,
				"workflow %q references unregistered step %q", workflowID, def.Step).WithStep(def.Step)
		}
		return engine.Step(h), nil
	case def.Group != "":
		h, ok := l.registry.HandleForGroup(def.Group)
		if !ok {
			return engine.Entry{}, schema.NewErrorf(schema.ErrCodeStepNotFound,
				"workflow %q references unregistered parallel group %q", workflowID, def.Group)
		}
		return engine.Group(h), nil
	default:
		return engine.Entry{}, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q entry %d names neither a step nor a group", workflowID, index)
	}
}

func buildPolicy(workflowID string, defs map[string]actionDef) (engine.ErrorPolicy, error) {
	policy := make(engine.ErrorPolicy, len(defs))
	for stepID, def := range defs {
		switch def.Action {
		case "abort":
			policy[stepID] = engine.Abort(def.Message)
		case "retry":
			policy[stepID] = engine.RetryTimes(def.MaxRetries, def.Delay)
		case "continue":
			policy[stepID] = engine.ContinueWith(def.Fallback)
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"workflow %q error policy for %q has unknown action %q", workflowID, stepID, def.Action)
		}
	}
	return policy, nil
}

// jqFinalizer adapts a jq expression into a workflow finalizer. The run
// scope is exposed as the input object under the keys data, initial, extra,
// previous and parallel.
func (l *Loader) jqFinalizer(expression string) engine.Finalizer {
	return func(ctx context.Context, ec *engine.Context) (map[string]any, error) {
		out, err := l.jq.Evaluate(ctx, expression, steps.Scope(ec))
		if err != nil {
			return nil, err
		}
		result, ok := out.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"finalizer %q must produce an object, got %T", expression, out)
		}
		return result, nil
	}
}

func (l *Loader) engineFor(language string) (expressions.Engine, error) {
	switch language {
	case "", "cel":
		return l.cel, nil
	case "expr":
		return l.expr, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition language %q", language)
	}
}

// decode converts a YAML-decoded map into a typed struct, coercing duration
// strings along the way.
func decode(m any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "json",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	return decoder.Decode(m)
}
