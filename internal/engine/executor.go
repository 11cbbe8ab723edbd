package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fuchs-ai/conduit/internal/diag"
	"github.com/fuchs-ai/conduit/pkg/schema"
)

// DefaultPoolSize is the default parallel-group worker concurrency.
const DefaultPoolSize = 10

// Config holds executor configuration.
type Config struct {
	// PoolSize caps concurrently executing parallel-group members across
	// all runs sharing this executor.
	PoolSize int

	// RunTimeout bounds every run; zero means the caller's context is the
	// only bound. A hung step then hangs only until the deadline fires.
	RunTimeout time.Duration

	// Sink receives one diagnostic record per workflow abort. Nil installs
	// an slog-backed sink.
	Sink diag.Sink

	// Logger is the structured logger for run lifecycle logging. Nil
	// installs a text handler on stderr.
	Logger *slog.Logger
}

// Executor drives workflow runs end-to-end against a Registry: entry
// resolution, conditional skipping, bounded retry with backoff, parallel
// fan-out and the per-workflow error policy.
type Executor struct {
	registry *Registry
	pool     *WorkerPool
	sink     diag.Sink
	logger   *slog.Logger
	config   Config
}

// New creates an Executor over the given registry.
func New(registry *Registry, cfg Config) *Executor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sink := cfg.Sink
	if sink == nil {
		sink = diag.NewSlogSink(logger)
	}
	return &Executor{
		registry: registry,
		pool:     NewWorkerPool(cfg.PoolSize),
		sink:     sink,
		logger:   logger,
		config:   cfg,
	}
}

// Shutdown stops the parallel worker pool after active members finish.
func (e *Executor) Shutdown() {
	e.pool.Shutdown()
}

// RunResult reports the outcome of one workflow run.
type RunResult struct {
	RunID       string                 `json:"run_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      schema.RunStatus       `json:"status"`
	Output      map[string]any         `json:"output,omitempty"`
	Error       *schema.ConduitError   `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Steps       map[string]*StepResult `json:"steps,omitempty"`
}

// StepResult summarizes the terminal outcome of one step invocation.
type StepResult struct {
	StepID     string            `json:"step_id"`
	Status     schema.StepStatus `json:"status"`
	Output     map[string]any    `json:"output,omitempty"`
	Attempts   int               `json:"attempts"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

// runState tracks one in-flight run. The execution context is exclusively
// owned by this run; steps is guarded by mu because parallel-group members
// record their results concurrently.
type runState struct {
	runID      string
	workflowID string
	ec         *Context
	policy     ErrorPolicy
	fsm        *stepFSM
	logger     *slog.Logger

	mu    sync.Mutex
	steps map[string]*StepResult
}

func (rs *runState) record(sr *StepResult) {
	rs.mu.Lock()
	rs.steps[sr.StepID] = sr
	rs.mu.Unlock()
}

// Execute runs a workflow and returns the final accumulated dataset, the
// primary run API. The error is one of the structured conduit errors:
// WORKFLOW_NOT_FOUND, STEP_NOT_FOUND, VALIDATION_ERROR, WORKFLOW_ABORTED or
// CANCELLED.
func (e *Executor) Execute(ctx context.Context, workflowID string, initial, extra map[string]any) (map[string]any, error) {
	res, err := e.Run(ctx, workflowID, initial, extra)
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, res.Error
	}
	return res.Output, nil
}

// Run is Execute with a full per-step report. Pre-run failures (unknown
// workflow, invalid input, resolver failure, duplicate group membership)
// return a nil result; failures during the run are reported inside the
// result with Status aborted or cancelled.
func (e *Executor) Run(ctx context.Context, workflowID string, initial, extra map[string]any) (*RunResult, error) {
	def, ok := e.registry.workflow(workflowID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound,
			"workflow %q is not registered", workflowID).WithWorkflow(workflowID)
	}

	runID := uuid.New().String()
	ctx = diag.WithRunID(diag.WithWorkflowID(ctx, workflowID), runID)
	if e.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RunTimeout)
		defer cancel()
	}

	if def.inputCheck != nil {
		if err := def.inputCheck(initial); err != nil {
			if ce, ok := err.(*schema.ConduitError); ok {
				return nil, ce.WithWorkflow(workflowID)
			}
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid input for workflow %q: %s", workflowID, err.Error()).
				WithWorkflow(workflowID).WithCause(err)
		}
	}

	// Resolve the entry list exactly once, before any step executes.
	entries := def.entries
	if def.resolver != nil {
		var err error
		entries, err = def.resolver(initial)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"resolve workflow %q entries: %s", workflowID, err.Error()).
				WithWorkflow(workflowID).WithCause(err)
		}
	}

	if err := e.checkGroupMembership(workflowID, entries); err != nil {
		return nil, err
	}

	logger := e.logger.With(slog.String("run_id", runID), slog.String("workflow_id", workflowID))
	run := &runState{
		runID:      runID,
		workflowID: workflowID,
		ec:         newRunContext(initial, extra),
		policy:     def.policy,
		logger:     logger,
		steps:      make(map[string]*StepResult),
	}
	run.fsm = newStepFSM(func(stepID string, from, to schema.StepStatus) {
		logger.Debug("step transition",
			slog.String("step_id", stepID),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
	})

	result := &RunResult{
		RunID:      runID,
		WorkflowID: workflowID,
		Status:     schema.RunStatusActive,
		StartedAt:  time.Now().UTC(),
		Steps:      run.steps,
	}
	logger.InfoContext(ctx, "workflow run started", slog.Int("entries", len(entries)))

	aerr := e.executeEntries(ctx, run, entries)

	if aerr == nil && def.finalizer != nil {
		out, ferr := def.finalizer(ctx, run.ec)
		if ferr != nil {
			aerr = schema.NewErrorf(schema.ErrCodeStepExecution,
				"workflow %q finalizer: %s", workflowID, ferr.Error()).
				WithWorkflow(workflowID).WithCause(ferr)
		} else {
			run.ec.Data = out
		}
	}

	result.CompletedAt = time.Now().UTC()
	switch {
	case aerr == nil:
		result.Status = schema.RunStatusCompleted
		result.Output = run.ec.Data
		logger.InfoContext(ctx, "workflow run completed",
			slog.Int64("duration_ms", result.CompletedAt.Sub(result.StartedAt).Milliseconds()))
	case aerr.Code == schema.ErrCodeCancelled:
		result.Status = schema.RunStatusCancelled
		result.Error = aerr
		logger.WarnContext(ctx, "workflow run cancelled", slog.String("error", aerr.Message))
	default:
		result.Status = schema.RunStatusAborted
		result.Error = aerr
		logger.ErrorContext(ctx, "workflow run aborted",
			slog.String("step_id", aerr.StepID),
			slog.String("error", aerr.Message))
	}
	return result, nil
}

// executeEntries walks the resolved entry list in order. No entry starts
// before the previous one fully resolves, retries and fallbacks included.
func (e *Executor) executeEntries(ctx context.Context, run *runState, entries []Entry) *schema.ConduitError {
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return cancelledError(run.workflowID, err)
		}
		if entry.IsGroup() {
			if aerr := e.runGroup(ctx, run, entry.ID()); aerr != nil {
				return aerr
			}
			continue
		}
		sr, aerr := e.runStep(ctx, run, entry.ID(), run.ec)
		if aerr != nil {
			return aerr
		}
		if sr.Status == schema.StepStatusSkipped {
			continue
		}
		Merge(run.ec.Data, sr.Output)
		run.ec.PreviousResults[sr.StepID] = sr.Output
	}
	return nil
}

// runGroup fans the group's members out over the worker pool against a
// shared snapshot of the accumulated data, joins them with a barrier, then
// merges outputs in declared member order. A member abort aborts the run;
// sibling members are awaited but their results are discarded.
func (e *Executor) runGroup(ctx context.Context, run *runState, groupID string) *schema.ConduitError {
	members, ok := e.registry.group(groupID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeStepNotFound,
			"parallel group %q is not registered", groupID).WithWorkflow(run.workflowID)
	}
	for _, m := range members {
		if !e.registry.hasStep(m) {
			return schema.NewErrorf(schema.ErrCodeStepNotFound,
				"parallel group %q references unregistered step %q", groupID, m).
				WithWorkflow(run.workflowID).WithStep(m)
		}
	}

	view := run.ec.view(Clone(run.ec.Data))

	type memberOutcome struct {
		sr  *StepResult
		err *schema.ConduitError
	}
	outcomes := make([]memberOutcome, len(members))

	var wg sync.WaitGroup
	for i, m := range members {
		i, m := i, m
		wg.Add(1)
		err := e.pool.Submit(ctx, func() {
			defer wg.Done()
			sr, aerr := e.runStep(ctx, run, m, view)
			outcomes[i] = memberOutcome{sr: sr, err: aerr}
		})
		if err != nil {
			wg.Done()
			outcomes[i].err = cancelledError(run.workflowID, err)
		}
	}
	wg.Wait()

	// First failure in declared member order wins; later members already
	// ran to completion but their results are discarded.
	for _, oc := range outcomes {
		if oc.err != nil {
			return oc.err
		}
	}

	groupOut := make(map[string]map[string]any, len(members))
	for i, m := range members {
		sr := outcomes[i].sr
		if sr == nil || sr.Status == schema.StepStatusSkipped {
			continue
		}
		groupOut[m] = sr.Output
		Merge(run.ec.Data, sr.Output)
		run.ec.PreviousResults[m] = sr.Output
	}
	run.ec.ParallelResults[groupID] = groupOut
	return nil
}

// runStep executes one step with condition, retry and error-policy handling.
// view is the live run context for sequential steps and the group snapshot
// view for parallel members. A nil error means the step reached a
// non-aborting terminal state: succeeded, skipped or fallback.
func (e *Executor) runStep(ctx context.Context, run *runState, stepID string, view *Context) (*StepResult, *schema.ConduitError) {
	fn, ok := e.registry.step(stepID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepNotFound,
			"step %q is not registered", stepID).
			WithWorkflow(run.workflowID).WithStep(stepID)
	}
	ctx = diag.WithStepID(ctx, stepID)

	sr := &StepResult{StepID: stepID, Status: schema.StepStatusPending}
	run.record(sr)
	start := time.Now()
	defer func() {
		sr.DurationMs = time.Since(start).Milliseconds()
	}()

	if pred, hasCond := e.registry.condition(stepID); hasCond && !pred(view.Data) {
		if err := run.fsm.transition(stepID, sr.Status, schema.StepStatusSkipped); err != nil {
			return nil, err
		}
		sr.Status = schema.StepStatusSkipped
		return sr, nil
	}

	action, hasAction := run.policy.actionFor(stepID)

	// The workflow error policy's retry settings replace, never compound,
	// the step-level policy for this run.
	policy, _ := e.registry.retry(stepID)
	if hasAction {
		if override, isRetry := action.retryOverride(); isRetry {
			policy = override
		}
	}

	if err := run.fsm.transition(stepID, sr.Status, schema.StepStatusRunning); err != nil {
		return nil, err
	}
	sr.Status = schema.StepStatusRunning

	var lastErr error
	for {
		sr.Attempts++
		out, err := invokeStep(ctx, fn, view)
		if err == nil {
			if terr := run.fsm.transition(stepID, sr.Status, schema.StepStatusSucceeded); terr != nil {
				return nil, terr
			}
			sr.Status = schema.StepStatusSucceeded
			sr.Output = out
			return sr, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, cancelledError(run.workflowID, ctx.Err()).WithStep(stepID)
		}
		if sr.Attempts > policy.MaxRetries {
			break
		}
		if terr := run.fsm.transition(stepID, sr.Status, schema.StepStatusRunning); terr != nil {
			return nil, terr
		}
		run.logger.WarnContext(ctx, "step failed, retrying",
			slog.Int("attempt", sr.Attempts),
			slog.Int("max_retries", policy.MaxRetries),
			slog.String("error", err.Error()))
		if werr := WaitForBackoff(ctx, Backoff(policy, sr.Attempts)); werr != nil {
			return nil, cancelledError(run.workflowID, werr).WithStep(stepID)
		}
	}

	// Retries exhausted: the error policy decides. Continue substitutes a
	// fallback output; abort and exhausted retry-widening both abort.
	if hasAction && action.Strategy == StrategyContinue {
		substitute, ferr := e.computeFallback(ctx, run, action, view)
		if ferr == nil {
			if terr := run.fsm.transition(stepID, sr.Status, schema.StepStatusFallback); terr != nil {
				return nil, terr
			}
			sr.Status = schema.StepStatusFallback
			sr.Output = substitute
			run.logger.WarnContext(ctx, "step failed, fallback substituted",
				slog.Int("attempts", sr.Attempts),
				slog.String("error", lastErr.Error()))
			return sr, nil
		}
		lastErr = ferr
	}

	message := lastErr.Error()
	if hasAction && action.Strategy == StrategyAbort && action.Message != "" {
		message = action.Message
	}
	aerr := schema.NewError(schema.ErrCodeWorkflowAborted, message).
		WithWorkflow(run.workflowID).WithStep(stepID).WithCause(lastErr).
		WithDetails(map[string]any{"attempts": sr.Attempts})

	if terr := run.fsm.transition(stepID, sr.Status, schema.StepStatusAborted); terr != nil {
		return nil, terr
	}
	sr.Status = schema.StepStatusAborted
	sr.Error = message
	e.emitDiagnostic(ctx, run, stepID, message, sr.Attempts)
	return sr, aerr
}

func (e *Executor) computeFallback(ctx context.Context, run *runState, action ErrorAction, view *Context) (map[string]any, error) {
	if action.FallbackFunc != nil {
		return action.FallbackFunc(ctx, view, run.ec.initial)
	}
	return Clone(action.FallbackValue), nil
}

// invokeStep calls the step implementation, converting a panic into a
// structured execution error so one misbehaving step cannot take down the
// process.
func invokeStep(ctx context.Context, fn StepFunc, view *Context) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeStepExecution, "step panicked: %v", r)
		}
	}()
	return fn(ctx, view)
}

// emitDiagnostic writes the abort record before the failure propagates. The
// record survives run cancellation, hence the detached context.
func (e *Executor) emitDiagnostic(ctx context.Context, run *runState, stepID, message string, attempts int) {
	rec := &diag.Record{
		RunID:      run.runID,
		WorkflowID: run.workflowID,
		StepID:     stepID,
		Error:      message,
		Attempts:   attempts,
		Timestamp:  time.Now().UTC(),
	}
	if err := e.sink.Write(context.WithoutCancel(ctx), rec); err != nil {
		run.logger.Warn("diagnostic sink write failed", slog.String("error", err.Error()))
	}
}

// checkGroupMembership rejects a run whose resolved entry list places a
// step in more than one parallel group.
func (e *Executor) checkGroupMembership(workflowID string, entries []Entry) *schema.ConduitError {
	owner := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsGroup() {
			continue
		}
		members, ok := e.registry.group(entry.ID())
		if !ok {
			continue // reported as STEP_NOT_FOUND when the entry is reached
		}
		for _, m := range members {
			if g, dup := owner[m]; dup && g != entry.ID() {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %q is a member of parallel groups %q and %q within one run", m, g, entry.ID()).
					WithWorkflow(workflowID).WithStep(m)
			}
			owner[m] = entry.ID()
		}
	}
	return nil
}

func cancelledError(workflowID string, cause error) *schema.ConduitError {
	return schema.NewErrorf(schema.ErrCodeCancelled, "workflow run cancelled: %s", cause.Error()).
		WithWorkflow(workflowID).WithCause(cause)
}
