package engine

import "context"

// StepFunc is the executable implementation of a registered step. It receives
// the run's execution context and returns a partial dataset to merge into the
// accumulated data. Implementations read Data, PreviousResults and Extra but
// must not mutate PreviousResults or ParallelResults; all merging is done by
// the executor.
type StepFunc func(ctx context.Context, ec *Context) (map[string]any, error)

// Predicate gates a step on the accumulated dataset. A false result skips
// the step entirely: it is not invoked, not retried, and contributes no merge.
type Predicate func(data map[string]any) bool

// FallbackFunc computes a substitute output for a step whose retries are
// exhausted under a continue policy. It receives the run context and the
// original, unmerged initial input.
type FallbackFunc func(ctx context.Context, ec *Context, initial map[string]any) (map[string]any, error)

// Finalizer reshapes the fully-merged dataset after the last entry completes.
type Finalizer func(ctx context.Context, ec *Context) (map[string]any, error)

// Resolver computes a workflow's entry list from the initial input. It is
// invoked exactly once per run, before any step executes.
type Resolver func(initial map[string]any) ([]Entry, error)

// Context is the mutable state threaded through one workflow run. It is
// exclusively owned by a single executor invocation; two concurrent runs
// never share an instance.
type Context struct {
	// Data is the accumulated dataset: the caller's initial input merged
	// with each completed step's output, last write wins per key.
	Data map[string]any

	// PreviousResults holds the raw output of every step that completed
	// successfully, directly or via fallback substitution. Steps that were
	// skipped or caused an abort are never recorded.
	PreviousResults map[string]map[string]any

	// ParallelResults holds per-group member outputs, keyed by group id
	// then member step id.
	ParallelResults map[string]map[string]map[string]any

	// Extra carries caller-supplied contextual fields, kept alongside the
	// dataset and visible to every step.
	Extra map[string]any

	initial map[string]any
}

func newRunContext(initial, extra map[string]any) *Context {
	return &Context{
		Data:            Clone(initial),
		PreviousResults: make(map[string]map[string]any),
		ParallelResults: make(map[string]map[string]map[string]any),
		Extra:           Clone(extra),
		initial:         initial,
	}
}

// InitialInputs returns the original, unmerged input the run started with.
// Callers must treat it as read-only.
func (c *Context) InitialInputs() map[string]any {
	return c.initial
}

// view returns a copy of the context whose Data is the given snapshot.
// Parallel-group members share one snapshot taken at group start so none of
// them observes a sibling's output mid-group.
func (c *Context) view(snapshot map[string]any) *Context {
	return &Context{
		Data:            snapshot,
		PreviousResults: c.PreviousResults,
		ParallelResults: c.ParallelResults,
		Extra:           c.Extra,
		initial:         c.initial,
	}
}

// Merge applies src onto dst as a shallow overwrite: every key in src
// replaces any existing key in dst, last write wins.
func Merge(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

// Clone returns a shallow copy of m. A nil map clones to an empty map so
// callers never mutate the original through the copy.
func Clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
