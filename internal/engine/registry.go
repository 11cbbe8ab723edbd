package engine

import (
	"sort"
	"sync"
	"time"
)

// StepHandle is an opaque reference to a registered step. Handles are only
// produced by registration calls (or HandleForStep for data-dependent
// resolution), so a workflow built from handles cannot reference a step that
// was never registered.
type StepHandle struct{ id string }

// ID returns the step identifier the handle refers to.
func (h StepHandle) ID() string { return h.id }

// GroupHandle is an opaque reference to a registered parallel group.
type GroupHandle struct{ id string }

// ID returns the group identifier the handle refers to.
func (h GroupHandle) ID() string { return h.id }

// WorkflowHandle is an opaque reference to a registered workflow.
type WorkflowHandle struct{ id string }

// ID returns the workflow identifier the handle refers to.
func (h WorkflowHandle) ID() string { return h.id }

// RetryPolicy configures bounded retry with multiplicative backoff for a
// step. The zero value means run once with no retry.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
}

type entryKind int

const (
	entryStep entryKind = iota
	entryGroup
)

// Entry is one element of a workflow's ordered entry list: either a single
// step or a parallel group.
type Entry struct {
	kind entryKind
	id   string
}

// Step builds a workflow entry from a step handle.
func Step(h StepHandle) Entry { return Entry{kind: entryStep, id: h.id} }

// Group builds a workflow entry from a parallel group handle.
func Group(h GroupHandle) Entry { return Entry{kind: entryGroup, id: h.id} }

// StepID builds a workflow entry from a raw step identifier. Existence is
// checked when the entry is reached during a run, so resolvers may emit
// entries for steps chosen from data. Prefer Step for static workflows.
func StepID(id string) Entry { return Entry{kind: entryStep, id: id} }

// GroupID builds a workflow entry from a raw group identifier.
func GroupID(id string) Entry { return Entry{kind: entryGroup, id: id} }

// IsGroup reports whether the entry dispatches a parallel group.
func (e Entry) IsGroup() bool { return e.kind == entryGroup }

// ID returns the step or group identifier the entry refers to.
func (e Entry) ID() string { return e.id }

type workflowDef struct {
	id         string
	entries    []Entry
	resolver   Resolver
	policy     ErrorPolicy
	finalizer  Finalizer
	inputCheck func(map[string]any) error
}

// WorkflowOption configures optional workflow behavior at registration time.
type WorkflowOption func(*workflowDef)

// WithErrorPolicy attaches the workflow's error-handling policy.
func WithErrorPolicy(p ErrorPolicy) WorkflowOption {
	return func(d *workflowDef) { d.policy = p }
}

// WithFinalizer attaches a post-processing callback invoked with the
// fully-merged dataset; its result becomes the run's final output.
func WithFinalizer(f Finalizer) WorkflowOption {
	return func(d *workflowDef) { d.finalizer = f }
}

// WithInputCheck attaches a validator invoked against the initial input
// before any entry executes. A non-nil result fails the run up front.
func WithInputCheck(check func(map[string]any) error) WorkflowOption {
	return func(d *workflowDef) { d.inputCheck = check }
}

// Registry holds every lookup table the executor consults: step
// implementations, retry policies, conditions, parallel groups and workflow
// definitions. It is an explicit, constructible object so independent engine
// instances never interfere; registration is last-write-wins per id and must
// complete before any run references the registered ids. Safe for concurrent
// use.
type Registry struct {
	mu         sync.RWMutex
	steps      map[string]StepFunc
	retries    map[string]RetryPolicy
	conditions map[string]Predicate
	groups     map[string][]string
	workflows  map[string]*workflowDef
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		steps:      make(map[string]StepFunc),
		retries:    make(map[string]RetryPolicy),
		conditions: make(map[string]Predicate),
		groups:     make(map[string][]string),
		workflows:  make(map[string]*workflowDef),
	}
}

// RegisterStep registers a step implementation under the given id,
// replacing any previous registration.
func (r *Registry) RegisterStep(id string, fn StepFunc) StepHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[id] = fn
	return StepHandle{id: id}
}

// ConfigureRetry attaches a retry policy to a step. Absence of a policy
// means the step runs once.
func (r *Registry) ConfigureRetry(h StepHandle, p RetryPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[h.id] = p
}

// SetStepCondition attaches a predicate gating the step on the accumulated
// dataset. Absence of a condition means the step always runs.
func (r *Registry) SetStepCondition(h StepHandle, pred Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conditions[h.id] = pred
}

// RegisterParallelGroup registers an ordered set of member steps that run
// concurrently when the group entry is reached.
func (r *Registry) RegisterParallelGroup(id string, members ...StepHandle) GroupHandle {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.id
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[id] = ids
	return GroupHandle{id: id}
}

// RegisterWorkflow registers a workflow with a static ordered entry list.
func (r *Registry) RegisterWorkflow(id string, entries []Entry, opts ...WorkflowOption) WorkflowHandle {
	def := &workflowDef{id: id, entries: entries}
	for _, opt := range opts {
		opt(def)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[id] = def
	return WorkflowHandle{id: id}
}

// RegisterDynamicWorkflow registers a workflow whose entry list is computed
// from the initial input at the start of each run.
func (r *Registry) RegisterDynamicWorkflow(id string, resolve Resolver, opts ...WorkflowOption) WorkflowHandle {
	def := &workflowDef{id: id, resolver: resolve}
	for _, opt := range opts {
		opt(def)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[id] = def
	return WorkflowHandle{id: id}
}

// HandleForStep returns a handle for an already-registered step id. The
// second result is false if no step is registered under the id.
func (r *Registry) HandleForStep(id string) (StepHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.steps[id]; !ok {
		return StepHandle{}, false
	}
	return StepHandle{id: id}, true
}

// HandleForGroup returns a handle for an already-registered group id.
func (r *Registry) HandleForGroup(id string) (GroupHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.groups[id]; !ok {
		return GroupHandle{}, false
	}
	return GroupHandle{id: id}, true
}

// Workflows returns the ids of all registered workflows, sorted.
func (r *Registry) Workflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workflows))
	for id := range r.workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasWorkflow reports whether a workflow is registered under the id.
func (r *Registry) HasWorkflow(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workflows[id]
	return ok
}

func (r *Registry) step(id string) (StepFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.steps[id]
	return fn, ok
}

func (r *Registry) hasStep(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.steps[id]
	return ok
}

func (r *Registry) retry(id string) (RetryPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.retries[id]
	return p, ok
}

func (r *Registry) condition(id string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pred, ok := r.conditions[id]
	return pred, ok
}

func (r *Registry) group(id string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.groups[id]
	return members, ok
}

func (r *Registry) workflow(id string) (*workflowDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[id]
	return def, ok
}
