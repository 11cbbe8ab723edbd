package engine

import (
	"github.com/fuchs-ai/conduit/pkg/schema"
)

// validStepTransitions defines the allowed lifecycle transitions for one
// step invocation. A running step may transition back to running across
// retry attempts; everything else is single-shot.
var validStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning: {
		schema.StepStatusRunning,
		schema.StepStatusSucceeded,
		schema.StepStatusFallback,
		schema.StepStatusAborted,
	},
	schema.StepStatusSucceeded: {},
	schema.StepStatusSkipped:   {},
	schema.StepStatusFallback:  {},
	schema.StepStatusAborted:   {},
}

// transitionObserver is notified after every accepted transition.
type transitionObserver func(stepID string, from, to schema.StepStatus)

// stepFSM validates step invocation lifecycle transitions for one run.
// The executor owns one per run; parallel-group members transition through
// it concurrently, so the per-step state is kept by the caller and only the
// table check lives here.
type stepFSM struct {
	observer transitionObserver
}

func newStepFSM(observer transitionObserver) *stepFSM {
	return &stepFSM{observer: observer}
}

// transition validates from -> to and fires the observer. An invalid
// transition is a programming error inside the executor, surfaced as a
// structured error rather than a panic.
func (f *stepFSM) transition(stepID string, from, to schema.StepStatus) *schema.ConduitError {
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid step transition: %s -> %s", from, to).WithStep(stepID)
	}
	if f.observer != nil {
		f.observer(stepID, from, to)
	}
	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := validStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
