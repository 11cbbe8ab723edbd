package schema

// RunStatus represents the terminal state of a workflow run.
type RunStatus string

const (
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepStatus represents the lifecycle state of a single step invocation
// within one run. Pending and running are never observable outside the
// executor; the other four are terminal.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusFallback  StepStatus = "fallback"
	StepStatusAborted   StepStatus = "aborted"
)

// Terminal reports whether s is a terminal step status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusSkipped, StepStatusFallback, StepStatusAborted:
		return true
	}
	return false
}
