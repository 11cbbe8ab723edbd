package engine

import "time"

// ErrorStrategy names what a workflow does with a step whose retries are
// exhausted.
type ErrorStrategy string

const (
	// StrategyAbort fails the run immediately; no further entries execute.
	StrategyAbort ErrorStrategy = "abort"
	// StrategyRetry replaces the step's retry policy for this workflow;
	// the two never compound. Exhausting the replacement aborts the run.
	StrategyRetry ErrorStrategy = "retry"
	// StrategyContinue substitutes a fallback output and proceeds.
	StrategyContinue ErrorStrategy = "continue"
)

// DefaultPolicyKey is the sentinel step id whose action applies to any step
// without an explicit policy entry.
const DefaultPolicyKey = "default"

// ErrorAction is one entry of a workflow's error-handling policy.
type ErrorAction struct {
	Strategy ErrorStrategy

	// Message overrides the underlying step error in the abort, when set.
	Message string

	// MaxRetries and RetryDelay configure the retry strategy. The delay is
	// constant between attempts.
	MaxRetries int
	RetryDelay time.Duration

	// FallbackValue is merged verbatim under the continue strategy.
	// FallbackFunc, when set, takes precedence and computes the substitute
	// from the run context and the original initial input.
	FallbackValue map[string]any
	FallbackFunc  FallbackFunc
}

// ErrorPolicy maps step ids (or DefaultPolicyKey) to the action taken when
// that step exhausts its retries.
type ErrorPolicy map[string]ErrorAction

// Abort builds an abort action. An empty message keeps the underlying step
// error as the abort reason.
func Abort(message string) ErrorAction {
	return ErrorAction{Strategy: StrategyAbort, Message: message}
}

// RetryTimes builds a retry action with a constant delay between attempts.
func RetryTimes(maxRetries int, delay time.Duration) ErrorAction {
	return ErrorAction{Strategy: StrategyRetry, MaxRetries: maxRetries, RetryDelay: delay}
}

// ContinueWith builds a continue action substituting a literal value.
func ContinueWith(fallback map[string]any) ErrorAction {
	return ErrorAction{Strategy: StrategyContinue, FallbackValue: fallback}
}

// ContinueFunc builds a continue action whose substitute is computed at
// failure time.
func ContinueFunc(fn FallbackFunc) ErrorAction {
	return ErrorAction{Strategy: StrategyContinue, FallbackFunc: fn}
}

// actionFor resolves the action for a step: explicit entry first, then the
// default entry. The second result is false when neither exists, in which
// case an exhausted step aborts the run.
func (p ErrorPolicy) actionFor(stepID string) (ErrorAction, bool) {
	if p == nil {
		return ErrorAction{}, false
	}
	if a, ok := p[stepID]; ok {
		return a, true
	}
	a, ok := p[DefaultPolicyKey]
	return a, ok
}

// retryOverride returns the retry policy the action imposes, replacing the
// step-level policy for this run. Only retry actions override.
func (a ErrorAction) retryOverride() (RetryPolicy, bool) {
	if a.Strategy != StrategyRetry {
		return RetryPolicy{}, false
	}
	return RetryPolicy{
		MaxRetries:    a.MaxRetries,
		InitialDelay:  a.RetryDelay,
		BackoffFactor: 1,
	}, true
}
