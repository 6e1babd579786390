package pipeline

import "time"

// Outcome classifies how a step finished.
type Outcome int

// Step outcomes.
const (
	OutcomeOK Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is what a step handler reports back to the orchestrator.
type Result struct {
	Outcome Outcome
	// Delay is the wait before the whole run is retried. Zero uses the
	// orchestrator default.
	Delay time.Duration
	Err   error
}

// OK reports success.
func OK() Result {
	return Result{Outcome: OutcomeOK}
}

// Retryable reports a failure that consumes one retry.
func Retryable(err error, delay time.Duration) Result {
	return Result{Outcome: OutcomeRetryable, Delay: delay, Err: err}
}

// Fatal reports a failure that ends the run immediately.
func Fatal(err error) Result {
	return Result{Outcome: OutcomeFatal, Err: err}
}
