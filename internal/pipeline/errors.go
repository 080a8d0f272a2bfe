package pipeline

import "errors"

// Upstream reference failures are hard failures: the stage refuses to run
// and persists nothing, rather than correlating against a partial record.
var (
	ErrTriageNotFound          = errors.New("source triage not found")
	ErrTriageNotCompleted      = errors.New("source triage is not completed")
	ErrCorrelationNotFound     = errors.New("correlation bundle not found")
	ErrCorrelationNotCompleted = errors.New("correlation bundle is not completed")
	ErrCaseNotFound            = errors.New("case not found")
)

// ErrInvalidCaseTransition marks an analyst override the state machine
// rejects (terminal case, same status, or unknown target).
var ErrInvalidCaseTransition = errors.New("invalid case transition")

// ErrProviderTransient marks a model-provider failure (timeout, rate limit,
// upstream 5xx) that is worth exactly one bounded retry. Providers wrap
// retryable errors with this sentinel; everything else is permanent.
var ErrProviderTransient = errors.New("transient provider failure")
