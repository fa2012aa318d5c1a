package engine

import (
	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// ValidExecutionTransitions defines the allowed state transitions for
// executions. Terminal states admit nothing; waiting states only re-enter
// running through a claim or get cancelled.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:      {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusRunning:      {schema.ExecutionStatusWaitingRetry, schema.ExecutionStatusWaitingDelay, schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusWaitingRetry: {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusWaitingDelay: {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusCompleted:    {},
	schema.ExecutionStatusFailed:       {},
	schema.ExecutionStatusCancelled:    {},
}

// CanTransition reports whether from -> to is an allowed execution transition.
func CanTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// GuardTransition validates from -> to and returns a typed error when the
// transition is not allowed.
func GuardTransition(executionID string, from, to schema.ExecutionStatus) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	return nil
}

// ExecutionEvent maps a target status to the stream event emitted on entry,
// or "" when no event corresponds.
func ExecutionEvent(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusWaitingRetry:
		return schema.EventExecutionWaitingRetry
	case schema.ExecutionStatusWaitingDelay:
		return schema.EventExecutionWaitingDelay
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}
