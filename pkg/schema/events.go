package schema

import (
	"bytes"
	"encoding/json"
)

// Stream event type constants emitted on execution transitions.
const (
	EventExecutionCreated      = "execution_created"
	EventExecutionStarted      = "execution_started"
	EventExecutionCompleted    = "execution_completed"
	EventExecutionFailed       = "execution_failed"
	EventExecutionCancelled    = "execution_cancelled"
	EventExecutionWaitingDelay = "execution_waiting_delay"
	EventExecutionWaitingRetry = "execution_waiting_retry"
	EventExecutionResumed      = "execution_resumed"
	EventExecutionDeduplicated = "execution_deduplicated"

	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
)

func strictUnmarshal(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
