package streaming

import "context"

// StreamEvent is a real-time event emitted as executions progress.
// Type is one of the schema.Event* stream constants.
type StreamEvent struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	StepIndex   int    `json:"step_index,omitempty"`
	Type        string `json:"type"`
	Payload     any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
