package store

import (
	"time"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// Execution is one run of a workflow's action sequence: created by the
// trigger matcher, mutated exclusively by the execution coordinator, and
// immutable once terminal.
type Execution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	TriggerID       string                 `json:"trigger_id,omitempty"`
	IdempotencyKey  string                 `json:"idempotency_key"`
	Plan            schema.Plan            `json:"plan"` // snapshot of the action list at creation
	Status          schema.ExecutionStatus `json:"status"`
	Cursor          int                    `json:"cursor"`
	Context         map[string]any         `json:"context"`
	AttemptCount    int                    `json:"attempt_count"`
	ResumeAt        *time.Time             `json:"resume_at,omitempty"`
	CancelRequested bool                   `json:"cancel_requested,omitempty"`
	Depth           int                    `json:"depth"`
	LeaseToken      string                 `json:"lease_token,omitempty"`
	LeaseExpiresAt  *time.Time             `json:"lease_expires_at,omitempty"`
	Version         int64                  `json:"version"`
	FailureReason   string                 `json:"failure_reason,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// ActionResult is one row per (execution, step index, attempt). Rows are
// only ever inserted; together they form the audit trail.
type ActionResult struct {
	ID           int64          `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	StepIndex    int            `json:"step_index"`
	Attempt      int            `json:"attempt"`
	Outcome      schema.Outcome `json:"outcome"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Output       map[string]any `json:"output,omitempty"` // redacted summary
	DurationMs   int64          `json:"duration_ms"`
	StartedAt    time.Time      `json:"started_at"`
}

// ExecutionUpdate specifies the mutable fields of an execution. Every
// update is applied under an optimistic version check.
type ExecutionUpdate struct {
	Status       *schema.ExecutionStatus
	Cursor       *int
	Context      map[string]any
	AttemptCount *int

	// ResumeAt is set when non-nil; ClearResumeAt nulls the column.
	ResumeAt      *time.Time
	ClearResumeAt bool

	// ReleaseLease frees the worker's claim (pause, retry wait, terminal).
	ReleaseLease bool

	FailureReason *string
	CompletedAt   *time.Time
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string
	Status     *schema.ExecutionStatus
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}
