package schema

import "time"

// WorkflowStatus enumerates the lifecycle states of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusInactive WorkflowStatus = "inactive"
)

// ExecutionStatus enumerates the states of a single workflow run.
type ExecutionStatus string

const (
	ExecutionStatusPending      ExecutionStatus = "pending"
	ExecutionStatusRunning      ExecutionStatus = "running"
	ExecutionStatusWaitingRetry ExecutionStatus = "waiting_retry"
	ExecutionStatusWaitingDelay ExecutionStatus = "waiting_delay"
	ExecutionStatusCompleted    ExecutionStatus = "completed"
	ExecutionStatusFailed       ExecutionStatus = "failed"
	ExecutionStatusCancelled    ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// TriggerKind enumerates how an execution can be started.
type TriggerKind string

const (
	TriggerKindEvent    TriggerKind = "event"
	TriggerKindSchedule TriggerKind = "schedule"
	TriggerKindManual   TriggerKind = "manual"
	TriggerKindWebhook  TriggerKind = "webhook"
)

// Outcome enumerates the result of one action step attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// ScopeKind distinguishes global workflows from entity-bound ones.
type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeEntity ScopeKind = "entity"
)

// Scope binds a workflow either globally or to one entity.
type Scope struct {
	Kind       ScopeKind `json:"kind"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
}

// Workflow is a rule set owned by a tenant: triggers decide when it runs,
// actions decide what it does. Mutated only through the management surface;
// the engine treats it as read-only.
type Workflow struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Scope         Scope          `json:"scope"`
	Status        WorkflowStatus `json:"status"`
	Priority      int            `json:"priority"`
	MaxConcurrent int            `json:"max_concurrent_executions"` // 0 = unlimited
	Constants     map[string]any `json:"constants,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Trigger decides, from an event or a schedule, whether its workflow starts.
// Immutable once referenced by an execution; edits bump Version.
type Trigger struct {
	ID         string      `json:"id"`
	WorkflowID string      `json:"workflow_id"`
	Kind       TriggerKind `json:"kind"`
	EventType  string      `json:"event_type,omitempty"` // kind=event
	Condition  *Condition  `json:"condition,omitempty"`  // kind=event
	Cron       string      `json:"cron,omitempty"`       // kind=schedule
	Version    int         `json:"version"`
	NextFireAt *time.Time  `json:"next_fire_at,omitempty"`
}

// Action is one ordered, typed step of a workflow. Orders are contiguous
// from 0 within a workflow; that invariant is enforced at save time.
type Action struct {
	ID              string       `json:"id"`
	WorkflowID      string       `json:"workflow_id"`
	Order           int          `json:"order"`
	Kind            ActionKind   `json:"kind"`
	Params          ActionParams `json:"-"`
	Condition       *Condition   `json:"condition,omitempty"`
	ContinueOnError bool         `json:"continue_on_error,omitempty"`
	Timeout         string       `json:"timeout,omitempty"` // per-step handler timeout, e.g. "30s"
}

// Plan is the immutable snapshot of a workflow's action list taken when an
// execution is created, so mid-run edits never affect a run in flight.
type Plan struct {
	WorkflowID    string         `json:"workflow_id"`
	WorkflowName  string         `json:"workflow_name"`
	MaxConcurrent int            `json:"max_concurrent_executions"`
	Constants     map[string]any `json:"constants,omitempty"`
	Actions       []Action       `json:"actions"`
}

// EntityRef addresses a business entity in a collaborating subsystem.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// DomainEvent is the engine's ingress unit: something happened to an entity.
type DomainEvent struct {
	Type          string         `json:"type"`
	Entity        EntityRef      `json:"entity_ref"`
	Payload       map[string]any `json:"payload"`
	Actor         string         `json:"actor,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	SourceEventID string         `json:"source_event_id"`

	// Depth counts how many executions deep this event originated, so a
	// workflow whose actions emit events cannot re-trigger itself forever.
	Depth int `json:"depth,omitempty"`
}
