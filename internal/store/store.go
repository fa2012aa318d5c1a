package store

import (
	"context"
	"time"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (written by the management surface, read by the engine)
	SaveWorkflow(ctx context.Context, wf *schema.Workflow, triggers []schema.Trigger, actions []schema.Action) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	SetWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error
	GetPlan(ctx context.Context, workflowID string) (*schema.Plan, error)
	GetTrigger(ctx context.Context, id string) (*schema.Trigger, error)
	ListEventTriggers(ctx context.Context, eventType string) ([]*schema.Trigger, error)
	ListDueScheduleTriggers(ctx context.Context, now time.Time) ([]*schema.Trigger, error)
	SetTriggerNextFire(ctx context.Context, triggerID string, at time.Time) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error // ErrCodeDuplicate on idempotency key collision
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	ClaimExecutions(ctx context.Context, workerID string, limit int, leaseTTL time.Duration, now time.Time) ([]*Execution, error)
	UpdateExecution(ctx context.Context, id string, expectedVersion int64, update ExecutionUpdate) error // ErrCodeConflict on version mismatch
	RequestCancel(ctx context.Context, id string) error

	// Audit log (append-only)
	AppendActionResult(ctx context.Context, result *ActionResult) error
	ListActionResults(ctx context.Context, executionID string) ([]*ActionResult, error)

	// Secrets (webhook shared secrets, encrypted by the vault)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
