package validation

import (
	"time"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// WorkflowDocument is the wire form of a workflow save request: the
// definition plus its triggers and actions in one document.
type WorkflowDocument struct {
	ID            string                `json:"id,omitempty"`
	Name          string                `json:"name"`
	Scope         schema.Scope          `json:"scope,omitempty"`
	Status        schema.WorkflowStatus `json:"status,omitempty"`
	Priority      int                   `json:"priority,omitempty"`
	MaxConcurrent int                   `json:"max_concurrent_executions,omitempty"`
	Constants     map[string]any        `json:"constants,omitempty"`
	CreatedBy     string                `json:"created_by,omitempty"`
	Triggers      []schema.Trigger      `json:"triggers,omitempty"`
	Actions       []schema.Action       `json:"actions"`
}

// Materialize converts a validated document into the model triple handed
// to the store.
func (d *WorkflowDocument) Materialize(now time.Time) (*schema.Workflow, []schema.Trigger, []schema.Action) {
	status := d.Status
	if status == "" {
		status = schema.WorkflowStatusDraft
	}
	scope := d.Scope
	if scope.Kind == "" {
		scope.Kind = schema.ScopeGlobal
	}
	wf := &schema.Workflow{
		ID:            d.ID,
		Name:          d.Name,
		Scope:         scope,
		Status:        status,
		Priority:      d.Priority,
		MaxConcurrent: d.MaxConcurrent,
		Constants:     d.Constants,
		CreatedBy:     d.CreatedBy,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
	return wf, d.Triggers, d.Actions
}

// Validator checks workflow documents for correctness at save time.
// Validation is two-layered: the JSON Schema gate rejects malformed
// documents before decoding semantics, then the semantic checks enforce
// what a schema cannot express (contiguous orders, forward branches,
// parseable cron expressions, the closed condition grammar).
type Validator interface {
	ValidateDocument(raw []byte) error
	ValidateWorkflow(doc *WorkflowDocument) error
}
