package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ratchet-hq/ratchet/internal/store"
	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// fakeStore is an in-memory store.Store shared by the engine tests. It
// honors the same contract the real store does: duplicate idempotency keys,
// optimistic version checks, and lease-based claiming.
type fakeStore struct {
	mu        sync.Mutex
	workflows map[string]*schema.Workflow
	plans     map[string]*schema.Plan
	triggers  map[string]*schema.Trigger
	execs     map[string]*store.Execution
	byKey     map[string]string
	results   []*store.ActionResult
	secrets   map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflows: make(map[string]*schema.Workflow),
		plans:     make(map[string]*schema.Plan),
		triggers:  make(map[string]*schema.Trigger),
		execs:     make(map[string]*store.Execution),
		byKey:     make(map[string]string),
		secrets:   make(map[string][]byte),
	}
}

// addWorkflow seeds a workflow with its plan and triggers.
func (f *fakeStore) addWorkflow(wf *schema.Workflow, acts []schema.Action, triggers ...*schema.Trigger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows[wf.ID] = wf
	f.plans[wf.ID] = &schema.Plan{
		WorkflowID:    wf.ID,
		WorkflowName:  wf.Name,
		MaxConcurrent: wf.MaxConcurrent,
		Constants:     wf.Constants,
		Actions:       acts,
	}
	for _, trg := range triggers {
		trg.WorkflowID = wf.ID
		f.triggers[trg.ID] = trg
	}
}

func (f *fakeStore) SaveWorkflow(_ context.Context, wf *schema.Workflow, triggers []schema.Trigger, acts []schema.Action) error {
	trgs := make([]*schema.Trigger, len(triggers))
	for i := range triggers {
		trgs[i] = &triggers[i]
	}
	f.addWorkflow(wf, acts, trgs...)
	return nil
}

func (f *fakeStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return wf, nil
}

func (f *fakeStore) SetWorkflowStatus(_ context.Context, id string, status schema.WorkflowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	wf.Status = status
	return nil
}

func (f *fakeStore) GetPlan(_ context.Context, workflowID string) (*schema.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plan, ok := f.plans[workflowID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plan for workflow %q not found", workflowID)
	}
	return plan, nil
}

func (f *fakeStore) GetTrigger(_ context.Context, id string) (*schema.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	trg, ok := f.triggers[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "trigger %q not found", id)
	}
	return trg, nil
}

func (f *fakeStore) ListEventTriggers(_ context.Context, eventType string) ([]*schema.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*schema.Trigger
	for _, trg := range f.triggers {
		eventMatch := trg.Kind == schema.TriggerKindEvent && trg.EventType == eventType
		webhookMatch := trg.Kind == schema.TriggerKindWebhook && "webhook."+trg.EventType == eventType
		if eventMatch || webhookMatch {
			out = append(out, trg)
		}
	}
	return out, nil
}

func (f *fakeStore) ListDueScheduleTriggers(_ context.Context, now time.Time) ([]*schema.Trigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*schema.Trigger
	for _, trg := range f.triggers {
		if trg.Kind == schema.TriggerKindSchedule && trg.NextFireAt != nil && !trg.NextFireAt.After(now) {
			out = append(out, trg)
		}
	}
	return out, nil
}

func (f *fakeStore) SetTriggerNextFire(_ context.Context, triggerID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	trg, ok := f.triggers[triggerID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "trigger %q not found", triggerID)
	}
	trg.NextFireAt = &at
	return nil
}

func (f *fakeStore) CreateExecution(_ context.Context, exec *store.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byKey[exec.IdempotencyKey]; exists {
		return schema.NewErrorf(schema.ErrCodeDuplicate, "idempotency key already used")
	}
	cp := *exec
	cp.Version = 1
	f.execs[cp.ID] = &cp
	f.byKey[cp.IdempotencyKey] = cp.ID
	return nil
}

func (f *fakeStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	cp := *exec
	return &cp, nil
}

func (f *fakeStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Execution
	for _, exec := range f.execs {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) ClaimExecutions(_ context.Context, workerID string, limit int, leaseTTL time.Duration, now time.Time) ([]*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed []*store.Execution
	for _, exec := range f.execs {
		if len(claimed) >= limit {
			break
		}
		due := exec.ResumeAt != nil && !exec.ResumeAt.After(now)
		expired := exec.LeaseExpiresAt != nil && exec.LeaseExpiresAt.Before(now)
		claimable := exec.Status == schema.ExecutionStatusPending ||
			((exec.Status == schema.ExecutionStatusWaitingRetry || exec.Status == schema.ExecutionStatusWaitingDelay) && due) ||
			(exec.Status == schema.ExecutionStatusRunning && expired)
		if !claimable {
			continue
		}
		exec.Status = schema.ExecutionStatusRunning
		exec.LeaseToken = workerID + ":" + uuid.NewString()
		expiry := now.Add(leaseTTL)
		exec.LeaseExpiresAt = &expiry
		if exec.StartedAt == nil {
			started := now
			exec.StartedAt = &started
		}
		exec.Version++
		cp := *exec
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (f *fakeStore) UpdateExecution(_ context.Context, id string, expectedVersion int64, update store.ExecutionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if exec.Version != expectedVersion {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"version mismatch: have %d, expected %d", exec.Version, expectedVersion)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Cursor != nil {
		exec.Cursor = *update.Cursor
	}
	if update.Context != nil {
		exec.Context = update.Context
	}
	if update.AttemptCount != nil {
		exec.AttemptCount = *update.AttemptCount
	}
	if update.ResumeAt != nil {
		exec.ResumeAt = update.ResumeAt
	}
	if update.ClearResumeAt {
		exec.ResumeAt = nil
	}
	if update.ReleaseLease {
		exec.LeaseToken = ""
		exec.LeaseExpiresAt = nil
	}
	if update.FailureReason != nil {
		exec.FailureReason = *update.FailureReason
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
	exec.Version++
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeStore) RequestCancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	switch exec.Status {
	case schema.ExecutionStatusPending, schema.ExecutionStatusWaitingRetry, schema.ExecutionStatusWaitingDelay:
		exec.Status = schema.ExecutionStatusCancelled
	case schema.ExecutionStatusRunning:
		exec.CancelRequested = true
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %q is terminal", id)
	}
	exec.Version++
	return nil
}

func (f *fakeStore) AppendActionResult(_ context.Context, result *store.ActionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *result
	cp.ID = int64(len(f.results) + 1)
	f.results = append(f.results, &cp)
	return nil
}

func (f *fakeStore) ListActionResults(_ context.Context, executionID string) ([]*store.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.ActionResult
	for _, r := range f.results {
		if r.ExecutionID == executionID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) StoreSecret(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.secrets[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (f *fakeStore) DeleteSecret(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.secrets, key)
	return nil
}

func (f *fakeStore) ListSecrets(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.secrets))
	for k := range f.secrets {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeStore) Migrate(context.Context) error { return nil }

func (f *fakeStore) Close() error { return nil }

// executions returns a snapshot of all stored executions.
func (f *fakeStore) executions() []*store.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Execution, 0, len(f.execs))
	for _, exec := range f.execs {
		cp := *exec
		out = append(out, &cp)
	}
	return out
}
