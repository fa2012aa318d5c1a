package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ratchet-hq/ratchet/internal/condition"
	"github.com/ratchet-hq/ratchet/internal/logging"
	"github.com/ratchet-hq/ratchet/internal/store"
	"github.com/ratchet-hq/ratchet/internal/streaming"
	"github.com/ratchet-hq/ratchet/internal/variables"
	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// Submission statuses reported back to the event submitter.
const (
	SubmissionAccepted     = "accepted"
	SubmissionDeduplicated = "deduplicated"
)

// Submission is the per-trigger outcome of submitting an event or tick.
type Submission struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	TriggerID   string `json:"trigger_id,omitempty"`
	Status      string `json:"status"`
}

// DefaultMaxDepth bounds trigger chains: an execution whose actions emit
// events may start further executions, but never deeper than this.
const DefaultMaxDepth = 5

// Matcher turns domain events, schedule ticks and manual requests into
// pending executions. It never runs actions itself; created executions are
// picked up by workers through the claim queue.
type Matcher struct {
	store    store.Store
	resolver *variables.Resolver
	hub      streaming.EventHub
	logger   *slog.Logger
	maxDepth int
	now      func() time.Time
}

// NewMatcher creates a Matcher. maxDepth <= 0 falls back to DefaultMaxDepth.
func NewMatcher(s store.Store, resolver *variables.Resolver, hub streaming.EventHub, logger *slog.Logger, maxDepth int) *Matcher {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Matcher{
		store:    s,
		resolver: resolver,
		hub:      hub,
		logger:   logger,
		maxDepth: maxDepth,
		now:      time.Now,
	}
}

// SubmitEvent matches a domain event against all event triggers for its
// type and creates one execution per matching trigger. Duplicate source
// events (same trigger, same source_event_id) come back as deduplicated
// instead of starting a second run.
func (m *Matcher) SubmitEvent(ctx context.Context, ev *schema.DomainEvent) ([]Submission, error) {
	if ev.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event type is required")
	}
	if ev.Depth >= m.maxDepth {
		return nil, schema.NewErrorf(schema.ErrCodeMaxDepth,
			"event %q rejected at depth %d (max %d)", ev.Type, ev.Depth, m.maxDepth)
	}

	triggers, err := m.store.ListEventTriggers(ctx, ev.Type)
	if err != nil {
		return nil, err
	}

	scope := &variables.Scope{EventType: ev.Type, Event: ev.Payload}
	lookup := m.resolver.LookupFunc(scope)

	var submissions []Submission
	for _, trg := range triggers {
		wf, err := m.store.GetWorkflow(ctx, trg.WorkflowID)
		if err != nil {
			m.logger.WarnContext(ctx, "trigger references missing workflow",
				slog.String("trigger_id", trg.ID), slog.String("workflow_id", trg.WorkflowID))
			continue
		}
		if wf.Status != schema.WorkflowStatusActive {
			continue
		}
		if !scopeMatches(wf.Scope, ev.Entity) {
			continue
		}
		if !condition.Evaluate(trg.Condition, lookup) {
			continue
		}

		// Without a delivery id there is nothing to deduplicate on; each
		// submission gets a fresh key instead of colliding with every other
		// id-less event of the same type.
		key := "event:" + uuid.NewString()
		if ev.SourceEventID != "" {
			key = deterministicKey(trg.ID, ev.SourceEventID)
		}
		sub, err := m.create(ctx, wf, trg, key, ev.Depth, initialContext(ev.Type, ev.Payload, ev.Actor, wf.Constants, nil))
		if err != nil {
			return submissions, err
		}
		submissions = append(submissions, *sub)
	}
	return submissions, nil
}

// SubmitTick creates an execution for one schedule trigger firing. The
// idempotency key is derived from the trigger and the fire time, so a tick
// replayed after a crash does not double-fire.
func (m *Matcher) SubmitTick(ctx context.Context, trg *schema.Trigger, fireTime time.Time) (*Submission, error) {
	if trg.Kind != schema.TriggerKindSchedule {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "trigger %q is not a schedule trigger", trg.ID)
	}
	wf, err := m.store.GetWorkflow(ctx, trg.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != schema.WorkflowStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "workflow %q is not active", wf.ID)
	}

	fired := fireTime.UTC()
	key := deterministicKey(trg.ID, fired.Format(time.RFC3339))
	payload := map[string]any{"fired_at": fired.Format(time.RFC3339)}
	return m.create(ctx, wf, trg, key, 0, initialContext("schedule.tick", payload, "", wf.Constants, nil))
}

// RunWorkflow starts an execution on demand, outside any trigger. Manual
// runs are never deduplicated.
func (m *Matcher) RunWorkflow(ctx context.Context, workflowID, actor string, vars map[string]any) (*Submission, error) {
	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	// A run against a draft or inactive workflow is a state conflict, not a
	// malformed request.
	if wf.Status != schema.WorkflowStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "workflow %q is not active", wf.ID)
	}

	key := "manual:" + uuid.NewString()
	payload := map[string]any{"requested_by": actor}
	return m.create(ctx, wf, nil, key, 0, initialContext("manual.run", payload, actor, wf.Constants, vars))
}

func (m *Matcher) create(ctx context.Context, wf *schema.Workflow, trg *schema.Trigger, key string, depth int, execCtx map[string]any) (*Submission, error) {
	plan, err := m.store.GetPlan(ctx, wf.ID)
	if err != nil {
		return nil, err
	}

	exec := &store.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		IdempotencyKey: key,
		Plan:           *plan,
		Status:         schema.ExecutionStatusPending,
		Context:        execCtx,
		Depth:          depth,
		CreatedAt:      m.now().UTC(),
	}
	if trg != nil {
		exec.TriggerID = trg.ID
	}

	logCtx := logging.WithIDs(ctx, wf.ID, exec.ID)
	if err := m.store.CreateExecution(ctx, exec); err != nil {
		var rErr *schema.RatchetError
		if errors.As(err, &rErr) && rErr.Code == schema.ErrCodeDuplicate {
			m.logger.InfoContext(logCtx, "execution deduplicated", slog.String("idempotency_key", key))
			m.publish(ctx, exec, schema.EventExecutionDeduplicated)
			return &Submission{WorkflowID: wf.ID, TriggerID: exec.TriggerID, Status: SubmissionDeduplicated}, nil
		}
		return nil, err
	}

	m.logger.InfoContext(logCtx, "execution created",
		slog.String("trigger_id", exec.TriggerID), slog.Int("depth", depth))
	m.publish(ctx, exec, schema.EventExecutionCreated)
	return &Submission{ExecutionID: exec.ID, WorkflowID: wf.ID, TriggerID: exec.TriggerID, Status: SubmissionAccepted}, nil
}

func (m *Matcher) publish(ctx context.Context, exec *store.Execution, eventType string) {
	if m.hub == nil {
		return
	}
	_ = m.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Type:        eventType,
	})
}

// scopeMatches reports whether an entity-bound workflow applies to the
// event's entity. Global workflows match everything.
func scopeMatches(s schema.Scope, entity schema.EntityRef) bool {
	if s.Kind != schema.ScopeEntity {
		return true
	}
	if s.EntityType != "" && s.EntityType != entity.Type {
		return false
	}
	if s.EntityID != "" && s.EntityID != entity.ID {
		return false
	}
	return true
}

// deterministicKey hashes its parts into a stable idempotency key.
func deterministicKey(parts ...string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// initialContext builds the execution context an execution starts with:
// the triggering payload, the actor, merged workflow constants and manual
// variables, and an empty step-output map.
func initialContext(eventType string, payload map[string]any, actor string, constants, vars map[string]any) map[string]any {
	merged := make(map[string]any, len(constants)+len(vars))
	for k, v := range constants {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	execCtx := map[string]any{
		"event_type": eventType,
		"vars":       merged,
		"steps":      map[string]any{},
	}
	if payload != nil {
		execCtx["event"] = payload
	}
	if actor != "" {
		execCtx["actor"] = actor
	}
	return execCtx
}
