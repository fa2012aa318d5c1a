package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ratchet-hq/ratchet/internal/actions"
	"github.com/ratchet-hq/ratchet/internal/condition"
	"github.com/ratchet-hq/ratchet/internal/logging"
	"github.com/ratchet-hq/ratchet/internal/store"
	"github.com/ratchet-hq/ratchet/internal/streaming"
	"github.com/ratchet-hq/ratchet/internal/variables"
	"github.com/ratchet-hq/ratchet/pkg/schema"
)

const maxOutputValueLen = 256

// Dispatcher runs one action step: condition gate, parameter resolution,
// handler invocation under the step timeout, and the audit row. It owns
// nothing about execution state; the coordinator interprets the outcome.
type Dispatcher struct {
	registry *actions.Registry
	resolver *variables.Resolver
	store    store.Store
	hub      streaming.EventHub
	logger   *slog.Logger

	// Strict makes unresolved {{path}} references a permanent failure
	// instead of rendering as "".
	Strict bool

	now func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(registry *actions.Registry, resolver *variables.Resolver, s store.Store, hub streaming.EventHub, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		resolver: resolver,
		store:    s,
		hub:      hub,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch runs the action at the execution's cursor and records the
// attempt in the audit log. attempt is 1-based.
func (d *Dispatcher) Dispatch(ctx context.Context, exec *store.Execution, act schema.Action, scope *variables.Scope, attempt int) actions.Outcome {
	ctx = logging.WithStepIndex(logging.WithIDs(ctx, exec.WorkflowID, exec.ID), act.Order)
	started := d.now().UTC()

	// Condition gate.
	if act.Condition != nil && !condition.Evaluate(act.Condition, d.resolver.LookupFunc(scope)) {
		outcome := actions.Skipped()
		d.record(ctx, exec, act, attempt, outcome, started)
		return outcome
	}

	outcome := d.invoke(ctx, exec, act, scope)
	d.record(ctx, exec, act, attempt, outcome, started)
	return outcome
}

func (d *Dispatcher) invoke(ctx context.Context, exec *store.Execution, act schema.Action, scope *variables.Scope) (outcome actions.Outcome) {
	// A panicking handler must not take the worker down; it fails the
	// step permanently.
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "action handler panicked",
				slog.String("kind", string(act.Kind)), slog.Any("panic", r))
			outcome = actions.Permanent(schema.NewErrorf(schema.ErrCodeExecution,
				"handler for %q panicked: %v", act.Kind, r).WithStep(act.Order))
		}
	}()

	if act.Params == nil {
		return actions.Permanent(schema.NewErrorf(schema.ErrCodeConfig,
			"action %q has no parameters", act.Kind).WithStep(act.Order))
	}

	resolved, err := act.Params.Resolved(d.resolver.RenderFunc(scope, d.Strict))
	if err != nil {
		return actions.Permanent(schema.NewErrorf(schema.ErrCodeConfig,
			"resolve parameters for %q", act.Kind).WithStep(act.Order).WithCause(err))
	}

	handler, err := d.registry.Get(act.Kind)
	if err != nil {
		return actions.Permanent(err)
	}

	if act.Timeout != "" {
		timeout, parseErr := time.ParseDuration(act.Timeout)
		if parseErr == nil && timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	req := actions.Request{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepIndex:   act.Order,
		Actor:       actorFromContext(exec.Context),
		Params:      resolved,
	}
	out := handler.Execute(ctx, req)
	if out.Status == actions.StatusTransient && errors.Is(out.Err, context.DeadlineExceeded) {
		out.Err = schema.NewErrorf(schema.ErrCodeTimeout,
			"action %q timed out after %s", act.Kind, act.Timeout).WithStep(act.Order).WithCause(out.Err)
	}
	return out
}

// record appends the audit row and publishes the step stream event. Audit
// failures are logged, never propagated: the outcome already happened.
func (d *Dispatcher) record(ctx context.Context, exec *store.Execution, act schema.Action, attempt int, outcome actions.Outcome, started time.Time) {
	result := &store.ActionResult{
		ExecutionID: exec.ID,
		StepIndex:   act.Order,
		Attempt:     attempt,
		Output:      redactOutput(outcome.Output),
		DurationMs:  d.now().UTC().Sub(started).Milliseconds(),
		StartedAt:   started,
	}

	var streamType string
	switch outcome.Status {
	case actions.StatusSuccess, actions.StatusJump, actions.StatusPause:
		result.Outcome = schema.OutcomeSuccess
		streamType = schema.EventStepSucceeded
	case actions.StatusSkipped:
		result.Outcome = schema.OutcomeSkipped
		streamType = schema.EventStepSkipped
	default:
		result.Outcome = schema.OutcomeError
		streamType = schema.EventStepFailed
		if outcome.Err != nil {
			result.ErrorMessage = outcome.Err.Error()
			var rErr *schema.RatchetError
			if errors.As(outcome.Err, &rErr) {
				result.ErrorCode = rErr.Code
				result.ErrorMessage = rErr.Message
			}
		}
	}

	if err := d.store.AppendActionResult(ctx, result); err != nil {
		d.logger.ErrorContext(ctx, "append action result failed",
			slog.Int("step", act.Order), slog.Int("attempt", attempt), slog.Any("error", err))
	}

	if d.hub != nil {
		_ = d.hub.Publish(ctx, streaming.StreamEvent{
			ExecutionID: exec.ID,
			WorkflowID:  exec.WorkflowID,
			StepIndex:   act.Order,
			Type:        streamType,
			Payload:     map[string]any{"kind": string(act.Kind), "attempt": attempt},
		})
	}
}

// redactOutput keeps the audit row small: scalar values only, long strings
// truncated. Full outputs live in the execution context, not the log.
func redactOutput(output map[string]any) map[string]any {
	if len(output) == 0 {
		return nil
	}
	redacted := make(map[string]any, len(output))
	for k, v := range output {
		switch t := v.(type) {
		case string:
			if len(t) > maxOutputValueLen {
				t = t[:maxOutputValueLen] + "..."
			}
			redacted[k] = t
		case bool, int, int64, float64, nil:
			redacted[k] = t
		default:
			redacted[k] = fmt.Sprintf("<%T>", v)
		}
	}
	return redacted
}

func actorFromContext(execCtx map[string]any) string {
	actor, _ := execCtx["actor"].(string)
	return actor
}
