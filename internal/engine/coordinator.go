package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/ratchet-hq/ratchet/internal/actions"
	"github.com/ratchet-hq/ratchet/internal/logging"
	"github.com/ratchet-hq/ratchet/internal/store"
	"github.com/ratchet-hq/ratchet/internal/streaming"
	"github.com/ratchet-hq/ratchet/internal/variables"
	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// Coordinator advances one claimed execution through its plan. It is the
// only writer of execution state while the lease is held; every persist
// goes through the store's version check, so a lost lease surfaces as a
// conflict instead of a double write.
type Coordinator struct {
	store      store.Store
	dispatcher *Dispatcher
	hub        streaming.EventHub
	retry      Policy
	logger     *slog.Logger
	now        func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(s store.Store, dispatcher *Dispatcher, hub streaming.EventHub, retry Policy, logger *slog.Logger) *Coordinator {
	if retry.MaxAttempts <= 0 {
		retry = DefaultPolicy()
	}
	return &Coordinator{
		store:      s,
		dispatcher: dispatcher,
		hub:        hub,
		retry:      retry,
		logger:     logger,
		now:        time.Now,
	}
}

// Advance runs the execution from its cursor until it completes, fails,
// pauses, or schedules a retry. The execution must have been claimed by
// the caller and be in the running state.
func (c *Coordinator) Advance(ctx context.Context, exec *store.Execution) error {
	logCtx := logging.WithIDs(ctx, exec.WorkflowID, exec.ID)

	version := exec.Version
	cursor := exec.Cursor
	attempts := exec.AttemptCount
	execCtx := exec.Context
	if execCtx == nil {
		execCtx = map[string]any{}
	}

	if cursor == 0 && attempts == 0 {
		c.publish(ctx, exec, 0, schema.EventExecutionStarted)
	} else {
		c.publish(ctx, exec, cursor, schema.EventExecutionResumed)
	}

	for {
		if err := ctx.Err(); err != nil {
			// Worker shutdown mid-run. The row stays running; the lease
			// expires and another worker reclaims it.
			return err
		}

		// Cancellation is cooperative: the flag is re-read between steps,
		// never mid-handler. RequestCancel bumps the version, so adopt the
		// fresh one.
		fresh, err := c.store.GetExecution(ctx, exec.ID)
		if err != nil {
			return err
		}
		version = fresh.Version
		if fresh.CancelRequested {
			return c.finish(logCtx, exec, version, cursor, schema.ExecutionStatusCancelled, "cancel requested")
		}

		if cursor >= len(exec.Plan.Actions) {
			return c.finish(logCtx, exec, version, cursor, schema.ExecutionStatusCompleted, "")
		}

		act := exec.Plan.Actions[cursor]
		scope := scopeFromContext(execCtx)
		outcome := c.dispatcher.Dispatch(ctx, exec, act, scope, attempts+1)

		switch outcome.Status {
		case actions.StatusSkipped:
			cursor++
			attempts = 0

		case actions.StatusSuccess:
			setStepOutput(execCtx, act.Order, outcome.Output)
			cursor++
			attempts = 0

		case actions.StatusJump:
			cursor = outcome.Target
			attempts = 0

		case actions.StatusPause:
			// The delay step itself is done; the execution resumes at the
			// next step once the persisted resume time passes.
			cursor++
			next := cursor
			resumeAt := outcome.ResumeAt.UTC()
			zero := 0
			status := schema.ExecutionStatusWaitingDelay
			if _, err := c.persist(ctx, exec.ID, version, store.ExecutionUpdate{
				Status:       &status,
				Cursor:       &next,
				Context:      execCtx,
				AttemptCount: &zero,
				ResumeAt:     &resumeAt,
				ReleaseLease: true,
			}); err != nil {
				return err
			}
			c.logger.InfoContext(logCtx, "execution paused",
				slog.Int("cursor", next), slog.Time("resume_at", resumeAt))
			c.publish(ctx, exec, act.Order, schema.EventExecutionWaitingDelay)
			return nil

		case actions.StatusTransient:
			attempts++
			if c.retry.Exhausted(attempts) {
				// continue_on_error only applies once the step is out of
				// retries; transient failures with attempts left always wait.
				if act.ContinueOnError {
					c.logger.WarnContext(logCtx, "step retries exhausted, continuing",
						slog.Int("step", act.Order), slog.Any("error", outcome.Err))
					cursor++
					attempts = 0
					break
				}
				reason := failureReason(schema.ErrCodeRetryExhausted, act.Order, outcome.Err)
				return c.finish(logCtx, exec, version, cursor, schema.ExecutionStatusFailed, reason)
			}
			delay := c.retry.NextDelay(attempts)
			resumeAt := c.now().UTC().Add(delay)
			status := schema.ExecutionStatusWaitingRetry
			if _, err := c.persist(ctx, exec.ID, version, store.ExecutionUpdate{
				Status:       &status,
				Cursor:       &cursor,
				Context:      execCtx,
				AttemptCount: &attempts,
				ResumeAt:     &resumeAt,
				ReleaseLease: true,
			}); err != nil {
				return err
			}
			c.logger.WarnContext(logCtx, "step failed, retry scheduled",
				slog.Int("step", act.Order), slog.Int("attempt", attempts),
				slog.Duration("delay", delay), slog.Any("error", outcome.Err))
			c.publish(ctx, exec, act.Order, schema.EventExecutionWaitingRetry)
			return nil

		case actions.StatusPermanent:
			if act.ContinueOnError {
				c.logger.WarnContext(logCtx, "step failed permanently, continuing",
					slog.Int("step", act.Order), slog.Any("error", outcome.Err))
				cursor++
				attempts = 0
				break
			}
			reason := failureReason("", act.Order, outcome.Err)
			return c.finish(logCtx, exec, version, cursor, schema.ExecutionStatusFailed, reason)

		default:
			reason := failureReason(schema.ErrCodeExecution, act.Order, outcome.Err)
			return c.finish(logCtx, exec, version, cursor, schema.ExecutionStatusFailed, reason)
		}

		// Progress persists after every step so a crash resumes exactly
		// where it stopped, never re-running completed steps.
		zero := 0
		next, err := c.persist(ctx, exec.ID, version, store.ExecutionUpdate{
			Cursor:       &cursor,
			Context:      execCtx,
			AttemptCount: &zero,
		})
		if err != nil {
			return err
		}
		version = next
		attempts = 0
	}
}

func (c *Coordinator) finish(ctx context.Context, exec *store.Execution, version int64, cursor int, status schema.ExecutionStatus, reason string) error {
	if err := GuardTransition(exec.ID, schema.ExecutionStatusRunning, status); err != nil {
		return err
	}

	completedAt := c.now().UTC()
	update := store.ExecutionUpdate{
		Status:        &status,
		Cursor:        &cursor,
		CompletedAt:   &completedAt,
		ClearResumeAt: true,
		ReleaseLease:  true,
	}
	if reason != "" {
		update.FailureReason = &reason
	}
	if _, err := c.persist(ctx, exec.ID, version, update); err != nil {
		return err
	}

	switch status {
	case schema.ExecutionStatusCompleted:
		c.logger.InfoContext(ctx, "execution completed", slog.Int("steps", cursor))
	case schema.ExecutionStatusCancelled:
		c.logger.InfoContext(ctx, "execution cancelled", slog.Int("cursor", cursor))
	default:
		c.logger.ErrorContext(ctx, "execution failed", slog.String("reason", reason))
	}
	c.publish(ctx, exec, cursor, ExecutionEvent(status))
	return nil
}

// persist applies an update under the version check and returns the version
// after the write. A conflict caused by a concurrent cancel request (which
// only bumps the version to invalidate stale writers) is resolved by
// re-applying on top; the cancel flag is then honored on the next loop
// iteration. Any other conflict means the lease expired and the row was
// reclaimed, so the coordinator must stop.
func (c *Coordinator) persist(ctx context.Context, id string, version int64, update store.ExecutionUpdate) (int64, error) {
	err := c.store.UpdateExecution(ctx, id, version, update)
	if err == nil {
		return version + 1, nil
	}
	var rErr *schema.RatchetError
	if errors.As(err, &rErr) && rErr.Code == schema.ErrCodeConflict {
		fresh, gerr := c.store.GetExecution(ctx, id)
		if gerr == nil && fresh.CancelRequested && fresh.Status == schema.ExecutionStatusRunning {
			if retryErr := c.store.UpdateExecution(ctx, id, fresh.Version, update); retryErr == nil {
				return fresh.Version + 1, nil
			}
		}
		c.logger.WarnContext(ctx, "lost execution ownership", slog.String("execution_id", id))
	}
	return 0, err
}

func (c *Coordinator) publish(ctx context.Context, exec *store.Execution, stepIndex int, eventType string) {
	if c.hub == nil || eventType == "" {
		return
	}
	_ = c.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepIndex:   stepIndex,
		Type:        eventType,
	})
}

func failureReason(code string, step int, err error) string {
	if code == "" {
		code = schema.ErrCodePermanent
		var rErr *schema.RatchetError
		if errors.As(err, &rErr) {
			code = rErr.Code
		}
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return "[" + code + "] step " + strconv.Itoa(step) + ": " + msg
}

// scopeFromContext projects the persisted execution context into the
// variable resolution scope. Step outputs round-trip through JSON, so
// their keys arrive as strings and are re-indexed here.
func scopeFromContext(execCtx map[string]any) *variables.Scope {
	scope := &variables.Scope{
		Steps: map[int]map[string]any{},
	}
	scope.EventType, _ = execCtx["event_type"].(string)
	scope.Event, _ = execCtx["event"].(map[string]any)
	scope.Vars, _ = execCtx["vars"].(map[string]any)

	if steps, ok := execCtx["steps"].(map[string]any); ok {
		for k, v := range steps {
			idx, err := strconv.Atoi(k)
			if err != nil {
				continue
			}
			if out, ok := v.(map[string]any); ok {
				scope.Steps[idx] = out
			}
		}
	}
	return scope
}

func setStepOutput(execCtx map[string]any, order int, output map[string]any) {
	if output == nil {
		output = map[string]any{}
	}
	steps, ok := execCtx["steps"].(map[string]any)
	if !ok {
		steps = map[string]any{}
		execCtx["steps"] = steps
	}
	steps[strconv.Itoa(order)] = output
}
