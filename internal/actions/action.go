package actions

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// Status enumerates how a single handler invocation ended.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusSkipped   Status = "skipped"
	StatusTransient Status = "transient_error"
	StatusPermanent Status = "permanent_error"
	StatusPause     Status = "pause"
	StatusJump      Status = "jump"
)

// Outcome is the result of one handler invocation. Pause and Jump are
// consumed by the execution coordinator: a delay never blocks the worker
// and a branch moves the cursor forward.
type Outcome struct {
	Status   Status
	Output   map[string]any
	Err      error
	ResumeAt time.Time // pause only
	Target   int       // jump only
}

// Success returns a successful outcome carrying the handler's output.
func Success(output map[string]any) Outcome {
	return Outcome{Status: StatusSuccess, Output: output}
}

// Skipped reports a step whose condition gate evaluated false.
func Skipped() Outcome {
	return Outcome{Status: StatusSkipped}
}

// Transient marks a failure worth retrying (network, timeout, dependency down).
func Transient(err error) Outcome {
	return Outcome{Status: StatusTransient, Err: err}
}

// Permanent marks a failure no retry can fix (bad configuration, validation).
func Permanent(err error) Outcome {
	return Outcome{Status: StatusPermanent, Err: err}
}

// Pause suspends the execution until resumeAt.
func Pause(resumeAt time.Time) Outcome {
	return Outcome{Status: StatusPause, ResumeAt: resumeAt}
}

// Jump moves the cursor to the given later step index.
func Jump(target int) Outcome {
	return Outcome{Status: StatusJump, Target: target}
}

// Failure classifies err and returns either a transient or permanent
// outcome. Typed RatchetErrors decide by code; network errors and
// timeouts are transient; everything else defaults to transient so the
// retry policy, not the classifier, bounds the attempts.
func Failure(err error) Outcome {
	if err == nil {
		return Success(nil)
	}
	if errors.Is(err, context.Canceled) {
		return Permanent(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	var rErr *schema.RatchetError
	if errors.As(err, &rErr) {
		if rErr.IsRetryable() {
			return Transient(err)
		}
		return Permanent(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}
	return Transient(err)
}

// Request is what a handler receives: its typed, template-resolved
// parameters plus the identifiers of the run it serves.
type Request struct {
	ExecutionID string
	WorkflowID  string
	StepIndex   int
	Actor       string
	Params      schema.ActionParams
}

// Handler executes one action kind. Implementations must never block on
// their own timers; long waits are expressed through Pause outcomes.
type Handler interface {
	Kind() schema.ActionKind
	Execute(ctx context.Context, req Request) Outcome
}

// --- Collaborator interfaces ---
// Handlers call these narrow surfaces exposed by the surrounding
// subsystems; they never touch storage directly.

// EntityStore is the mutation surface of the business-entity subsystem.
type EntityStore interface {
	UpdateField(ctx context.Context, ref schema.EntityRef, field, value string) error
	Create(ctx context.Context, entityType string, fields map[string]string) (schema.EntityRef, error)
	Assign(ctx context.Context, ref schema.EntityRef, assignee string) error
	ChangeStatus(ctx context.Context, ref schema.EntityRef, status string) error
	AddComment(ctx context.Context, ref schema.EntityRef, author, body string) error
}

// Notifier delivers user-facing notifications through the external transport.
type Notifier interface {
	Send(ctx context.Context, recipient, title, body string) error
}
