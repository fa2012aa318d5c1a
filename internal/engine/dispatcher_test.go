package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-hq/ratchet/internal/actions"
	"github.com/ratchet-hq/ratchet/internal/store"
	"github.com/ratchet-hq/ratchet/internal/variables"
	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// stubHandler lets a test script the outcome for one action kind.
type stubHandler struct {
	kind schema.ActionKind
	fn   func(ctx context.Context, req actions.Request) actions.Outcome
}

func (h *stubHandler) Kind() schema.ActionKind { return h.kind }

func (h *stubHandler) Execute(ctx context.Context, req actions.Request) actions.Outcome {
	return h.fn(ctx, req)
}

func newTestDispatcher(fs *fakeStore, handlers ...actions.Handler) *Dispatcher {
	registry := actions.NewRegistry()
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			panic(err)
		}
	}
	return NewDispatcher(registry, variables.NewResolver(nil), fs, nil, testLogger())
}

func testExecution() *store.Execution {
	return &store.Execution{
		ID:         "exec-1",
		WorkflowID: "wf-1",
		Status:     schema.ExecutionStatusRunning,
		Context:    map[string]any{"actor": "alice"},
	}
}

func TestDispatch_SuccessRecordsAudit(t *testing.T) {
	fs := newFakeStore()
	d := newTestDispatcher(fs, &stubHandler{
		kind: schema.KindSendNotification,
		fn: func(_ context.Context, req actions.Request) actions.Outcome {
			assert.Equal(t, "exec-1", req.ExecutionID)
			assert.Equal(t, "alice", req.Actor)
			return actions.Success(map[string]any{"delivered": true})
		},
	})

	act := notifyAction(0)
	outcome := d.Dispatch(context.Background(), testExecution(), act, &variables.Scope{}, 1)
	assert.Equal(t, actions.StatusSuccess, outcome.Status)

	results, err := fs.ListActionResults(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, schema.OutcomeSuccess, results[0].Outcome)
	assert.Equal(t, 0, results[0].StepIndex)
	assert.Equal(t, 1, results[0].Attempt)
	assert.Equal(t, true, results[0].Output["delivered"])
}

func TestDispatch_ConditionGateSkips(t *testing.T) {
	fs := newFakeStore()
	invoked := false
	d := newTestDispatcher(fs, &stubHandler{
		kind: schema.KindSendNotification,
		fn: func(context.Context, actions.Request) actions.Outcome {
			invoked = true
			return actions.Success(nil)
		},
	})

	act := notifyAction(0)
	act.Condition = &schema.Condition{Field: "vars.enabled", Op: schema.OpEquals, Value: json.RawMessage(`true`)}

	scope := &variables.Scope{Vars: map[string]any{"enabled": false}}
	outcome := d.Dispatch(context.Background(), testExecution(), act, scope, 1)

	assert.Equal(t, actions.StatusSkipped, outcome.Status)
	assert.False(t, invoked)

	results, err := fs.ListActionResults(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, schema.OutcomeSkipped, results[0].Outcome)
}

func TestDispatch_TemplatesResolvedBeforeHandler(t *testing.T) {
	fs := newFakeStore()
	var got schema.SendNotificationParams
	d := newTestDispatcher(fs, &stubHandler{
		kind: schema.KindSendNotification,
		fn: func(_ context.Context, req actions.Request) actions.Outcome {
			got = req.Params.(schema.SendNotificationParams)
			return actions.Success(nil)
		},
	})

	act := schema.Action{
		Order: 0,
		Kind:  schema.KindSendNotification,
		Params: schema.SendNotificationParams{
			To:    "{{vars.assignee}}",
			Title: "escalated",
			Body:  "status is {{steps.0.status}}",
		},
	}
	scope := &variables.Scope{
		Vars:  map[string]any{"assignee": "carol"},
		Steps: map[int]map[string]any{0: {"status": "open"}},
	}

	outcome := d.Dispatch(context.Background(), testExecution(), act, scope, 1)
	require.Equal(t, actions.StatusSuccess, outcome.Status)
	assert.Equal(t, "carol", got.To)
	assert.Equal(t, "status is open", got.Body)
}

func TestDispatch_StrictModeFailsUnresolved(t *testing.T) {
	fs := newFakeStore()
	d := newTestDispatcher(fs, &stubHandler{
		kind: schema.KindSendNotification,
		fn: func(context.Context, actions.Request) actions.Outcome {
			return actions.Success(nil)
		},
	})
	d.Strict = true

	act := schema.Action{
		Order:  0,
		Kind:   schema.KindSendNotification,
		Params: schema.SendNotificationParams{To: "{{vars.missing}}", Title: "x"},
	}
	outcome := d.Dispatch(context.Background(), testExecution(), act, &variables.Scope{}, 1)

	assert.Equal(t, actions.StatusPermanent, outcome.Status)
	var rerr *schema.RatchetError
	require.ErrorAs(t, outcome.Err, &rerr)
	assert.Equal(t, schema.ErrCodeConfig, rerr.Code)
}

func TestDispatch_LenientModeRendersEmpty(t *testing.T) {
	fs := newFakeStore()
	var got schema.SendNotificationParams
	d := newTestDispatcher(fs, &stubHandler{
		kind: schema.KindSendNotification,
		fn: func(_ context.Context, req actions.Request) actions.Outcome {
			got = req.Params.(schema.SendNotificationParams)
			return actions.Success(nil)
		},
	})

	act := schema.Action{
		Order:  0,
		Kind:   schema.KindSendNotification,
		Params: schema.SendNotificationParams{To: "ops", Title: "x", Body: "val={{vars.missing}}"},
	}
	outcome := d.Dispatch(context.Background(), testExecution(), act, &variables.Scope{}, 1)

	assert.Equal(t, actions.StatusSuccess, outcome.Status)
	assert.Equal(t, "val=", got.Body)
}

func TestDispatch_UnknownKindIsPermanent(t *testing.T) {
	fs := newFakeStore()
	d := newTestDispatcher(fs)

	act := notifyAction(0)
	outcome := d.Dispatch(context.Background(), testExecution(), act, &variables.Scope{}, 1)

	assert.Equal(t, actions.StatusPermanent, outcome.Status)
	var rerr *schema.RatchetError
	require.ErrorAs(t, outcome.Err, &rerr)
	assert.Equal(t, schema.ErrCodeConfig, rerr.Code)
}

func TestDispatch_NilParamsIsPermanent(t *testing.T) {
	fs := newFakeStore()
	d := newTestDispatcher(fs)

	act := schema.Action{Order: 2, Kind: schema.KindSendNotification}
	outcome := d.Dispatch(context.Background(), testExecution(), act, &variables.Scope{}, 1)

	assert.Equal(t, actions.StatusPermanent, outcome.Status)
}

func TestDispatch_PanicBecomesPermanentFailure(t *testing.T) {
	fs := newFakeStore()
	d := newTestDispatcher(fs, &stubHandler{
		kind: schema.KindSendNotification,
		fn: func(context.Context, actions.Request) actions.Outcome {
			panic("handler exploded")
		},
	})

	act := notifyAction(3)
	outcome := d.Dispatch(context.Background(), testExecution(), act, &variables.Scope{}, 1)

	assert.Equal(t, actions.StatusPermanent, outcome.Status)
	var rerr *schema.RatchetError
	require.ErrorAs(t, outcome.Err, &rerr)
	assert.Equal(t, schema.ErrCodeExecution, rerr.Code)
	assert.Contains(t, rerr.Message, "handler exploded")

	results, err := fs.ListActionResults(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, schema.OutcomeError, results[0].Outcome)
	assert.Equal(t, schema.ErrCodeExecution, results[0].ErrorCode)
}

func TestDispatch_TimeoutRewrapped(t *testing.T) {
	fs := newFakeStore()
	d := newTestDispatcher(fs, &stubHandler{
		kind: schema.KindCallWebhook,
		fn: func(ctx context.Context, _ actions.Request) actions.Outcome {
			<-ctx.Done()
			return actions.Transient(ctx.Err())
		},
	})

	act := schema.Action{
		Order:   0,
		Kind:    schema.KindCallWebhook,
		Params:  schema.CallWebhookParams{URL: "https://example.com/hook"},
		Timeout: "10ms",
	}
	outcome := d.Dispatch(context.Background(), testExecution(), act, &variables.Scope{}, 1)

	assert.Equal(t, actions.StatusTransient, outcome.Status)
	var rerr *schema.RatchetError
	require.ErrorAs(t, outcome.Err, &rerr)
	assert.Equal(t, schema.ErrCodeTimeout, rerr.Code)
	assert.ErrorIs(t, outcome.Err, context.DeadlineExceeded)
}

func TestDispatch_FailureRecordsErrorCode(t *testing.T) {
	fs := newFakeStore()
	d := newTestDispatcher(fs, &stubHandler{
		kind: schema.KindSendNotification,
		fn: func(context.Context, actions.Request) actions.Outcome {
			return actions.Transient(schema.NewError(schema.ErrCodeUnavailable, "transport down"))
		},
	})

	act := notifyAction(1)
	outcome := d.Dispatch(context.Background(), testExecution(), act, &variables.Scope{}, 2)
	assert.Equal(t, actions.StatusTransient, outcome.Status)

	results, err := fs.ListActionResults(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, schema.OutcomeError, results[0].Outcome)
	assert.Equal(t, schema.ErrCodeUnavailable, results[0].ErrorCode)
	assert.Equal(t, "transport down", results[0].ErrorMessage)
	assert.Equal(t, 2, results[0].Attempt)
}

func TestRedactOutput(t *testing.T) {
	long := strings.Repeat("x", maxOutputValueLen+50)
	out := redactOutput(map[string]any{
		"short":  "ok",
		"long":   long,
		"count":  3,
		"nested": map[string]any{"a": 1},
	})

	assert.Equal(t, "ok", out["short"])
	assert.Equal(t, maxOutputValueLen+3, len(out["long"].(string)))
	assert.True(t, strings.HasSuffix(out["long"].(string), "..."))
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, "<map[string]interface {}>", out["nested"])

	assert.Nil(t, redactOutput(nil))
	assert.Nil(t, redactOutput(map[string]any{}))
}

func TestDispatch_DurationRecorded(t *testing.T) {
	fs := newFakeStore()
	d := newTestDispatcher(fs, &stubHandler{
		kind: schema.KindSendNotification,
		fn: func(context.Context, actions.Request) actions.Outcome {
			time.Sleep(5 * time.Millisecond)
			return actions.Success(nil)
		},
	})

	d.Dispatch(context.Background(), testExecution(), notifyAction(0), &variables.Scope{}, 1)

	results, err := fs.ListActionResults(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.GreaterOrEqual(t, results[0].DurationMs, int64(0))
	assert.False(t, results[0].StartedAt.IsZero())
}
