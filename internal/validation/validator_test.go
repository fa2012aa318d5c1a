package validation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

func newValidator(t *testing.T) *DocumentValidator {
	t.Helper()
	v, err := NewDocumentValidator()
	require.NoError(t, err)
	return v
}

func validDocJSON() string {
	return `{
		"name": "escalate urgent tickets",
		"status": "active",
		"scope": {"kind": "entity", "entity_type": "ticket"},
		"triggers": [
			{"kind": "event", "event_type": "ticket.created"}
		],
		"actions": [
			{"order": 0, "kind": "send_notification",
			 "params": {"to": "oncall", "title": "urgent ticket"}}
		]
	}`
}

func TestValidateDocument_Valid(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateDocument([]byte(validDocJSON())))
}

func TestValidateDocument_NotJSON(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateDocument([]byte("{not json"))
	require.Error(t, err)

	var rerr *schema.RatchetError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestValidateDocument_SchemaViolations(t *testing.T) {
	v := newValidator(t)

	cases := []struct {
		name string
		doc  string
	}{
		{"missing name", `{"actions": [{"order": 0, "kind": "delay", "params": {"seconds": 5}}]}`},
		{"missing actions", `{"name": "wf"}`},
		{"empty actions", `{"name": "wf", "actions": []}`},
		{"unknown action kind", `{"name": "wf", "actions": [{"order": 0, "kind": "teleport"}]}`},
		{"negative order", `{"name": "wf", "actions": [{"order": -1, "kind": "delay", "params": {"seconds": 5}}]}`},
		{"bad timeout pattern", `{"name": "wf", "actions": [{"order": 0, "kind": "delay", "params": {"seconds": 5}, "timeout": "soon"}]}`},
		{"bad status", `{"name": "wf", "status": "archived", "actions": [{"order": 0, "kind": "delay", "params": {"seconds": 5}}]}`},
		{"bad scope kind", `{"name": "wf", "scope": {"kind": "team"}, "actions": [{"order": 0, "kind": "delay", "params": {"seconds": 5}}]}`},
		{"unknown top-level field", `{"name": "wf", "owner": "alice", "actions": [{"order": 0, "kind": "delay", "params": {"seconds": 5}}]}`},
		{"bad trigger kind", `{"name": "wf", "triggers": [{"kind": "poll"}], "actions": [{"order": 0, "kind": "delay", "params": {"seconds": 5}}]}`},
		{"bad condition op", `{"name": "wf", "actions": [{"order": 0, "kind": "delay", "params": {"seconds": 5}, "condition": {"field": "a", "op": "matches", "value": 1}}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateDocument([]byte(tc.doc))
			require.Error(t, err)

			var rerr *schema.RatchetError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
			assert.NotEmpty(t, rerr.Details["violations"])
		})
	}
}

func notifyAction(order int) schema.Action {
	return schema.Action{
		Order: order,
		Kind:  schema.KindSendNotification,
		Params: schema.SendNotificationParams{
			To:    "oncall",
			Title: "heads up",
		},
	}
}

func validDoc() *WorkflowDocument {
	return &WorkflowDocument{
		Name:   "escalate urgent tickets",
		Status: schema.WorkflowStatusActive,
		Scope:  schema.Scope{Kind: schema.ScopeEntity, EntityType: "ticket"},
		Triggers: []schema.Trigger{
			{Kind: schema.TriggerKindEvent, EventType: "ticket.created"},
		},
		Actions: []schema.Action{notifyAction(0)},
	}
}

func TestValidateWorkflow_Valid(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateWorkflow(validDoc()))
}

func TestValidateWorkflow_NameRequired(t *testing.T) {
	v := newValidator(t)
	doc := validDoc()
	doc.Name = ""
	assert.Error(t, v.ValidateWorkflow(doc))
}

func TestValidateWorkflow_EntityScopeRequiresType(t *testing.T) {
	v := newValidator(t)
	doc := validDoc()
	doc.Scope = schema.Scope{Kind: schema.ScopeEntity}
	assert.Error(t, v.ValidateWorkflow(doc))
}

func TestValidateWorkflow_TriggerKindRules(t *testing.T) {
	v := newValidator(t)

	cases := []struct {
		name    string
		trigger schema.Trigger
		ok      bool
	}{
		{"event needs event_type", schema.Trigger{Kind: schema.TriggerKindEvent}, false},
		{"event rejects cron", schema.Trigger{Kind: schema.TriggerKindEvent, EventType: "t.c", Cron: "* * * * *"}, false},
		{"schedule needs cron", schema.Trigger{Kind: schema.TriggerKindSchedule}, false},
		{"schedule rejects bad cron", schema.Trigger{Kind: schema.TriggerKindSchedule, Cron: "99 * * * *"}, false},
		{"schedule rejects six fields", schema.Trigger{Kind: schema.TriggerKindSchedule, Cron: "0 0 9 * * *"}, false},
		{"schedule rejects event fields", schema.Trigger{Kind: schema.TriggerKindSchedule, Cron: "0 9 * * *", EventType: "t.c"}, false},
		{"schedule ok", schema.Trigger{Kind: schema.TriggerKindSchedule, Cron: "0 9 * * 1-5"}, true},
		{"webhook needs integration name", schema.Trigger{Kind: schema.TriggerKindWebhook}, false},
		{"webhook ok", schema.Trigger{Kind: schema.TriggerKindWebhook, EventType: "github"}, true},
		{"manual takes no fields", schema.Trigger{Kind: schema.TriggerKindManual, EventType: "t.c"}, false},
		{"manual ok", schema.Trigger{Kind: schema.TriggerKindManual}, true},
		{"unknown kind", schema.Trigger{Kind: "poll"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := validDoc()
			doc.Triggers = []schema.Trigger{tc.trigger}
			err := v.ValidateWorkflow(doc)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateWorkflow_TriggerConditionChecked(t *testing.T) {
	v := newValidator(t)
	doc := validDoc()
	doc.Triggers = []schema.Trigger{{
		Kind:      schema.TriggerKindEvent,
		EventType: "ticket.created",
		Condition: &schema.Condition{Field: "event.priority", Op: "matches", Value: json.RawMessage(`"x"`)},
	}}
	assert.Error(t, v.ValidateWorkflow(doc))
}

func TestValidateWorkflow_ActionsRequired(t *testing.T) {
	v := newValidator(t)
	doc := validDoc()
	doc.Actions = nil
	assert.Error(t, v.ValidateWorkflow(doc))
}

func TestValidateWorkflow_OrderRules(t *testing.T) {
	v := newValidator(t)

	doc := validDoc()
	doc.Actions = []schema.Action{notifyAction(0), notifyAction(0)}
	assert.Error(t, v.ValidateWorkflow(doc), "duplicate order")

	doc = validDoc()
	doc.Actions = []schema.Action{notifyAction(0), notifyAction(5)}
	assert.Error(t, v.ValidateWorkflow(doc), "gap in orders")

	doc = validDoc()
	doc.Actions = []schema.Action{notifyAction(1), notifyAction(0)}
	assert.NoError(t, v.ValidateWorkflow(doc), "order of appearance does not matter")
}

func TestValidateWorkflow_ParamRules(t *testing.T) {
	v := newValidator(t)

	doc := validDoc()
	doc.Actions = []schema.Action{{Order: 0, Kind: schema.KindSendNotification}}
	assert.Error(t, v.ValidateWorkflow(doc), "missing params")

	doc = validDoc()
	doc.Actions = []schema.Action{{
		Order:  0,
		Kind:   schema.KindSendNotification,
		Params: schema.DelayParams{Seconds: 5},
	}}
	assert.Error(t, v.ValidateWorkflow(doc), "kind mismatch")

	doc = validDoc()
	doc.Actions = []schema.Action{{
		Order:  0,
		Kind:   schema.KindSendNotification,
		Params: schema.SendNotificationParams{Title: "no recipient"},
	}}
	err := v.ValidateWorkflow(doc)
	require.Error(t, err)
	var rerr *schema.RatchetError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestValidateWorkflow_TimeoutParsed(t *testing.T) {
	v := newValidator(t)

	doc := validDoc()
	doc.Actions[0].Timeout = "30s"
	assert.NoError(t, v.ValidateWorkflow(doc))

	doc.Actions[0].Timeout = "eventually"
	assert.Error(t, v.ValidateWorkflow(doc))

	doc.Actions[0].Timeout = "0s"
	assert.Error(t, v.ValidateWorkflow(doc))
}

func TestValidateWorkflow_BranchTargets(t *testing.T) {
	v := newValidator(t)

	branch := func(order, to int) schema.Action {
		return schema.Action{Order: order, Kind: schema.KindBranch, Params: schema.BranchParams{To: to}}
	}

	doc := validDoc()
	doc.Actions = []schema.Action{branch(0, 2), notifyAction(1), notifyAction(2)}
	assert.NoError(t, v.ValidateWorkflow(doc))

	// Backward and self targets would let executions loop.
	doc.Actions = []schema.Action{notifyAction(0), branch(1, 1), notifyAction(2)}
	assert.Error(t, v.ValidateWorkflow(doc))

	doc.Actions = []schema.Action{branch(0, 3), notifyAction(1), notifyAction(2)}
	assert.Error(t, v.ValidateWorkflow(doc), "target past the last step")
}

func TestValidateWorkflow_DelayCap(t *testing.T) {
	v := newValidator(t)

	doc := validDoc()
	doc.Actions = []schema.Action{{
		Order:  0,
		Kind:   schema.KindDelay,
		Params: schema.DelayParams{Seconds: maxDelaySeconds},
	}}
	assert.NoError(t, v.ValidateWorkflow(doc))

	doc.Actions[0].Params = schema.DelayParams{Seconds: maxDelaySeconds + 1}
	assert.Error(t, v.ValidateWorkflow(doc))
}

func testTime() time.Time {
	return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
}

func TestMaterialize_Defaults(t *testing.T) {
	doc := &WorkflowDocument{Name: "wf", Actions: []schema.Action{notifyAction(0)}}
	wf, triggers, acts := doc.Materialize(testTime())

	assert.Equal(t, schema.WorkflowStatusDraft, wf.Status)
	assert.Equal(t, schema.ScopeGlobal, wf.Scope.Kind)
	assert.Equal(t, testTime(), wf.CreatedAt)
	assert.Empty(t, triggers)
	assert.Len(t, acts, 1)
}
