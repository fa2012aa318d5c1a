package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

func ticketScope() *Scope {
	return &Scope{
		EventType: "ticket.created",
		Event: map[string]any{
			"priority": "high",
			"reporter": map[string]any{"name": "alice", "email": "alice@example.com"},
			"assignee": nil,
		},
		Steps: map[int]map[string]any{
			0: {"entity_id": "t-99", "count": 2},
		},
		Vars: map[string]any{"team": "support", "escalate": true},
	}
}

func ticketAllow() AllowList {
	return AllowList{"ticket.created": {"priority", "reporter", "assignee"}}
}

func TestLookup_EventFields(t *testing.T) {
	r := NewResolver(ticketAllow())
	scope := ticketScope()

	v, ok := r.Lookup(scope, "event.priority")
	require.True(t, ok)
	assert.Equal(t, "high", v)

	// Nested path under an allowed prefix.
	v, ok = r.Lookup(scope, "event.reporter.email")
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", v)

	// Present but null.
	v, ok = r.Lookup(scope, "event.assignee")
	require.True(t, ok)
	assert.Nil(t, v)

	_, ok = r.Lookup(scope, "event.missing")
	assert.False(t, ok)
}

func TestLookup_AllowListProjection(t *testing.T) {
	// Only priority is projected; the payload still carries reporter.
	r := NewResolver(AllowList{"ticket.created": {"priority"}})
	scope := ticketScope()

	_, ok := r.Lookup(scope, "event.priority")
	assert.True(t, ok)

	_, ok = r.Lookup(scope, "event.reporter.email")
	assert.False(t, ok)
}

func TestLookup_UnlistedEventTypeExposesNothing(t *testing.T) {
	r := NewResolver(AllowList{"other.event": {"priority"}})
	_, ok := r.Lookup(ticketScope(), "event.priority")
	assert.False(t, ok)
}

func TestLookup_NilAllowListExposesNothing(t *testing.T) {
	r := NewResolver(nil)
	_, ok := r.Lookup(ticketScope(), "event.priority")
	assert.False(t, ok)
}

func TestLookup_Steps(t *testing.T) {
	r := NewResolver(nil)
	scope := ticketScope()

	v, ok := r.Lookup(scope, "steps.0.entity_id")
	require.True(t, ok)
	assert.Equal(t, "t-99", v)

	_, ok = r.Lookup(scope, "steps.1.entity_id")
	assert.False(t, ok)

	_, ok = r.Lookup(scope, "steps.x.entity_id")
	assert.False(t, ok)

	// A bare step index with no field is not a valid path.
	_, ok = r.Lookup(scope, "steps.0")
	assert.False(t, ok)
}

func TestLookup_Vars(t *testing.T) {
	r := NewResolver(nil)
	scope := ticketScope()

	v, ok := r.Lookup(scope, "vars.team")
	require.True(t, ok)
	assert.Equal(t, "support", v)

	v, ok = r.Lookup(scope, "vars.escalate")
	require.True(t, ok)
	assert.Equal(t, true, v)

	_, ok = r.Lookup(scope, "vars.missing")
	assert.False(t, ok)
}

func TestLookup_UnknownNamespace(t *testing.T) {
	r := NewResolver(ticketAllow())
	scope := ticketScope()

	_, ok := r.Lookup(scope, "secrets.key")
	assert.False(t, ok)

	_, ok = r.Lookup(scope, "priority")
	assert.False(t, ok)

	_, ok = r.Lookup(scope, "event")
	assert.False(t, ok)
}

func TestLookup_RejectsNonIdentifierSegments(t *testing.T) {
	r := NewResolver(ticketAllow())
	scope := ticketScope()

	// jq syntax beyond plain field access must not leak through.
	_, ok := r.Lookup(scope, "event.reporter | keys")
	assert.False(t, ok)

	_, ok = r.Lookup(scope, "event.reporter[0]")
	assert.False(t, ok)
}

func TestRender_Substitution(t *testing.T) {
	r := NewResolver(ticketAllow())
	scope := ticketScope()

	out, err := r.Render(scope, "ticket from {{event.reporter.name}} ({{vars.team}})", false)
	require.NoError(t, err)
	assert.Equal(t, "ticket from alice (support)", out)
}

func TestRender_NoPlaceholders(t *testing.T) {
	r := NewResolver(nil)
	out, err := r.Render(&Scope{}, "plain text", false)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestRender_StringifiesValues(t *testing.T) {
	r := NewResolver(nil)
	scope := &Scope{Vars: map[string]any{
		"ratio":   2.5,
		"whole":   float64(3),
		"enabled": true,
	}}

	out, err := r.Render(scope, "{{vars.ratio}}/{{vars.whole}}/{{vars.enabled}}", false)
	require.NoError(t, err)
	assert.Equal(t, "2.5/3/true", out)
}

func TestRender_LenientUndefinedIsEmpty(t *testing.T) {
	r := NewResolver(nil)
	out, err := r.Render(&Scope{}, "value={{vars.missing}}", false)
	require.NoError(t, err)
	assert.Equal(t, "value=", out)
}

func TestRender_StrictUndefinedFails(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Render(&Scope{}, "value={{vars.missing}}", true)
	require.Error(t, err)

	var rerr *schema.RatchetError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeConfig, rerr.Code)
}

func TestRender_MalformedPlaceholders(t *testing.T) {
	r := NewResolver(nil)

	_, err := r.Render(&Scope{}, "broken {{vars.x", false)
	assert.Error(t, err)

	_, err = r.Render(&Scope{}, "empty {{ }}", false)
	assert.Error(t, err)

	_, err = r.Render(&Scope{}, "nested {{a {{b}} }}", false)
	assert.Error(t, err)
}

func TestRender_WhitespaceInsidePlaceholder(t *testing.T) {
	r := NewResolver(nil)
	scope := &Scope{Vars: map[string]any{"team": "support"}}

	out, err := r.Render(scope, "{{ vars.team }}", false)
	require.NoError(t, err)
	assert.Equal(t, "support", out)
}
