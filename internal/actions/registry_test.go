package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

type fixedKindHandler struct{ kind schema.ActionKind }

func (h *fixedKindHandler) Kind() schema.ActionKind { return h.kind }
func (h *fixedKindHandler) Execute(context.Context, Request) Outcome {
	return Success(nil)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	h := &fixedKindHandler{kind: schema.KindDelay}

	require.NoError(t, r.Register(h))
	assert.True(t, r.Has(schema.KindDelay))

	got, err := r.Get(schema.KindDelay)
	require.NoError(t, err)
	assert.Same(t, Handler(h), got)
}

func TestRegistry_DuplicateKind(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fixedKindHandler{kind: schema.KindDelay}))

	err := r.Register(&fixedKindHandler{kind: schema.KindDelay})
	require.Error(t, err)

	var rerr *schema.RatchetError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeConflict, rerr.Code)
}

func TestRegistry_RejectsInvalidHandlers(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&fixedKindHandler{kind: ""}))
}

func TestRegistry_GetUnknownKind(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get(schema.KindBranch)
	require.Error(t, err)

	var rerr *schema.RatchetError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeConfig, rerr.Code)
}

func TestRegistry_KindsSorted(t *testing.T) {
	r := NewRegistry()
	for _, k := range []schema.ActionKind{schema.KindDelay, schema.KindBranch, schema.KindAddComment} {
		require.NoError(t, r.Register(&fixedKindHandler{kind: k}))
	}

	assert.Equal(t, []schema.ActionKind{
		schema.KindAddComment, schema.KindBranch, schema.KindDelay,
	}, r.Kinds())
}

func TestRegisterBuiltins_CoversEveryKind(t *testing.T) {
	r := NewRegistry()
	err := RegisterBuiltins(r, &fakeEntityStore{}, &fakeNotifier{}, &WebhookCaller{})
	require.NoError(t, err)

	for _, k := range []schema.ActionKind{
		schema.KindSendNotification,
		schema.KindUpdateEntityField,
		schema.KindCreateEntity,
		schema.KindAssignEntity,
		schema.KindChangeStatus,
		schema.KindAddComment,
		schema.KindCallWebhook,
		schema.KindDelay,
		schema.KindBranch,
	} {
		assert.True(t, r.Has(k), "missing handler for %q", k)
	}
	assert.Len(t, r.Kinds(), 9)
}
