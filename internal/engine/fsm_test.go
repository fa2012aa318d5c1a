package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

func TestCanTransition_AllowedPaths(t *testing.T) {
	cases := []struct {
		from, to schema.ExecutionStatus
	}{
		{schema.ExecutionStatusPending, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusPending, schema.ExecutionStatusCancelled},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusWaitingRetry},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusWaitingDelay},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusFailed},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
		{schema.ExecutionStatusWaitingRetry, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusWaitingRetry, schema.ExecutionStatusCancelled},
		{schema.ExecutionStatusWaitingDelay, schema.ExecutionStatusRunning},
		{schema.ExecutionStatusWaitingDelay, schema.ExecutionStatusCancelled},
	}
	for _, tc := range cases {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCanTransition_TerminalStatesAreFinal(t *testing.T) {
	terminals := []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	}
	all := []schema.ExecutionStatus{
		schema.ExecutionStatusPending,
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusWaitingRetry,
		schema.ExecutionStatusWaitingDelay,
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	}
	for _, from := range terminals {
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_DisallowedPaths(t *testing.T) {
	assert.False(t, CanTransition(schema.ExecutionStatusPending, schema.ExecutionStatusCompleted))
	assert.False(t, CanTransition(schema.ExecutionStatusPending, schema.ExecutionStatusWaitingDelay))
	assert.False(t, CanTransition(schema.ExecutionStatusWaitingRetry, schema.ExecutionStatusCompleted))
	assert.False(t, CanTransition(schema.ExecutionStatusWaitingDelay, schema.ExecutionStatusFailed))
	assert.False(t, CanTransition(schema.ExecutionStatusRunning, schema.ExecutionStatusPending))
}

func TestGuardTransition_ReturnsTypedError(t *testing.T) {
	err := GuardTransition("exec-1", schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning)
	require.Error(t, err)

	var rerr *schema.RatchetError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, rerr.Code)
	assert.Equal(t, "exec-1", rerr.Details["execution_id"])
	assert.Equal(t, "completed", rerr.Details["from"])
	assert.Equal(t, "running", rerr.Details["to"])
}

func TestGuardTransition_AllowsValid(t *testing.T) {
	assert.NoError(t, GuardTransition("exec-1", schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted))
}

func TestExecutionEvent_Mapping(t *testing.T) {
	assert.Equal(t, schema.EventExecutionStarted, ExecutionEvent(schema.ExecutionStatusRunning))
	assert.Equal(t, schema.EventExecutionWaitingRetry, ExecutionEvent(schema.ExecutionStatusWaitingRetry))
	assert.Equal(t, schema.EventExecutionWaitingDelay, ExecutionEvent(schema.ExecutionStatusWaitingDelay))
	assert.Equal(t, schema.EventExecutionCompleted, ExecutionEvent(schema.ExecutionStatusCompleted))
	assert.Equal(t, schema.EventExecutionFailed, ExecutionEvent(schema.ExecutionStatusFailed))
	assert.Equal(t, schema.EventExecutionCancelled, ExecutionEvent(schema.ExecutionStatusCancelled))
	assert.Equal(t, "", ExecutionEvent(schema.ExecutionStatusPending))
}
