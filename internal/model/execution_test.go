package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionState_Transitions(t *testing.T) {
	tests := []struct {
		from ExecutionState
		to   ExecutionState
		ok   bool
	}{
		{ExecutionStatePending, ExecutionStateRunning, true},
		{ExecutionStatePending, ExecutionStateInitializing, true},
		{ExecutionStateRunning, ExecutionStatePending, false},
		{ExecutionStateRunning, ExecutionStateRunning, true},
		{ExecutionStateInitializing, ExecutionStateInitializing, false},
		{ExecutionStateFailed, ExecutionStateRecovering, true},
		{ExecutionStateTimeout, ExecutionStateRunning, false},
		{ExecutionStateRecovering, ExecutionStateRunning, true},
		{ExecutionStateSuccess, ExecutionStateRunning, false},
		{ExecutionStateAborted, ExecutionStateRecovering, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestExecutionState_Classification(t *testing.T) {
	assert.True(t, ExecutionStateSuccess.IsTerminal())
	assert.True(t, ExecutionStateAborted.IsTerminal())
	assert.False(t, ExecutionStateFailed.IsTerminal())

	assert.True(t, ExecutionStateFailed.IsSettled())
	assert.True(t, ExecutionStateTimeout.IsSettled())
	assert.False(t, ExecutionStateRecovering.IsSettled())

	assert.True(t, ExecutionStateRecovering.IsActive())
	assert.False(t, ExecutionState("bogus").IsActive())
	assert.Empty(t, ExecutionStateSuccess.AllowedTransitions())
}

func TestExecutionRecord_CloneIsDeep(t *testing.T) {
	timeoutAt := time.Now().Add(time.Minute)
	r := &ExecutionRecord{
		ExecutionID:     "triage_run-1_1_abcd1234",
		Context:         map[string]interface{}{"k": "v"},
		TimeoutAt:       &timeoutAt,
		RecoveryActions: []RecoveryAction{{Action: "retry", State: ExecutionStateRecovering}},
	}

	c := r.Clone()
	c.Context["k"] = "changed"
	*c.TimeoutAt = time.Time{}
	c.RecoveryActions[0].Action = "changed"

	assert.Equal(t, "v", r.Context["k"])
	assert.Equal(t, timeoutAt, *r.TimeoutAt)
	assert.Equal(t, "retry", r.RecoveryActions[0].Action)
	assert.Nil(t, (*ExecutionRecord)(nil).Clone())
}

func TestProgress_Normalize(t *testing.T) {
	assert.Equal(t, 0.0, Progress{Percentage: -5}.Normalize().Percentage)
	assert.Equal(t, 100.0, Progress{Percentage: 150}.Normalize().Percentage)
	assert.Equal(t, 42.5, Progress{Percentage: 42.5}.Normalize().Percentage)
}

func TestTranslateLegacyState(t *testing.T) {
	s, err := TranslateLegacyState("Completed")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStateSuccess, s)

	s, err = TranslateLegacyState("running")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStateRunning, s)

	s, err = TranslateLegacyState("cancelled")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStateAborted, s)

	_, err = TranslateLegacyState("exploded")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))
}

func TestHealthLevel(t *testing.T) {
	assert.Equal(t, HealthLevelHealthy, HealthLevelForCount(1))
	assert.Equal(t, HealthLevelDegraded, HealthLevelForCount(2))
	assert.Equal(t, HealthLevelCritical, HealthLevelForCount(4))
	assert.Equal(t, HealthLevelCritical, MaxHealthLevel(HealthLevelDegraded, HealthLevelCritical, HealthLevelHealthy))
	assert.Equal(t, HealthLevelHealthy, MaxHealthLevel())
}
