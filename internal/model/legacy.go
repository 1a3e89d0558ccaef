package model

import (
	"fmt"
	"strings"
)

var legacyStates = map[string]ExecutionState{
	"completed":   ExecutionStateSuccess,
	"complete":    ExecutionStateSuccess,
	"succeeded":   ExecutionStateSuccess,
	"error":       ExecutionStateFailed,
	"errored":     ExecutionStateFailed,
	"timed_out":   ExecutionStateTimeout,
	"cancelled":   ExecutionStateAborted,
	"canceled":    ExecutionStateAborted,
	"queued":      ExecutionStatePending,
	"starting":    ExecutionStateInitializing,
	"in_progress": ExecutionStateRunning,
	"retrying":    ExecutionStateRecovering,
}

// TranslateLegacyState maps a state name written by older producers onto the
// canonical state. Canonical names pass through unchanged.
func TranslateLegacyState(name string) (ExecutionState, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if s := ExecutionState(normalized); s.IsValid() {
		return s, nil
	}
	if s, ok := legacyStates[normalized]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown execution state %q", ErrValidation, name)
}
