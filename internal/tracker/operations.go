package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/execution-tracker/internal/model"
)

// ExtendExecutionTimeout pushes back an execution's deadline and keeps the
// record's timeout_at in step. It returns false once the deadline has passed.
func (t *Tracker) ExtendExecutionTimeout(executionID string, extra time.Duration, reason string) bool {
	if !t.timeouts.ExtendTimeout(executionID, extra, reason) {
		return false
	}
	if info := t.timeouts.GetTimeoutInfo(executionID); info != nil {
		t.registry.SetTimeoutAt(executionID, info.TimeoutAt)
	}
	return true
}

// BeginRecovery moves a FAILED or TIMEOUT execution to RECOVERING, bumps its
// retry count and re-arms heartbeat and deadline monitoring.
func (t *Tracker) BeginRecovery(ctx context.Context, executionID, action string) bool {
	record := t.registry.GetExecution(executionID)
	if record == nil {
		return false
	}
	if action == "" {
		action = "retry"
	}

	retries := record.RetryCount + 1
	if !t.transition(ctx, executionID, model.ExecutionStateRecovering, model.UpdateMetadata{
		RecoveryAction: action,
		RetryCount:     &retries,
	}) {
		return false
	}

	info, err := t.timeouts.SetTimeout(executionID, 0, record.AgentName)
	if err != nil {
		t.logger.Error("Failed to re-arm timeout", zap.String("execution_id", executionID), zap.Error(err))
	} else {
		t.registry.SetTimeoutAt(executionID, info.TimeoutAt)
	}
	t.heartbeats.StartMonitoring(executionID)

	t.logger.Info("Execution recovering",
		zap.String("execution_id", executionID),
		zap.String("action", action),
		zap.Int("retry_count", retries))
	return true
}

// AbortExecution tears down monitoring and moves the execution to ABORTED
func (t *Tracker) AbortExecution(ctx context.Context, executionID, reason string) bool {
	if !t.canTransition(executionID, model.ExecutionStateAborted) {
		return false
	}
	t.teardown(executionID)

	if !t.transition(ctx, executionID, model.ExecutionStateAborted, model.UpdateMetadata{
		Error:          reason,
		RecoveryAction: "abort",
	}) {
		return false
	}

	t.logger.Warn("Execution aborted",
		zap.String("execution_id", executionID),
		zap.String("reason", reason))
	t.emit(ctx, model.EventFailed, executionID, map[string]interface{}{
		"error": reason,
		"state": string(model.ExecutionStateAborted),
	})
	return true
}

// ReviveExecution marks a dead execution alive in the heartbeat ledger. Used
// during the recovery delay it suppresses the pending failure callbacks.
func (t *Tracker) ReviveExecution(executionID string) bool {
	return t.heartbeats.ReviveExecution(executionID)
}

// ForceCheckExecution runs the missed heartbeat check for one execution now
func (t *Tracker) ForceCheckExecution(ctx context.Context, executionID string) bool {
	return t.heartbeats.ForceCheckExecution(ctx, executionID)
}
