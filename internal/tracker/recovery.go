package tracker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/t77yq/execution-tracker/internal/model"
)

// RecoveryHook decides what happens after an execution fails, dies or times out.
// It runs after the failure has been recorded and must not block for long.
type RecoveryHook interface {
	OnRecovery(ctx context.Context, executionID string, record *model.ExecutionRecord, err error)
}

// RecoveryHookFunc adapts a function to RecoveryHook
type RecoveryHookFunc func(ctx context.Context, executionID string, record *model.ExecutionRecord, err error)

// OnRecovery implements RecoveryHook
func (f RecoveryHookFunc) OnRecovery(ctx context.Context, executionID string, record *model.ExecutionRecord, err error) {
	f(ctx, executionID, record, err)
}

// LoggingRecoveryHook only logs failures
type LoggingRecoveryHook struct {
	logger *zap.Logger
}

// NewLoggingRecoveryHook creates a new logging recovery hook
func NewLoggingRecoveryHook(logger *zap.Logger) *LoggingRecoveryHook {
	return &LoggingRecoveryHook{logger: logger.Named("recovery")}
}

// OnRecovery implements RecoveryHook
func (h *LoggingRecoveryHook) OnRecovery(ctx context.Context, executionID string, record *model.ExecutionRecord, err error) {
	fields := []zap.Field{
		zap.String("execution_id", executionID),
		zap.String("code", model.ErrorCode(err)),
		zap.Error(err),
	}
	if record != nil {
		fields = append(fields,
			zap.String("run_id", record.RunID),
			zap.String("agent_name", record.AgentName),
			zap.String("state", string(record.State)),
			zap.Int("retry_count", record.RetryCount))
	}

	switch {
	case errors.Is(err, model.ErrLivenessFailure), errors.Is(err, model.ErrDeadlineExceeded):
		h.logger.Error("Execution lost, no recovery policy configured", fields...)
	default:
		h.logger.Warn("Execution failed, no recovery policy configured", fields...)
	}
}
