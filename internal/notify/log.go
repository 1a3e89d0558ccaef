package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/t77yq/execution-tracker/internal/model"
)

// LogNotifier writes events to the log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a new log notifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("events")}
}

// OnExecutionEvent implements Listener
func (n *LogNotifier) OnExecutionEvent(ctx context.Context, event model.ExecutionEvent) error {
	fields := []zap.Field{
		zap.String("kind", string(event.Kind)),
		zap.String("execution_id", event.ExecutionID),
		zap.String("run_id", event.RunID),
		zap.String("agent_name", event.AgentName),
		zap.Any("payload", event.Payload),
	}

	switch event.Kind {
	case model.EventAgentDeath:
		n.logger.Error("Agent death", fields...)
	case model.EventFailed:
		n.logger.Warn("Execution failed", fields...)
	case model.EventProgress:
		n.logger.Debug("Execution progress", fields...)
	default:
		n.logger.Info("Execution event", fields...)
	}
	return nil
}
