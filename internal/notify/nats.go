package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/execution-tracker/internal/model"
)

const (
	EventsStream  = "EXECUTIONS"
	subjectPrefix = "execution."
)

// EventSubject returns the subject an event kind is published on
func EventSubject(kind model.EventKind) string {
	return subjectPrefix + string(kind)
}

// NATSNotifier publishes execution events to JetStream
type NATSNotifier struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	maxAge time.Duration
}

// NewNATSNotifier creates a new JetStream notifier
func NewNATSNotifier(js nats.JetStreamContext, logger *zap.Logger) *NATSNotifier {
	return &NATSNotifier{
		logger: logger.Named("nats-notifier"),
		js:     js,
		maxAge: 7 * 24 * time.Hour,
	}
}

// EnsureStream creates the events stream if it does not exist
func (n *NATSNotifier) EnsureStream() error {
	_, err := n.js.StreamInfo(EventsStream)
	if err == nil {
		n.logger.Info("Using existing events stream", zap.String("name", EventsStream))
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = n.js.AddStream(&nats.StreamConfig{
		Name:     EventsStream,
		Subjects: []string{subjectPrefix + "*"},
		Storage:  nats.FileStorage,
		MaxAge:   n.maxAge,
		MaxMsgs:  -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	n.logger.Info("Created events stream", zap.String("name", EventsStream))
	return nil
}

// OnExecutionEvent implements Listener
func (n *NATSNotifier) OnExecutionEvent(ctx context.Context, event model.ExecutionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := EventSubject(event.Kind)
	if _, err := n.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", subject, err)
	}

	n.logger.Debug("Published execution event",
		zap.String("subject", subject),
		zap.String("execution_id", event.ExecutionID))
	return nil
}
