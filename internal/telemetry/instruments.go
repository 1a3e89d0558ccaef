package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scope = "execution-tracker"

// Instruments holds the tracker's counters. Recording on a nil *Instruments is a no-op.
type Instruments struct {
	meter               metric.Meter
	started             metric.Int64Counter
	transitions         metric.Int64Counter
	deaths              metric.Int64Counter
	timeouts            metric.Int64Counter
	notificationsFailed metric.Int64Counter
}

// NewInstruments creates the counters on meter. A nil meter uses the global provider.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	if meter == nil {
		meter = Meter(scope)
	}

	i := &Instruments{meter: meter}
	var err error
	if i.started, err = meter.Int64Counter("executions.started",
		metric.WithDescription("Executions registered")); err != nil {
		return nil, fmt.Errorf("telemetry: create started counter: %w", err)
	}
	if i.transitions, err = meter.Int64Counter("executions.transitions",
		metric.WithDescription("Applied state transitions")); err != nil {
		return nil, fmt.Errorf("telemetry: create transitions counter: %w", err)
	}
	if i.deaths, err = meter.Int64Counter("executions.deaths",
		metric.WithDescription("Executions declared dead by missed heartbeats")); err != nil {
		return nil, fmt.Errorf("telemetry: create deaths counter: %w", err)
	}
	if i.timeouts, err = meter.Int64Counter("executions.timeouts",
		metric.WithDescription("Executions that exceeded their deadline")); err != nil {
		return nil, fmt.Errorf("telemetry: create timeouts counter: %w", err)
	}
	if i.notificationsFailed, err = meter.Int64Counter("notifications.failed",
		metric.WithDescription("Execution events that could not be delivered")); err != nil {
		return nil, fmt.Errorf("telemetry: create notifications counter: %w", err)
	}
	return i, nil
}

// RegisterActiveGauge reports the number of active executions on every collection
func (i *Instruments) RegisterActiveGauge(active func() int64) error {
	_, err := i.meter.Int64ObservableGauge("executions.active",
		metric.WithDescription("Executions that have not settled"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			o.Observe(active())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("telemetry: create active gauge: %w", err)
	}
	return nil
}

// ExecutionStarted counts a registered execution
func (i *Instruments) ExecutionStarted(ctx context.Context, agentPrefix string) {
	if i == nil {
		return
	}
	i.started.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentPrefix)))
}

// Transition counts an applied state transition
func (i *Instruments) Transition(ctx context.Context, to string) {
	if i == nil {
		return
	}
	i.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", to)))
}

// Death counts an execution declared dead
func (i *Instruments) Death(ctx context.Context, agentPrefix string) {
	if i == nil {
		return
	}
	i.deaths.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentPrefix)))
}

// Timeout counts an execution that exceeded its deadline
func (i *Instruments) Timeout(ctx context.Context, agentPrefix string) {
	if i == nil {
		return
	}
	i.timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentPrefix)))
}

// NotificationFailed counts an undelivered event
func (i *Instruments) NotificationFailed(ctx context.Context, kind string) {
	if i == nil {
		return
	}
	i.notificationsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
