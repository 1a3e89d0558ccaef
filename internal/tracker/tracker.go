package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/execution-tracker/internal/model"
	"github.com/t77yq/execution-tracker/internal/monitor"
	"github.com/t77yq/execution-tracker/internal/notify"
	"github.com/t77yq/execution-tracker/internal/registry"
	"github.com/t77yq/execution-tracker/internal/telemetry"
)

// ErrAlreadyStarted is returned by Start on a running tracker
var ErrAlreadyStarted = errors.New("tracker already started")

// Config holds tracker settings
type Config struct {
	Heartbeat          monitor.HeartbeatConfig
	Timeout            monitor.TimeoutConfig
	Registry           registry.Config
	StaleThreshold     time.Duration
	AsyncNotifications bool
}

// DefaultConfig returns the default tracker configuration
func DefaultConfig() Config {
	return Config{
		Heartbeat:      monitor.DefaultHeartbeatConfig(),
		Timeout:        monitor.DefaultTimeoutConfig(),
		Registry:       registry.DefaultConfig(),
		StaleThreshold: 10 * time.Minute,
	}
}

// Option configures a Tracker
type Option func(*Tracker)

// WithListener adds a notification listener
func WithListener(l notify.Listener) Option {
	return func(t *Tracker) {
		t.fanout.Add(l)
	}
}

// WithRecoveryHook replaces the default logging recovery hook
func WithRecoveryHook(h RecoveryHook) Option {
	return func(t *Tracker) {
		t.hook = h
	}
}

// WithArchiver stores records removed by retention cleanup
func WithArchiver(a registry.Archiver) Option {
	return func(t *Tracker) {
		t.registry.SetArchiver(a)
	}
}

// WithInstruments records OpenTelemetry counters
func WithInstruments(i *telemetry.Instruments) Option {
	return func(t *Tracker) {
		t.instruments = i
	}
}

// Tracker is the lifecycle API for executions. It correlates the registry with
// the heartbeat and timeout ledgers and reacts when either monitor fires.
type Tracker struct {
	cfg    Config
	logger *zap.Logger

	registry    *registry.Registry
	heartbeats  *monitor.HeartbeatMonitor
	timeouts    *monitor.TimeoutManager
	fanout      *notify.Fanout
	hook        RecoveryHook
	instruments *telemetry.Instruments

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	group       *errgroup.Group

	inflight            sync.WaitGroup
	notificationsSent   atomic.Int64
	notificationsFailed atomic.Int64
}

// New creates a new tracker. Background loops do not run until Start.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Tracker {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultConfig().StaleThreshold
	}

	t := &Tracker{
		cfg:        cfg,
		logger:     logger.Named("tracker"),
		registry:   registry.New(cfg.Registry, logger),
		heartbeats: monitor.NewHeartbeatMonitor(cfg.Heartbeat, logger),
		timeouts:   monitor.NewTimeoutManager(cfg.Timeout, logger),
		fanout:     notify.NewFanout(logger),
	}
	t.hook = NewLoggingRecoveryHook(logger)

	for _, opt := range opts {
		opt(t)
	}

	t.heartbeats.AddFailureCallback(t.onAgentDeath)
	t.timeouts.AddTimeoutCallback(t.onTimeout)
	t.registry.AddCleanupListener(t.onRecordsPurged)

	if t.instruments != nil {
		if err := t.instruments.RegisterActiveGauge(func() int64 {
			return int64(t.registry.GetMetrics().ActiveExecutions)
		}); err != nil {
			t.logger.Warn("Failed to register active executions gauge", zap.Error(err))
		}
	}
	return t
}

// Registry returns the underlying execution registry
func (t *Tracker) Registry() *registry.Registry { return t.registry }

// HeartbeatMonitor returns the underlying heartbeat monitor
func (t *Tracker) HeartbeatMonitor() *monitor.HeartbeatMonitor { return t.heartbeats }

// TimeoutManager returns the underlying timeout manager
func (t *Tracker) TimeoutManager() *monitor.TimeoutManager { return t.timeouts }

// Start runs the heartbeat, timeout and cleanup loops until Shutdown or ctx is done
func (t *Tracker) Start(ctx context.Context) error {
	t.lifecycleMu.Lock()
	defer t.lifecycleMu.Unlock()

	if t.group != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return t.heartbeats.Run(gctx) })
	g.Go(func() error { return t.timeouts.Run(gctx) })
	g.Go(func() error { return t.registry.Run(gctx) })

	t.cancel = cancel
	t.group = g
	t.logger.Info("Execution tracker started")
	return nil
}

// Shutdown stops the background loops and waits for them and for in-flight
// notifications. No monitor callback fires after it returns.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.lifecycleMu.Lock()
	cancel, g := t.cancel, t.group
	t.cancel, t.group = nil, nil
	t.lifecycleMu.Unlock()

	var loopErr error
	if g != nil {
		cancel()
		if err := waitFor(ctx, func() error { return g.Wait() }); err != nil {
			loopErr = fmt.Errorf("failed to stop monitoring loops: %w", err)
		}
	}

	if err := waitFor(ctx, func() error {
		t.inflight.Wait()
		return nil
	}); err != nil {
		return errors.Join(loopErr, fmt.Errorf("failed to drain notifications: %w", err))
	}

	t.logger.Info("Execution tracker stopped")
	return loopErr
}

func waitFor(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartExecution registers an execution, arms its deadline and heartbeat
// monitoring, and moves it to INITIALIZING.
func (t *Tracker) StartExecution(ctx context.Context, runID, agentName string, execCtx map[string]interface{}) (string, error) {
	record, err := t.registry.RegisterExecution(runID, agentName, execCtx)
	if err != nil {
		return "", err
	}
	id := record.ExecutionID

	info, err := t.timeouts.SetTimeout(id, 0, agentName)
	if err != nil {
		return "", err
	}
	t.heartbeats.StartMonitoring(id)

	if !t.transition(ctx, id, model.ExecutionStateInitializing, model.UpdateMetadata{
		TimeoutAt: &info.TimeoutAt,
		Heartbeat: true,
	}) {
		t.teardown(id)
		return "", fmt.Errorf("%w: execution %s removed during start", model.ErrNotFound, id)
	}
	t.instruments.ExecutionStarted(ctx, monitor.AgentPrefix(agentName))

	t.logger.Info("Execution started",
		zap.String("execution_id", id),
		zap.String("run_id", runID),
		zap.String("agent_name", agentName),
		zap.Duration("timeout", info.Timeout))

	t.emit(ctx, model.EventStarted, id, map[string]interface{}{
		"timeout_seconds": info.Timeout.Seconds(),
		"timeout_at":      info.TimeoutAt,
		"context":         record.Context,
	})
	return id, nil
}

// UpdateExecutionProgress records progress and counts as a heartbeat. It
// returns false when the execution is unknown or already settled.
func (t *Tracker) UpdateExecutionProgress(ctx context.Context, executionID string, progress model.Progress) bool {
	progress = progress.Normalize()
	accepted := t.heartbeats.SendHeartbeat(executionID, map[string]string{"stage": progress.Stage})

	if !t.transition(ctx, executionID, model.ExecutionStateRunning, model.UpdateMetadata{
		Progress:  &progress,
		Heartbeat: true,
	}) {
		return false
	}

	t.emit(ctx, model.EventProgress, executionID, map[string]interface{}{
		"stage":              progress.Stage,
		"percentage":         progress.Percentage,
		"message":            progress.Message,
		"heartbeat_accepted": accepted,
	})
	return true
}

// CompleteExecution tears down monitoring and records the result. When the
// current state cannot settle (a RECOVERING execution must report progress
// first) it returns false and monitoring stays armed.
func (t *Tracker) CompleteExecution(ctx context.Context, executionID string, result model.ExecutionResult) bool {
	state := model.ExecutionStateSuccess
	meta := model.UpdateMetadata{}
	if !result.Success {
		state = model.ExecutionStateFailed
		meta.Error = result.Error
		if meta.Error == "" {
			meta.Error = "execution reported failure"
		}
	}
	if !t.canTransition(executionID, state) {
		return false
	}

	t.teardown(executionID)
	if !t.transition(ctx, executionID, state, meta) {
		return false
	}

	record := t.registry.GetExecution(executionID)
	payload := map[string]interface{}{
		"success": result.Success,
	}
	if len(result.Output) > 0 {
		payload["output"] = result.Output
	}
	if meta.Error != "" {
		payload["error"] = meta.Error
	}
	if record != nil {
		payload["duration_seconds"] = record.Duration(time.Now()).Seconds()
	}

	t.logger.Info("Execution completed",
		zap.String("execution_id", executionID),
		zap.Bool("success", result.Success))
	t.emit(ctx, model.EventCompleted, executionID, payload)

	if !result.Success {
		t.runRecoveryHook(ctx, executionID, errors.New(meta.Error))
	}
	return true
}

// HandleExecutionFailure tears down monitoring, records the error and invokes the recovery hook
func (t *Tracker) HandleExecutionFailure(ctx context.Context, executionID string, cause error) bool {
	if !t.canTransition(executionID, model.ExecutionStateFailed) {
		return false
	}
	t.teardown(executionID)

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if !t.transition(ctx, executionID, model.ExecutionStateFailed, model.UpdateMetadata{Error: msg}) {
		return false
	}

	t.logger.Warn("Execution failed",
		zap.String("execution_id", executionID),
		zap.String("error", msg))
	t.emit(ctx, model.EventFailed, executionID, map[string]interface{}{
		"error": msg,
	})
	t.runRecoveryHook(ctx, executionID, cause)
	return true
}

// onAgentDeath reacts to the heartbeat monitor declaring an execution dead
func (t *Tracker) onAgentDeath(ctx context.Context, executionID string, status model.HeartbeatStatus) {
	t.timeouts.ClearTimeout(executionID)

	reason := fmt.Sprintf("%s: missed %d heartbeats", model.ErrCodeLivenessFailure, status.MissedHeartbeats)
	if !t.transition(ctx, executionID, model.ExecutionStateFailed, model.UpdateMetadata{
		Error:          reason,
		RecoveryAction: string(model.EventAgentDeath),
	}) {
		return
	}

	record := t.registry.GetExecution(executionID)
	if record != nil {
		t.instruments.Death(ctx, monitor.AgentPrefix(record.AgentName))
	}

	t.emit(ctx, model.EventAgentDeath, executionID, map[string]interface{}{
		"reason":            model.DeathReasonHeartbeat,
		"missed_heartbeats": status.MissedHeartbeats,
		"last_heartbeat":    status.LastHeartbeat,
	})
	t.runRecoveryHook(ctx, executionID, fmt.Errorf("%w: missed %d heartbeats since %s",
		model.ErrLivenessFailure, status.MissedHeartbeats, status.LastHeartbeat.Format(time.RFC3339)))
}

// onTimeout reacts to the timeout manager expiring an execution's deadline
func (t *Tracker) onTimeout(ctx context.Context, executionID string, info model.TimeoutInfo) {
	t.heartbeats.StopMonitoring(executionID)

	if !t.transition(ctx, executionID, model.ExecutionStateTimeout, model.UpdateMetadata{
		Error:          info.TimeoutReason,
		RecoveryAction: model.DeathReasonTimeout,
	}) {
		return
	}

	record := t.registry.GetExecution(executionID)
	if record != nil {
		t.instruments.Timeout(ctx, monitor.AgentPrefix(record.AgentName))
	}

	t.emit(ctx, model.EventAgentDeath, executionID, map[string]interface{}{
		"reason":          model.DeathReasonTimeout,
		"timeout_seconds": info.Timeout.Seconds(),
		"timeout_at":      info.TimeoutAt,
	})
	t.runRecoveryHook(ctx, executionID, fmt.Errorf("%w: %s", model.ErrDeadlineExceeded, info.TimeoutReason))
}

// onRecordsPurged drops ledger entries left behind by records removed from the registry
func (t *Tracker) onRecordsPurged(records []*model.ExecutionRecord) {
	for _, rec := range records {
		t.heartbeats.StopMonitoring(rec.ExecutionID)
		t.timeouts.ClearTimeout(rec.ExecutionID)
	}
}

// canTransition reports whether the execution exists and may move to state.
// Settling paths check it before teardown so a rejected settle leaves
// monitoring armed.
func (t *Tracker) canTransition(executionID string, state model.ExecutionState) bool {
	record := t.registry.GetExecution(executionID)
	if record == nil {
		t.logger.Debug("Ignoring transition for unknown execution",
			zap.String("execution_id", executionID),
			zap.String("target", string(state)))
		return false
	}
	if !record.State.CanTransitionTo(state) {
		t.logger.Debug("Ignoring disallowed transition",
			zap.String("execution_id", executionID),
			zap.String("from", string(record.State)),
			zap.String("target", string(state)))
		return false
	}
	return true
}

// teardown removes an execution from both monitors
func (t *Tracker) teardown(executionID string) {
	t.heartbeats.StopMonitoring(executionID)
	t.timeouts.ClearTimeout(executionID)
}

// transition applies a state change. Rejected transitions are late races with
// another path that already settled the execution and are only logged.
func (t *Tracker) transition(ctx context.Context, executionID string, state model.ExecutionState, meta model.UpdateMetadata) bool {
	ok, err := t.registry.UpdateExecutionState(executionID, state, meta)
	if err != nil {
		t.logger.Debug("Ignoring rejected transition",
			zap.String("execution_id", executionID),
			zap.String("target", string(state)),
			zap.Error(err))
		return false
	}
	if !ok {
		t.logger.Debug("Ignoring transition for unknown execution",
			zap.String("execution_id", executionID),
			zap.String("target", string(state)))
		return false
	}
	t.instruments.Transition(ctx, string(state))
	return true
}

func (t *Tracker) runRecoveryHook(ctx context.Context, executionID string, cause error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Recovery hook panicked",
				zap.String("execution_id", executionID),
				zap.Error(fmt.Errorf("%w: %v", model.ErrCallbackFailed, r)))
		}
	}()
	t.hook.OnRecovery(ctx, executionID, t.registry.GetExecution(executionID), cause)
}

// emit builds an event from the current record and delivers it inline or on a
// goroutine. Delivery failures are logged and counted, never returned.
func (t *Tracker) emit(ctx context.Context, kind model.EventKind, executionID string, payload map[string]interface{}) {
	event := model.ExecutionEvent{
		Kind:        kind,
		ExecutionID: executionID,
		Payload:     payload,
		Timestamp:   time.Now(),
	}
	if record := t.registry.GetExecution(executionID); record != nil {
		event.RunID = record.RunID
		event.AgentName = record.AgentName
	}

	if !t.cfg.AsyncNotifications {
		t.deliver(ctx, event)
		return
	}

	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		t.deliver(context.WithoutCancel(ctx), event)
	}()
}

func (t *Tracker) deliver(ctx context.Context, event model.ExecutionEvent) {
	if err := t.fanout.OnExecutionEvent(ctx, event); err != nil {
		t.notificationsFailed.Add(1)
		t.instruments.NotificationFailed(ctx, string(event.Kind))
		t.logger.Warn("Failed to deliver execution event",
			zap.String("kind", string(event.Kind)),
			zap.String("execution_id", event.ExecutionID),
			zap.Error(err))
		return
	}
	t.notificationsSent.Add(1)
}
