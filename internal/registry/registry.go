package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/execution-tracker/internal/model"
)

const durationSmoothing = 0.1

// Config holds registry retention settings
type Config struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Retention       time.Duration `mapstructure:"retention"`
}

// DefaultConfig returns the default registry configuration
func DefaultConfig() Config {
	return Config{
		CleanupInterval: time.Hour,
		Retention:       24 * time.Hour,
	}
}

// Archiver receives records removed by retention cleanup
type Archiver interface {
	Archive(ctx context.Context, records []*model.ExecutionRecord) error
}

// CleanupListener is called with the records removed by a cleanup pass
type CleanupListener func(records []*model.ExecutionRecord)

// Registry is the system of record for tracked executions
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.RWMutex
	executions map[string]*model.ExecutionRecord
	metrics    model.ExecutionMetrics
	// outcome each execution is currently counted under
	outcomes map[string]model.ExecutionState

	hooksMu   sync.RWMutex
	archiver  Archiver
	listeners []CleanupListener

	now func() time.Time
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// New creates a new registry
func New(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:        cfg,
		logger:     logger.Named("registry"),
		executions: make(map[string]*model.ExecutionRecord),
		outcomes:   make(map[string]model.ExecutionState),
		now:        time.Now,
	}
}

// SetArchiver sets the destination for records removed by cleanup
func (r *Registry) SetArchiver(a Archiver) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.archiver = a
}

// AddCleanupListener registers a listener for cleanup passes
func (r *Registry) AddCleanupListener(fn CleanupListener) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// RegisterExecution creates a new PENDING record
func (r *Registry) RegisterExecution(runID, agentName string, execCtx map[string]interface{}) (*model.ExecutionRecord, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("%w: run_id is required", model.ErrValidation)
	}
	if strings.TrimSpace(agentName) == "" {
		return nil, fmt.Errorf("%w: agent_name is required", model.ErrValidation)
	}

	now := r.now()
	ctxCopy := make(map[string]interface{}, len(execCtx))
	for k, v := range execCtx {
		ctxCopy[k] = v
	}

	record := &model.ExecutionRecord{
		ExecutionID: newExecutionID(agentName, runID, now),
		RunID:       runID,
		AgentName:   agentName,
		State:       model.ExecutionStatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Context:     ctxCopy,
	}

	r.mu.Lock()
	r.executions[record.ExecutionID] = record
	r.metrics.TotalExecutions++
	r.metrics.ActiveExecutions++
	out := record.Clone()
	r.mu.Unlock()

	r.logger.Debug("Registered execution",
		zap.String("execution_id", record.ExecutionID),
		zap.String("run_id", runID),
		zap.String("agent_name", agentName))
	return out, nil
}

func newExecutionID(agentName, runID string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%d_%s", agentName, runID, now.UnixNano(), uuid.NewString()[:8])
}

// UpdateExecutionState applies a transition and merges metadata into the record.
// It returns false without error for an unknown id and ErrInvalidTransition when
// the target is not an allowed successor of the current state.
func (r *Registry) UpdateExecutionState(executionID string, state model.ExecutionState, meta model.UpdateMetadata) (bool, error) {
	if !state.IsValid() {
		return false, fmt.Errorf("%w: unknown state %q", model.ErrValidation, state)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.executions[executionID]
	if !ok {
		return false, nil
	}

	prev := record.State
	if !prev.CanTransitionTo(state) {
		return false, fmt.Errorf("%w: %s -> %s for %s", model.ErrInvalidTransition, prev, state, executionID)
	}

	now := r.now()
	if now.Before(record.UpdatedAt) {
		now = record.UpdatedAt
	}

	record.State = state
	record.UpdatedAt = now
	if meta.Error != "" {
		record.Error = meta.Error
	}
	if meta.Progress != nil {
		record.Progress = meta.Progress.Normalize()
	}
	if meta.RecoveryAction != "" {
		record.RecoveryActions = append(record.RecoveryActions, model.RecoveryAction{
			Action:    meta.RecoveryAction,
			State:     state,
			Timestamp: now,
		})
	}
	if meta.RetryCount != nil {
		record.RetryCount = *meta.RetryCount
	}
	if meta.TimeoutAt != nil {
		t := *meta.TimeoutAt
		record.TimeoutAt = &t
	}
	if meta.Heartbeat {
		t := now
		record.HeartbeatAt = &t
	}
	firstSettle := state.IsSettled() && record.CompletedAt == nil
	if firstSettle {
		t := now
		record.CompletedAt = &t
	}

	r.recordTransition(prev, record, now, firstSettle)
	return true, nil
}

// recordTransition updates the aggregate counters. Each execution is counted
// under its latest outcome only, and contributes to the average duration once.
// Caller must hold mu.
func (r *Registry) recordTransition(prev model.ExecutionState, record *model.ExecutionRecord, now time.Time, firstSettle bool) {
	next := record.State
	switch {
	case prev.IsActive() && !next.IsActive():
		r.metrics.ActiveExecutions--
	case !prev.IsActive() && next.IsActive():
		r.metrics.ActiveExecutions++
	}

	switch next {
	case model.ExecutionStateSuccess, model.ExecutionStateFailed, model.ExecutionStateTimeout:
	default:
		return
	}

	if counted, ok := r.outcomes[record.ExecutionID]; ok {
		r.countOutcome(counted, -1)
	}
	r.countOutcome(next, 1)
	r.outcomes[record.ExecutionID] = next

	if !firstSettle {
		return
	}

	d := now.Sub(record.CreatedAt)
	if r.metrics.AverageDuration == 0 {
		r.metrics.AverageDuration = d
		return
	}
	avg := (1-durationSmoothing)*float64(r.metrics.AverageDuration) + durationSmoothing*float64(d)
	r.metrics.AverageDuration = time.Duration(avg)
}

func (r *Registry) countOutcome(state model.ExecutionState, delta int) {
	switch state {
	case model.ExecutionStateSuccess:
		r.metrics.SuccessfulExecutions += delta
	case model.ExecutionStateFailed:
		r.metrics.FailedExecutions += delta
	case model.ExecutionStateTimeout:
		r.metrics.TimeoutExecutions += delta
	}
}

// SetTimeoutAt updates the record's own deadline
func (r *Registry) SetTimeoutAt(executionID string, t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.executions[executionID]
	if !ok {
		return false
	}
	record.TimeoutAt = &t
	if now := r.now(); now.After(record.UpdatedAt) {
		record.UpdatedAt = now
	}
	return true
}

// GetExecution returns a copy of the record or nil
func (r *Registry) GetExecution(executionID string) *model.ExecutionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executions[executionID].Clone()
}

// GetActiveExecutions returns records that have not settled
func (r *Registry) GetActiveExecutions() []*model.ExecutionRecord {
	return r.filter(func(rec *model.ExecutionRecord) bool {
		return rec.State.IsActive()
	})
}

// GetExecutionsByAgent returns all records of an agent
func (r *Registry) GetExecutionsByAgent(agentName string) []*model.ExecutionRecord {
	return r.filter(func(rec *model.ExecutionRecord) bool {
		return rec.AgentName == agentName
	})
}

// GetExecutionsByRunID returns all records sharing a run id
func (r *Registry) GetExecutionsByRunID(runID string) []*model.ExecutionRecord {
	return r.filter(func(rec *model.ExecutionRecord) bool {
		return rec.RunID == runID
	})
}

// GetTimedOutExecutions returns active records whose own timeout_at has passed.
// This is independent of the timeout manager's ledger.
func (r *Registry) GetTimedOutExecutions() []*model.ExecutionRecord {
	now := r.now()
	return r.filter(func(rec *model.ExecutionRecord) bool {
		return rec.State.IsActive() && rec.TimeoutAt != nil && now.After(*rec.TimeoutAt)
	})
}

// GetStaleExecutions returns active records not updated within threshold
func (r *Registry) GetStaleExecutions(threshold time.Duration) []*model.ExecutionRecord {
	cutoff := r.now().Add(-threshold)
	return r.filter(func(rec *model.ExecutionRecord) bool {
		return rec.State.IsActive() && rec.UpdatedAt.Before(cutoff)
	})
}

func (r *Registry) filter(match func(*model.ExecutionRecord) bool) []*model.ExecutionRecord {
	r.mu.RLock()
	out := make([]*model.ExecutionRecord, 0)
	for _, rec := range r.executions {
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetMetrics returns the aggregate counters
func (r *Registry) GetMetrics() model.ExecutionMetrics {
	r.mu.RLock()
	m := r.metrics
	r.mu.RUnlock()

	settled := m.SuccessfulExecutions + m.FailedExecutions + m.TimeoutExecutions
	if settled > 0 {
		m.SuccessRate = float64(m.SuccessfulExecutions) / float64(settled)
	}
	return m
}

// CleanupExpiredExecutions removes settled records whose last update is older
// than retention and returns how many were removed.
func (r *Registry) CleanupExpiredExecutions(ctx context.Context, retention time.Duration) int {
	cutoff := r.now().Add(-retention)

	r.mu.Lock()
	var removed []*model.ExecutionRecord
	for id, rec := range r.executions {
		if rec.State.IsSettled() && rec.UpdatedAt.Before(cutoff) {
			removed = append(removed, rec)
			delete(r.executions, id)
			delete(r.outcomes, id)
		}
	}
	r.mu.Unlock()

	if len(removed) == 0 {
		return 0
	}

	r.hooksMu.RLock()
	archiver := r.archiver
	listeners := make([]CleanupListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.hooksMu.RUnlock()

	if archiver != nil {
		if err := archiver.Archive(ctx, removed); err != nil {
			r.logger.Error("Failed to archive expired executions",
				zap.Int("count", len(removed)),
				zap.Error(err))
		}
	}
	for _, fn := range listeners {
		r.notifyCleanup(fn, removed)
	}

	r.logger.Info("Cleaned up expired executions",
		zap.Int("count", len(removed)),
		zap.Duration("retention", retention))
	return len(removed)
}

func (r *Registry) notifyCleanup(fn CleanupListener, removed []*model.ExecutionRecord) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Cleanup listener panicked",
				zap.Error(fmt.Errorf("%w: %v", model.ErrCallbackFailed, rec)))
		}
	}()
	fn(removed)
}

// Run runs periodic retention cleanup until ctx is done
func (r *Registry) Run(ctx context.Context) error {
	if r.cfg.CleanupInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	cl := &cronLogger{logger: r.logger.Named("cron")}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	schedule := fmt.Sprintf("@every %s", r.cfg.CleanupInterval)
	if _, err := c.AddFunc(schedule, func() {
		r.CleanupExpiredExecutions(ctx, r.cfg.Retention)
	}); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}

	c.Start()
	r.logger.Info("Started registry cleanup",
		zap.Duration("interval", r.cfg.CleanupInterval),
		zap.Duration("retention", r.cfg.Retention))

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("Stopped registry cleanup")
	return nil
}
