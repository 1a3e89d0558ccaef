package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/execution-tracker/internal/model"
)

// TimeoutConfig holds timeout manager settings. AgentTimeouts is keyed by the
// agent name prefix before the first underscore.
type TimeoutConfig struct {
	DefaultTimeout time.Duration            `mapstructure:"default"`
	AgentTimeouts  map[string]time.Duration `mapstructure:"agents"`
	CheckInterval  time.Duration            `mapstructure:"check_interval"`
}

// DefaultTimeoutConfig returns the default timeout configuration
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		DefaultTimeout: 15 * time.Minute,
		AgentTimeouts: map[string]time.Duration{
			"triage":    5 * time.Minute,
			"analysis":  30 * time.Minute,
			"anomaly":   20 * time.Minute,
			"synthetic": 60 * time.Minute,
		},
		CheckInterval: 10 * time.Second,
	}
}

// TimeoutCallback is invoked once when an execution's deadline passes
type TimeoutCallback func(ctx context.Context, executionID string, info model.TimeoutInfo)

// TimeoutManager enforces a wall-clock deadline per execution
type TimeoutManager struct {
	cfg    TimeoutConfig
	logger *zap.Logger

	mu        sync.RWMutex
	timeouts  map[string]*model.TimeoutInfo
	callbacks []TimeoutCallback

	expired atomic.Int64
	now     func() time.Time
}

// NewTimeoutManager creates a new timeout manager
func NewTimeoutManager(cfg TimeoutConfig, logger *zap.Logger) *TimeoutManager {
	defaults := DefaultTimeoutConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	agents := make(map[string]time.Duration, len(cfg.AgentTimeouts))
	for prefix, d := range cfg.AgentTimeouts {
		agents[strings.ToLower(prefix)] = d
	}
	cfg.AgentTimeouts = agents

	return &TimeoutManager{
		cfg:      cfg,
		logger:   logger.Named("timeout-manager"),
		timeouts: make(map[string]*model.TimeoutInfo),
		now:      time.Now,
	}
}

// AgentPrefix returns the timeout table key of an agent name
func AgentPrefix(agentName string) string {
	prefix, _, _ := strings.Cut(agentName, "_")
	return strings.ToLower(prefix)
}

// ResolveTimeout returns the default timeout for an agent name
func (m *TimeoutManager) ResolveTimeout(agentName string) time.Duration {
	if d, ok := m.cfg.AgentTimeouts[AgentPrefix(agentName)]; ok && d > 0 {
		return d
	}
	return m.cfg.DefaultTimeout
}

// SetTimeout starts or restarts the deadline of an execution. A zero timeout is
// resolved from the agent name.
func (m *TimeoutManager) SetTimeout(executionID string, timeout time.Duration, agentName string) (model.TimeoutInfo, error) {
	if executionID == "" {
		return model.TimeoutInfo{}, fmt.Errorf("%w: execution_id is required", model.ErrValidation)
	}
	if timeout < 0 {
		return model.TimeoutInfo{}, fmt.Errorf("%w: timeout must not be negative, got %s", model.ErrValidation, timeout)
	}
	if timeout == 0 {
		timeout = m.ResolveTimeout(agentName)
	}

	now := m.now()
	info := &model.TimeoutInfo{
		ExecutionID: executionID,
		Timeout:     timeout,
		StartedAt:   now,
		TimeoutAt:   now.Add(timeout),
		Remaining:   timeout,
	}

	m.mu.Lock()
	m.timeouts[executionID] = info
	out := *info
	m.mu.Unlock()

	m.logger.Debug("Set execution timeout",
		zap.String("execution_id", executionID),
		zap.String("agent_name", agentName),
		zap.Duration("timeout", timeout))
	return out, nil
}

// ExtendTimeout pushes the deadline back by extra. It returns false when the
// execution is unknown, already expired, or extra is not positive.
func (m *TimeoutManager) ExtendTimeout(executionID string, extra time.Duration, reason string) bool {
	if extra <= 0 {
		return false
	}
	now := m.now()

	m.mu.Lock()
	info, ok := m.timeouts[executionID]
	if !ok || info.HasTimedOut || !now.Before(info.TimeoutAt) {
		m.mu.Unlock()
		return false
	}
	info.Timeout += extra
	info.TimeoutAt = info.TimeoutAt.Add(extra)
	info.Extensions++
	timeoutAt := info.TimeoutAt
	m.mu.Unlock()

	m.logger.Info("Extended execution timeout",
		zap.String("execution_id", executionID),
		zap.Duration("extra", extra),
		zap.Time("timeout_at", timeoutAt),
		zap.String("reason", reason))
	return true
}

// ClearTimeout stops tracking an execution. It returns false if it was not tracked.
func (m *TimeoutManager) ClearTimeout(executionID string) bool {
	m.mu.Lock()
	_, ok := m.timeouts[executionID]
	delete(m.timeouts, executionID)
	m.mu.Unlock()
	return ok
}

// CheckTimeouts flips every passed deadline exactly once, fires callbacks and
// returns the ids that expired on this call.
func (m *TimeoutManager) CheckTimeouts(ctx context.Context) []string {
	now := m.now()

	m.mu.Lock()
	var fired []model.TimeoutInfo
	for _, info := range m.timeouts {
		if info.HasTimedOut || now.Before(info.TimeoutAt) {
			continue
		}
		info.HasTimedOut = true
		info.TimeoutReason = fmt.Sprintf("exceeded timeout of %s", info.Timeout)
		snapshot := *info
		snapshot.Remaining = info.TimeoutAt.Sub(now)
		fired = append(fired, snapshot)
	}
	callbacks := make([]TimeoutCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	if len(fired) == 0 {
		return nil
	}
	m.expired.Add(int64(len(fired)))

	sort.Slice(fired, func(i, j int) bool {
		return fired[i].ExecutionID < fired[j].ExecutionID
	})
	ids := make([]string, 0, len(fired))
	for _, info := range fired {
		ids = append(ids, info.ExecutionID)
		m.logger.Warn("Execution timed out",
			zap.String("execution_id", info.ExecutionID),
			zap.Duration("timeout", info.Timeout))
	}

	for _, info := range fired {
		if ctx.Err() != nil {
			break
		}
		for _, fn := range callbacks {
			m.invoke(ctx, fn, info)
		}
	}
	return ids
}

func (m *TimeoutManager) invoke(ctx context.Context, fn TimeoutCallback, info model.TimeoutInfo) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Timeout callback panicked",
				zap.String("execution_id", info.ExecutionID),
				zap.Error(fmt.Errorf("%w: %v", model.ErrCallbackFailed, r)))
		}
	}()
	fn(ctx, info.ExecutionID, info)
}

// GetRemainingTime returns the time left before the deadline, clamped at zero
func (m *TimeoutManager) GetRemainingTime(executionID string) (time.Duration, bool) {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.timeouts[executionID]
	if !ok {
		return 0, false
	}
	if info.HasTimedOut {
		return 0, true
	}
	remaining := info.TimeoutAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// GetTimeoutInfo returns a copy of the ledger entry or nil. Remaining may be
// slightly negative until the next check marks the entry timed out.
func (m *TimeoutManager) GetTimeoutInfo(executionID string) *model.TimeoutInfo {
	now := m.now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.timeouts[executionID]
	if !ok {
		return nil
	}
	out := *info
	out.Remaining = info.TimeoutAt.Sub(now)
	return &out
}

// GetExpiredTimeouts returns the ids of executions marked timed out
func (m *TimeoutManager) GetExpiredTimeouts() []string {
	m.mu.RLock()
	var ids []string
	for id, info := range m.timeouts {
		if info.HasTimedOut {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Stats returns the number of tracked and expired timeouts
func (m *TimeoutManager) Stats() (tracked, expired int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, info := range m.timeouts {
		if info.HasTimedOut {
			expired++
		}
	}
	return len(m.timeouts), expired
}

// TimeoutsDetected returns how many deadlines have expired since creation
func (m *TimeoutManager) TimeoutsDetected() int64 {
	return m.expired.Load()
}

// AddTimeoutCallback registers a callback for expired deadlines
func (m *TimeoutManager) AddTimeoutCallback(fn TimeoutCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// Run checks deadlines every check interval until ctx is done
func (m *TimeoutManager) Run(ctx context.Context) error {
	m.logger.Info("Starting timeout manager", zap.Duration("check_interval", m.cfg.CheckInterval))

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stopped timeout manager")
			return nil
		case <-ticker.C:
			m.CheckTimeouts(ctx)
		}
	}
}
