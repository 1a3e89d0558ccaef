package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/execution-tracker/internal/model"
)

// HeartbeatConfig holds heartbeat monitor settings
type HeartbeatConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxMissed     int           `mapstructure:"max_missed"`
	RecoveryDelay time.Duration `mapstructure:"recovery_delay"`
}

// DefaultHeartbeatConfig returns the default heartbeat configuration
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:  30 * time.Second,
		MaxMissed: 6,
	}
}

// FailureCallback is invoked once when an execution is declared dead
type FailureCallback func(ctx context.Context, executionID string, status model.HeartbeatStatus)

type heartbeatEntry struct {
	status     model.HeartbeatStatus
	generation uint64
}

type deathNotice struct {
	status     model.HeartbeatStatus
	generation uint64
}

// HeartbeatMonitor declares executions dead after a number of missed heartbeats
type HeartbeatMonitor struct {
	cfg    HeartbeatConfig
	logger *zap.Logger

	mu         sync.RWMutex
	entries    map[string]*heartbeatEntry
	callbacks  []FailureCallback
	generation uint64

	deaths atomic.Int64
	now    func() time.Time
}

// NewHeartbeatMonitor creates a new heartbeat monitor
func NewHeartbeatMonitor(cfg HeartbeatConfig, logger *zap.Logger) *HeartbeatMonitor {
	defaults := DefaultHeartbeatConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = defaults.MaxMissed
	}
	if cfg.RecoveryDelay < 0 {
		cfg.RecoveryDelay = 0
	}

	return &HeartbeatMonitor{
		cfg:     cfg,
		logger:  logger.Named("heartbeat-monitor"),
		entries: make(map[string]*heartbeatEntry),
		now:     time.Now,
	}
}

// Config returns the effective configuration
func (m *HeartbeatMonitor) Config() HeartbeatConfig {
	return m.cfg
}

// StartMonitoring begins tracking an execution. Calling it again resets the entry.
func (m *HeartbeatMonitor) StartMonitoring(executionID string) {
	now := m.now()

	m.mu.Lock()
	m.generation++
	m.entries[executionID] = &heartbeatEntry{
		status: model.HeartbeatStatus{
			ExecutionID:       executionID,
			LastHeartbeat:     now,
			IsAlive:           true,
			HeartbeatInterval: m.cfg.Interval,
			NextExpected:      now.Add(m.cfg.Interval),
		},
		generation: m.generation,
	}
	m.mu.Unlock()

	m.logger.Debug("Started heartbeat monitoring", zap.String("execution_id", executionID))
}

// SendHeartbeat records a heartbeat. It returns false when the execution is not monitored.
// A heartbeat for a dead execution is recorded but does not revive it.
func (m *HeartbeatMonitor) SendHeartbeat(executionID string, metadata map[string]string) bool {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[executionID]
	if !ok {
		return false
	}

	entry.status.LastHeartbeat = now
	if len(metadata) > 0 {
		entry.status.Metadata = copyMetadata(metadata)
	}
	if !entry.status.IsAlive {
		m.logger.Debug("Ignoring late heartbeat for dead execution", zap.String("execution_id", executionID))
		return true
	}
	entry.status.MissedHeartbeats = 0
	entry.status.NextExpected = now.Add(m.cfg.Interval)
	return true
}

// StopMonitoring removes an execution. It returns false if it was not monitored.
func (m *HeartbeatMonitor) StopMonitoring(executionID string) bool {
	m.mu.Lock()
	_, ok := m.entries[executionID]
	delete(m.entries, executionID)
	m.mu.Unlock()

	if ok {
		m.logger.Debug("Stopped heartbeat monitoring", zap.String("execution_id", executionID))
	}
	return ok
}

// IsAlive reports whether a monitored execution is alive
func (m *HeartbeatMonitor) IsAlive(executionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[executionID]
	return ok && entry.status.IsAlive
}

// GetHeartbeatStatus returns a copy of the ledger entry or nil
func (m *HeartbeatMonitor) GetHeartbeatStatus(executionID string) *model.HeartbeatStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[executionID]
	if !ok {
		return nil
	}
	status := entry.status
	status.Metadata = copyMetadata(entry.status.Metadata)
	return &status
}

// GetDeadExecutions returns the ids of monitored executions declared dead
func (m *HeartbeatMonitor) GetDeadExecutions() []string {
	m.mu.RLock()
	var dead []string
	for id, entry := range m.entries {
		if !entry.status.IsAlive {
			dead = append(dead, id)
		}
	}
	m.mu.RUnlock()

	sort.Strings(dead)
	return dead
}

// Stats returns the number of monitored and dead executions
func (m *HeartbeatMonitor) Stats() (monitored, dead int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entry := range m.entries {
		if !entry.status.IsAlive {
			dead++
		}
	}
	return len(m.entries), dead
}

// DeathsDetected returns how many deaths have been declared since creation
func (m *HeartbeatMonitor) DeathsDetected() int64 {
	return m.deaths.Load()
}

// AddFailureCallback registers a callback for declared deaths
func (m *HeartbeatMonitor) AddFailureCallback(fn FailureCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// ReviveExecution marks a monitored execution alive again. It returns false if
// the execution is not monitored.
func (m *HeartbeatMonitor) ReviveExecution(executionID string) bool {
	now := m.now()

	m.mu.Lock()
	entry, ok := m.entries[executionID]
	if ok {
		m.generation++
		entry.generation = m.generation
		entry.status.IsAlive = true
		entry.status.MissedHeartbeats = 0
		entry.status.LastHeartbeat = now
		entry.status.NextExpected = now.Add(m.cfg.Interval)
	}
	m.mu.Unlock()

	if ok {
		m.logger.Info("Revived execution", zap.String("execution_id", executionID))
	}
	return ok
}

// ForceCheckExecution applies the missed heartbeat check to one execution now
// and returns whether it is still alive.
func (m *HeartbeatMonitor) ForceCheckExecution(ctx context.Context, executionID string) bool {
	now := m.now()

	m.mu.Lock()
	entry, ok := m.entries[executionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	var notices []deathNotice
	if m.checkEntry(entry, now) {
		notices = append(notices, deathNotice{status: entry.status, generation: entry.generation})
	}
	alive := entry.status.IsAlive
	m.mu.Unlock()

	m.dispatch(ctx, notices)
	return alive
}

// CheckHeartbeats runs one detection pass and returns the ids declared dead by it
func (m *HeartbeatMonitor) CheckHeartbeats(ctx context.Context) []string {
	now := m.now()

	m.mu.Lock()
	var notices []deathNotice
	for _, entry := range m.entries {
		if m.checkEntry(entry, now) {
			notices = append(notices, deathNotice{status: entry.status, generation: entry.generation})
		}
	}
	m.mu.Unlock()

	sort.Slice(notices, func(i, j int) bool {
		return notices[i].status.ExecutionID < notices[j].status.ExecutionID
	})
	ids := make([]string, 0, len(notices))
	for _, n := range notices {
		ids = append(ids, n.status.ExecutionID)
	}

	m.dispatch(ctx, notices)
	return ids
}

// checkEntry counts at most one missed beat and reports whether the entry died
// on this call. A beat counts as missed half an interval after it was due.
// Caller must hold mu.
func (m *HeartbeatMonitor) checkEntry(entry *heartbeatEntry, now time.Time) bool {
	s := &entry.status
	if !s.IsAlive {
		return false
	}
	if !now.After(s.NextExpected.Add(m.cfg.Interval / 2)) {
		return false
	}

	s.MissedHeartbeats++
	s.NextExpected = s.NextExpected.Add(m.cfg.Interval)
	if s.MissedHeartbeats < m.cfg.MaxMissed {
		m.logger.Debug("Missed heartbeat",
			zap.String("execution_id", s.ExecutionID),
			zap.Int("missed", s.MissedHeartbeats))
		return false
	}

	s.IsAlive = false
	m.deaths.Add(1)
	m.logger.Warn("Execution declared dead",
		zap.String("execution_id", s.ExecutionID),
		zap.Int("missed", s.MissedHeartbeats),
		zap.Time("last_heartbeat", s.LastHeartbeat))
	return true
}

// dispatch waits for the recovery delay and then fires failure callbacks for
// every notice whose entry is still dead and unchanged.
func (m *HeartbeatMonitor) dispatch(ctx context.Context, notices []deathNotice) {
	if len(notices) == 0 {
		return
	}

	if m.cfg.RecoveryDelay > 0 {
		timer := time.NewTimer(m.cfg.RecoveryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	m.mu.RLock()
	callbacks := make([]FailureCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	pending := notices[:0]
	for _, n := range notices {
		entry, ok := m.entries[n.status.ExecutionID]
		if !ok || entry.generation != n.generation || entry.status.IsAlive {
			m.logger.Debug("Skipping failure callbacks for stopped or revived execution",
				zap.String("execution_id", n.status.ExecutionID))
			continue
		}
		pending = append(pending, n)
	}
	m.mu.RUnlock()

	for _, n := range pending {
		if ctx.Err() != nil {
			return
		}
		for _, fn := range callbacks {
			m.invoke(ctx, fn, n.status)
		}
	}
}

func (m *HeartbeatMonitor) invoke(ctx context.Context, fn FailureCallback, status model.HeartbeatStatus) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Failure callback panicked",
				zap.String("execution_id", status.ExecutionID),
				zap.Error(fmt.Errorf("%w: %v", model.ErrCallbackFailed, r)))
		}
	}()
	fn(ctx, status.ExecutionID, status)
}

// Run checks heartbeats every interval until ctx is done
func (m *HeartbeatMonitor) Run(ctx context.Context) error {
	m.logger.Info("Starting heartbeat monitor",
		zap.Duration("interval", m.cfg.Interval),
		zap.Int("max_missed", m.cfg.MaxMissed))

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stopped heartbeat monitor")
			return nil
		case <-ticker.C:
			m.CheckHeartbeats(ctx)
		}
	}
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
