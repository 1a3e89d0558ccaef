package tracker

import (
	"time"

	"github.com/t77yq/execution-tracker/internal/model"
)

// Health subsystem names
const (
	SubsystemHeartbeat = "heartbeat"
	SubsystemTimeout   = "timeout"
	SubsystemRegistry  = "registry"
)

// GetExecutionStatus correlates the record with both monitor ledgers. It
// returns nil for an unknown execution.
func (t *Tracker) GetExecutionStatus(executionID string) *model.ExecutionStatus {
	record := t.registry.GetExecution(executionID)
	if record == nil {
		return nil
	}
	return &model.ExecutionStatus{
		Record:    record,
		Heartbeat: t.heartbeats.GetHeartbeatStatus(executionID),
		Timeout:   t.timeouts.GetTimeoutInfo(executionID),
	}
}

// GetAllActiveExecutions returns the status of every execution that has not settled
func (t *Tracker) GetAllActiveExecutions() []*model.ExecutionStatus {
	records := t.registry.GetActiveExecutions()
	out := make([]*model.ExecutionStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, &model.ExecutionStatus{
			Record:    rec,
			Heartbeat: t.heartbeats.GetHeartbeatStatus(rec.ExecutionID),
			Timeout:   t.timeouts.GetTimeoutInfo(rec.ExecutionID),
		})
	}
	return out
}

// GetTrackerMetrics aggregates counters from all subsystems
func (t *Tracker) GetTrackerMetrics() model.TrackerMetrics {
	monitored, dead := t.heartbeats.Stats()
	tracked, expired := t.timeouts.Stats()

	return model.TrackerMetrics{
		Registry:            t.registry.GetMetrics(),
		MonitoredExecutions: monitored,
		DeadExecutions:      dead,
		TrackedTimeouts:     tracked,
		ExpiredTimeouts:     expired,
		DeathsDetected:      t.heartbeats.DeathsDetected(),
		TimeoutsDetected:    t.timeouts.TimeoutsDetected(),
		NotificationsSent:   t.notificationsSent.Load(),
		NotificationsFailed: t.notificationsFailed.Load(),
	}
}

// GetHealthStatus grades each subsystem by its failing count and reports the worst
func (t *Tracker) GetHealthStatus() model.HealthReport {
	monitored, dead := t.heartbeats.Stats()
	tracked, expired := t.timeouts.Stats()
	active := t.registry.GetMetrics().ActiveExecutions
	stale := len(t.registry.GetStaleExecutions(t.cfg.StaleThreshold))

	subsystems := map[string]model.SubsystemHealth{
		SubsystemHeartbeat: {Status: model.HealthLevelForCount(dead), Tracked: monitored, Failing: dead},
		SubsystemTimeout:   {Status: model.HealthLevelForCount(expired), Tracked: tracked, Failing: expired},
		SubsystemRegistry:  {Status: model.HealthLevelForCount(stale), Tracked: active, Failing: stale},
	}

	levels := make([]model.HealthLevel, 0, len(subsystems))
	for _, s := range subsystems {
		levels = append(levels, s.Status)
	}

	return model.HealthReport{
		Status:     model.MaxHealthLevel(levels...),
		Subsystems: subsystems,
		CheckedAt:  time.Now(),
	}
}
