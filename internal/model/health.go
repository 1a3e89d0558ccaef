package model

import "time"

// HealthLevel represents the severity of a subsystem's health
type HealthLevel string

const (
	HealthLevelHealthy  HealthLevel = "healthy"
	HealthLevelDegraded HealthLevel = "degraded"
	HealthLevelCritical HealthLevel = "critical"
)

var healthRank = map[HealthLevel]int{
	HealthLevelHealthy:  0,
	HealthLevelDegraded: 1,
	HealthLevelCritical: 2,
}

// HealthLevelForCount maps a count of failed executions to a severity:
// more than 3 is critical, more than 1 is degraded.
func HealthLevelForCount(n int) HealthLevel {
	switch {
	case n > 3:
		return HealthLevelCritical
	case n > 1:
		return HealthLevelDegraded
	default:
		return HealthLevelHealthy
	}
}

// MaxHealthLevel returns the most severe of the given levels
func MaxHealthLevel(levels ...HealthLevel) HealthLevel {
	worst := HealthLevelHealthy
	for _, l := range levels {
		if healthRank[l] > healthRank[worst] {
			worst = l
		}
	}
	return worst
}

// SubsystemHealth is the health of one monitoring subsystem
type SubsystemHealth struct {
	Status  HealthLevel `json:"status"`
	Tracked int         `json:"tracked"`
	Failing int         `json:"failing"`
}

// HealthReport is the tracker's aggregated health
type HealthReport struct {
	Status     HealthLevel                `json:"status"`
	Subsystems map[string]SubsystemHealth `json:"subsystems"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// TrackerMetrics aggregates counters from all tracker subsystems
type TrackerMetrics struct {
	Registry            ExecutionMetrics `json:"registry"`
	MonitoredExecutions int              `json:"monitored_executions"`
	DeadExecutions      int              `json:"dead_executions"`
	TrackedTimeouts     int              `json:"tracked_timeouts"`
	ExpiredTimeouts     int              `json:"expired_timeouts"`
	DeathsDetected      int64            `json:"deaths_detected"`
	TimeoutsDetected    int64            `json:"timeouts_detected"`
	NotificationsSent   int64            `json:"notifications_sent"`
	NotificationsFailed int64            `json:"notifications_failed"`
}
