package model

import "time"

// HeartbeatStatus is the heartbeat monitor's ledger entry for one execution
type HeartbeatStatus struct {
	ExecutionID       string            `json:"execution_id"`
	LastHeartbeat     time.Time         `json:"last_heartbeat"`
	IsAlive           bool              `json:"is_alive"`
	MissedHeartbeats  int               `json:"missed_heartbeats"`
	HeartbeatInterval time.Duration     `json:"heartbeat_interval"`
	NextExpected      time.Time         `json:"next_expected"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// TimeoutInfo is the timeout manager's ledger entry for one execution.
// Remaining is recomputed on every read and may be slightly negative until the
// next check flips HasTimedOut; callers must check HasTimedOut, not the sign.
type TimeoutInfo struct {
	ExecutionID   string        `json:"execution_id"`
	Timeout       time.Duration `json:"timeout"`
	StartedAt     time.Time     `json:"started_at"`
	TimeoutAt     time.Time     `json:"timeout_at"`
	Remaining     time.Duration `json:"remaining"`
	HasTimedOut   bool          `json:"has_timed_out"`
	TimeoutReason string        `json:"timeout_reason,omitempty"`
	Extensions    int           `json:"extensions"`
}
