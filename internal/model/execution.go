package model

import (
	"time"
)

// ExecutionState represents the lifecycle state of a tracked execution
type ExecutionState string

const (
	ExecutionStatePending      ExecutionState = "pending"
	ExecutionStateInitializing ExecutionState = "initializing"
	ExecutionStateRunning      ExecutionState = "running"
	ExecutionStateSuccess      ExecutionState = "success"
	ExecutionStateFailed       ExecutionState = "failed"
	ExecutionStateTimeout      ExecutionState = "timeout"
	ExecutionStateRecovering   ExecutionState = "recovering"
	ExecutionStateAborted      ExecutionState = "aborted"
)

// allowedTransitions maps each state to the states it may move to.
// RUNNING -> RUNNING is the only self-transition and represents a progress update.
var allowedTransitions = map[ExecutionState][]ExecutionState{
	ExecutionStatePending: {
		ExecutionStateInitializing,
		ExecutionStateRunning,
		ExecutionStateFailed,
		ExecutionStateTimeout,
		ExecutionStateAborted,
	},
	ExecutionStateInitializing: {
		ExecutionStateRunning,
		ExecutionStateSuccess,
		ExecutionStateFailed,
		ExecutionStateTimeout,
		ExecutionStateAborted,
	},
	ExecutionStateRunning: {
		ExecutionStateRunning,
		ExecutionStateSuccess,
		ExecutionStateFailed,
		ExecutionStateTimeout,
		ExecutionStateAborted,
	},
	ExecutionStateFailed: {
		ExecutionStateRecovering,
		ExecutionStateAborted,
	},
	ExecutionStateTimeout: {
		ExecutionStateRecovering,
		ExecutionStateAborted,
	},
	ExecutionStateRecovering: {
		ExecutionStateRunning,
		ExecutionStateFailed,
		ExecutionStateAborted,
	},
	ExecutionStateSuccess: {},
	ExecutionStateAborted: {},
}

// String returns the string representation of the state
func (s ExecutionState) String() string {
	return string(s)
}

// IsValid reports whether s is one of the canonical states
func (s ExecutionState) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are permitted from s
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionStateSuccess || s == ExecutionStateAborted
}

// IsSettled reports whether the execution has stopped running, either for good
// or pending a recovery decision. Settled records are eligible for retention cleanup.
func (s ExecutionState) IsSettled() bool {
	switch s {
	case ExecutionStateSuccess, ExecutionStateFailed, ExecutionStateTimeout, ExecutionStateAborted:
		return true
	}
	return false
}

// IsActive reports whether the execution is still expected to make progress
func (s ExecutionState) IsActive() bool {
	return s.IsValid() && !s.IsSettled()
}

// CanTransitionTo reports whether target is in the allowed-successor set of s
func (s ExecutionState) CanTransitionTo(target ExecutionState) bool {
	for _, next := range allowedTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the successor set of s
func (s ExecutionState) AllowedTransitions() []ExecutionState {
	next := allowedTransitions[s]
	out := make([]ExecutionState, len(next))
	copy(out, next)
	return out
}

// Progress describes how far an execution has advanced
type Progress struct {
	Stage      string  `json:"stage,omitempty"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message,omitempty"`
}

// Normalize clamps the percentage into [0, 100]
func (p Progress) Normalize() Progress {
	if p.Percentage < 0 {
		p.Percentage = 0
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
	return p
}

// RecoveryAction is one entry of the ordered recovery log of an execution
type RecoveryAction struct {
	Action    string         `json:"action"`
	State     ExecutionState `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
}

// ExecutionRecord is the registry's system-of-record entry for one execution
type ExecutionRecord struct {
	ExecutionID string         `json:"execution_id"`
	RunID       string         `json:"run_id"`
	AgentName   string         `json:"agent_name"`
	State       ExecutionState `json:"state"`

	// Timing fields
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TimeoutAt   *time.Time `json:"timeout_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`

	// Execution details
	Context         map[string]interface{} `json:"context,omitempty"`
	Progress        Progress               `json:"progress"`
	Error           string                 `json:"error,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	RecoveryActions []RecoveryAction       `json:"recovery_actions,omitempty"`
}

// Clone returns a copy that shares no mutable state with r
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.TimeoutAt = cloneTime(r.TimeoutAt)
	c.HeartbeatAt = cloneTime(r.HeartbeatAt)
	if r.Context != nil {
		c.Context = make(map[string]interface{}, len(r.Context))
		for k, v := range r.Context {
			c.Context[k] = v
		}
	}
	if r.RecoveryActions != nil {
		c.RecoveryActions = make([]RecoveryAction, len(r.RecoveryActions))
		copy(c.RecoveryActions, r.RecoveryActions)
	}
	return &c
}

// Duration returns how long the execution ran, or has been running so far
func (r *ExecutionRecord) Duration(now time.Time) time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.CreatedAt)
	}
	return now.Sub(r.CreatedAt)
}

// UpdateMetadata carries the optional fields merged into a record on a state update
type UpdateMetadata struct {
	Error          string
	Progress       *Progress
	RecoveryAction string
	RetryCount     *int
	TimeoutAt      *time.Time
	Heartbeat      bool
}

// ExecutionMetrics aggregates registry counters
type ExecutionMetrics struct {
	ActiveExecutions     int           `json:"active_executions"`
	TotalExecutions      int           `json:"total_executions"`
	SuccessfulExecutions int           `json:"successful_executions"`
	FailedExecutions     int           `json:"failed_executions"`
	TimeoutExecutions    int           `json:"timeout_executions"`
	AverageDuration      time.Duration `json:"average_duration"`
	SuccessRate          float64       `json:"success_rate"`
}

// ExecutionResult is what the owner of an execution reports on completion
type ExecutionResult struct {
	Success bool                   `json:"success"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// ExecutionStatus is the composite read model correlating the registry record
// with the heartbeat and timeout ledgers. It is computed on demand.
type ExecutionStatus struct {
	Record    *ExecutionRecord `json:"record"`
	Heartbeat *HeartbeatStatus `json:"heartbeat,omitempty"`
	Timeout   *TimeoutInfo     `json:"timeout,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
