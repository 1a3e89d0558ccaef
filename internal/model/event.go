package model

import "time"

// EventKind identifies an execution lifecycle notification
type EventKind string

const (
	EventStarted    EventKind = "started"
	EventProgress   EventKind = "progress"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
	EventAgentDeath EventKind = "agent_death"
)

// Death reasons carried in the payload of EventAgentDeath
const (
	DeathReasonHeartbeat = "heartbeat"
	DeathReasonTimeout   = "timeout"
)

// ExecutionEvent is delivered to notification listeners
type ExecutionEvent struct {
	Kind        EventKind              `json:"kind"`
	RunID       string                 `json:"run_id"`
	AgentName   string                 `json:"agent_name"`
	ExecutionID string                 `json:"execution_id"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}
