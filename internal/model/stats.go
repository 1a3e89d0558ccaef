package model

import "time"

// SystemStats represents host resource usage sampled alongside tracker metrics
type SystemStats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// MetricsSnapshot is what the metrics collector publishes on every tick
type MetricsSnapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	System    SystemStats    `json:"system"`
	Tracker   TrackerMetrics `json:"tracker"`
	Health    HealthReport   `json:"health"`
}
