package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/execution-tracker/internal/model"
)

const (
	MetricsStream  = "METRICS"
	MetricsSubject = "metrics.executions"
)

// MetricsSource provides the tracker counters and health sampled by the collector
type MetricsSource interface {
	GetTrackerMetrics() model.TrackerMetrics
	GetHealthStatus() model.HealthReport
}

// MetricsCollector periodically samples host and tracker metrics and publishes them
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	source   MetricsSource
	interval time.Duration

	mu   sync.RWMutex
	last *model.MetricsSnapshot
}

// NewMetricsCollector creates a new metrics collector. A nil js only logs snapshots.
func NewMetricsCollector(js nats.JetStreamContext, source MetricsSource, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		source:   source,
		interval: interval,
	}
}

func (c *MetricsCollector) ensureStream() error {
	_, err := c.js.StreamInfo(MetricsStream)
	if err == nil {
		c.logger.Info("Using existing metrics stream", zap.String("name", MetricsStream))
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:     MetricsStream,
		Subjects: []string{"metrics.*"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	c.logger.Info("Created metrics stream", zap.String("name", MetricsStream))
	return nil
}

// Run collects metrics every interval until ctx is done
func (c *MetricsCollector) Run(ctx context.Context) error {
	if c.js != nil {
		if err := c.ensureStream(); err != nil {
			return err
		}
	}

	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopped metrics collector")
			return nil
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil {
				c.logger.Error("Failed to collect metrics", zap.Error(err))
			}
		}
	}
}

// Collect takes one snapshot and publishes it
func (c *MetricsCollector) Collect(ctx context.Context) (*model.MetricsSnapshot, error) {
	snapshot := &model.MetricsSnapshot{
		Timestamp: time.Now(),
		System:    c.sampleSystem(ctx),
		Tracker:   c.source.GetTrackerMetrics(),
		Health:    c.source.GetHealthStatus(),
	}

	c.mu.Lock()
	c.last = snapshot
	c.mu.Unlock()

	if c.js != nil {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metrics: %w", err)
		}
		if _, err := c.js.Publish(MetricsSubject, data); err != nil {
			return nil, fmt.Errorf("failed to publish metrics: %w", err)
		}
	}

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snapshot.System.CPUUsage),
		zap.Float64("memory_usage", snapshot.System.MemoryUsage),
		zap.Int("active_executions", snapshot.Tracker.Registry.ActiveExecutions),
		zap.String("health", string(snapshot.Health.Status)))
	return snapshot, nil
}

// sampleSystem reads host usage. Failures are logged and leave the field zero.
func (c *MetricsCollector) sampleSystem(ctx context.Context) model.SystemStats {
	stats := model.SystemStats{CollectedAt: time.Now()}

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		c.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		c.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		stats.MemoryUsage = memInfo.UsedPercent
	}
	return stats
}

// LastSnapshot returns the most recent snapshot or nil
func (c *MetricsCollector) LastSnapshot() *model.MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
