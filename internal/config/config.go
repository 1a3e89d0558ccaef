package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/execution-tracker/internal/model"
	"github.com/t77yq/execution-tracker/internal/monitor"
	"github.com/t77yq/execution-tracker/internal/registry"
	"github.com/t77yq/execution-tracker/internal/tracker"
)

// EnvPrefix prefixes every environment override, e.g. TRACKER_NATS_URL
const EnvPrefix = "TRACKER"

// Config is the resolved service configuration
type Config struct {
	App           AppConfig               `mapstructure:"app"`
	Log           LogConfig               `mapstructure:"log"`
	Heartbeat     monitor.HeartbeatConfig `mapstructure:"heartbeat"`
	Timeout       monitor.TimeoutConfig   `mapstructure:"timeout"`
	Registry      RegistryConfig          `mapstructure:"registry"`
	NATS          NATSConfig              `mapstructure:"nats"`
	Storage       StorageConfig           `mapstructure:"storage"`
	Metrics       MetricsConfig           `mapstructure:"metrics"`
	Notifications NotificationsConfig     `mapstructure:"notifications"`

	v *viper.Viper `mapstructure:"-"`
}

// AppConfig names the service in NATS connections and telemetry
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// LogConfig selects the zap level and encoder preset
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RegistryConfig controls retention cleanup and the stale execution threshold
type RegistryConfig struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Retention       time.Duration `mapstructure:"retention"`
	StaleThreshold  time.Duration `mapstructure:"stale_threshold"`
}

// NATSConfig configures the optional event transport. An empty URL disables it.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
}

// StorageConfig locates the SQLite execution history
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig sets the snapshot interval. An empty OTLPEndpoint disables export.
type MetricsConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	OTLPEndpoint string        `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool          `mapstructure:"otlp_insecure"`
}

// NotificationsConfig chooses inline or asynchronous event delivery
type NotificationsConfig struct {
	Async bool `mapstructure:"async"`
}

func setDefaults(v *viper.Viper) {
	hb := monitor.DefaultHeartbeatConfig()
	to := monitor.DefaultTimeoutConfig()
	reg := registry.DefaultConfig()

	v.SetDefault("app.name", "execution-tracker")
	v.SetDefault("app.version", "dev")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("heartbeat.interval", hb.Interval)
	v.SetDefault("heartbeat.max_missed", hb.MaxMissed)
	v.SetDefault("heartbeat.recovery_delay", hb.RecoveryDelay)

	v.SetDefault("timeout.default", to.DefaultTimeout)
	v.SetDefault("timeout.check_interval", to.CheckInterval)
	v.SetDefault("timeout.agents", to.AgentTimeouts)

	v.SetDefault("registry.cleanup_interval", reg.CleanupInterval)
	v.SetDefault("registry.retention", reg.Retention)
	v.SetDefault("registry.stale_threshold", tracker.DefaultConfig().StaleThreshold)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("storage.path", "execution_history.db")

	v.SetDefault("metrics.interval", 30*time.Second)
	v.SetDefault("metrics.otlp_endpoint", "")
	v.SetDefault("metrics.otlp_insecure", true)

	v.SetDefault("notifications.async", false)
}

// Load reads configuration from path, or from config/config.yaml when path is
// empty. A missing default file is not an error. Environment variables
// prefixed with TRACKER_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.v = v
	return &cfg, nil
}

// AllSettings returns the merged settings keyed as in the config file, with
// durations rendered as strings.
func (c *Config) AllSettings() map[string]interface{} {
	if c.v == nil {
		return map[string]interface{}{}
	}
	return humanize(c.v.AllSettings()).(map[string]interface{})
}

func humanize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = humanize(item)
		}
		return out
	case map[string]time.Duration:
		out := make(map[string]interface{}, len(val))
		for k, d := range val {
			out[k] = d.String()
		}
		return out
	case time.Duration:
		return val.String()
	default:
		return v
	}
}

// Validate rejects settings the tracker cannot run with
func (c *Config) Validate() error {
	switch {
	case c.Heartbeat.Interval <= 0:
		return fmt.Errorf("%w: heartbeat.interval must be positive", model.ErrValidation)
	case c.Heartbeat.MaxMissed <= 0:
		return fmt.Errorf("%w: heartbeat.max_missed must be positive", model.ErrValidation)
	case c.Heartbeat.RecoveryDelay < 0:
		return fmt.Errorf("%w: heartbeat.recovery_delay must not be negative", model.ErrValidation)
	case c.Timeout.DefaultTimeout <= 0:
		return fmt.Errorf("%w: timeout.default must be positive", model.ErrValidation)
	case c.Timeout.CheckInterval <= 0:
		return fmt.Errorf("%w: timeout.check_interval must be positive", model.ErrValidation)
	case c.Registry.CleanupInterval <= 0:
		return fmt.Errorf("%w: registry.cleanup_interval must be positive", model.ErrValidation)
	case c.Registry.Retention < 0:
		return fmt.Errorf("%w: registry.retention must not be negative", model.ErrValidation)
	case c.Metrics.Interval <= 0:
		return fmt.Errorf("%w: metrics.interval must be positive", model.ErrValidation)
	}
	for agent, d := range c.Timeout.AgentTimeouts {
		if d <= 0 {
			return fmt.Errorf("%w: timeout.agents.%s must be positive", model.ErrValidation, agent)
		}
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", model.ErrValidation, err)
	}
	return nil
}

// TrackerConfig converts the loaded settings into tracker settings
func (c *Config) TrackerConfig() tracker.Config {
	agents := make(map[string]time.Duration, len(c.Timeout.AgentTimeouts))
	for k, d := range c.Timeout.AgentTimeouts {
		agents[k] = d
	}
	return tracker.Config{
		Heartbeat: c.Heartbeat,
		Timeout: monitor.TimeoutConfig{
			DefaultTimeout: c.Timeout.DefaultTimeout,
			AgentTimeouts:  agents,
			CheckInterval:  c.Timeout.CheckInterval,
		},
		Registry: registry.Config{
			CleanupInterval: c.Registry.CleanupInterval,
			Retention:       c.Registry.Retention,
		},
		StaleThreshold:     c.Registry.StaleThreshold,
		AsyncNotifications: c.Notifications.Async,
	}
}

// NewLogger builds the process logger from the log section
func NewLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log.level: %v", model.ErrValidation, err)
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
