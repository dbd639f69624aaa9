package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the process configuration shared by cmd/server and cmd/worker
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Log       LogConfig        `mapstructure:"log"`
	NATS      NATSConfig       `mapstructure:"nats"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Retry     RetryConfig      `mapstructure:"retry"`
	Health    HealthConfig     `mapstructure:"health"`
	Alerts    AlertsConfig     `mapstructure:"alerts"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
}

// Storage drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverNATS   = "nats"
)

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	HistoryPath string `mapstructure:"history_path"`
	// HistoryRetention is how long task history is kept before pruning
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

type SchedulerConfig struct {
	MaxInFlight       int           `mapstructure:"max_in_flight"`
	PassInterval      time.Duration `mapstructure:"pass_interval"`
	CheckpointTimeout time.Duration `mapstructure:"checkpoint_timeout"`
	SubmitTimeout     time.Duration `mapstructure:"submit_timeout"`
	// Strategy is least_load or round_robin
	Strategy string `mapstructure:"strategy"`
}

type RetryConfig struct {
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	Jitter             time.Duration `mapstructure:"jitter"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
}

type HealthConfig struct {
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	DegradedAfterMissed int           `mapstructure:"degraded_after_missed"`
	UnreachableTimeout  time.Duration `mapstructure:"unreachable_timeout"`
	RemoveAfter         time.Duration `mapstructure:"remove_after"`
}

type AlertsConfig struct {
	StarvationThreshold time.Duration `mapstructure:"starvation_threshold"`
	Interval            time.Duration `mapstructure:"interval"`
}

type MetricsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// WorkerConfig describes the executor run by cmd/worker, and by cmd/server
// when Local is set
type WorkerConfig struct {
	ID                string        `mapstructure:"id"`
	Local             bool          `mapstructure:"local"`
	Capacity          int           `mapstructure:"capacity"`
	LogDir            string        `mapstructure:"log_dir"`
	MaxLogSize        int64         `mapstructure:"max_log_size"`
	MaxLogAge         time.Duration `mapstructure:"max_log_age"`
	FileBaseDir       string        `mapstructure:"file_base_dir"`
	EnableContainer   bool          `mapstructure:"enable_container"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// ScheduleConfig submits the workflow definition in File on a cron expression
type ScheduleConfig struct {
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	Expression string `mapstructure:"expression"`
	File       string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "flow-manager")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)

	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "checkpoints.db")
	v.SetDefault("storage.history_path", "task_history.db")
	v.SetDefault("storage.history_retention", 30*24*time.Hour)

	v.SetDefault("scheduler.max_in_flight", 100)
	v.SetDefault("scheduler.pass_interval", 100*time.Millisecond)
	v.SetDefault("scheduler.checkpoint_timeout", 10*time.Second)
	v.SetDefault("scheduler.submit_timeout", 10*time.Second)
	v.SetDefault("scheduler.strategy", "least_load")

	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 5*time.Minute)
	v.SetDefault("retry.jitter", 500*time.Millisecond)
	v.SetDefault("retry.default_max_attempts", 3)

	v.SetDefault("health.heartbeat_interval", 5*time.Second)
	v.SetDefault("health.degraded_after_missed", 3)
	v.SetDefault("health.unreachable_timeout", 30*time.Second)
	v.SetDefault("health.remove_after", 10*time.Minute)

	v.SetDefault("alerts.starvation_threshold", time.Minute)
	v.SetDefault("alerts.interval", 5*time.Second)

	v.SetDefault("metrics.interval", 15*time.Second)

	v.SetDefault("worker.id", "worker-1")
	v.SetDefault("worker.local", true)
	v.SetDefault("worker.capacity", 10)
	v.SetDefault("worker.log_dir", "./logs/tasks")
	v.SetDefault("worker.max_log_size", 100*1024*1024)
	v.SetDefault("worker.max_log_age", 7*24*time.Hour)
	v.SetDefault("worker.file_base_dir", "")
	v.SetDefault("worker.enable_container", false)
	v.SetDefault("worker.heartbeat_interval", 5*time.Second)
}

// Load reads configuration from path (optional) and FLOW_ prefixed
// environment variables on top of the defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	positive("scheduler.max_in_flight", c.Scheduler.MaxInFlight > 0)
	positive("scheduler.pass_interval", c.Scheduler.PassInterval > 0)
	positive("scheduler.checkpoint_timeout", c.Scheduler.CheckpointTimeout > 0)
	positive("scheduler.submit_timeout", c.Scheduler.SubmitTimeout > 0)
	positive("retry.default_max_attempts", c.Retry.DefaultMaxAttempts > 0)
	positive("health.heartbeat_interval", c.Health.HeartbeatInterval > 0)
	positive("health.degraded_after_missed", c.Health.DegradedAfterMissed > 0)
	positive("health.unreachable_timeout", c.Health.UnreachableTimeout > 0)
	positive("alerts.interval", c.Alerts.Interval > 0)
	positive("metrics.interval", c.Metrics.Interval > 0)
	positive("worker.capacity", c.Worker.Capacity > 0)
	positive("worker.heartbeat_interval", c.Worker.HeartbeatInterval > 0)

	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 || c.Retry.Jitter < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		errs = append(errs, errors.New("retry.base_delay exceeds retry.max_delay"))
	}
	if c.Health.RemoveAfter < 0 {
		errs = append(errs, errors.New("health.remove_after must not be negative"))
	}

	switch c.Storage.Driver {
	case DriverMemory, DriverNATS:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch c.Scheduler.Strategy {
	case "least_load", "round_robin":
	default:
		errs = append(errs, fmt.Errorf("unknown scheduler.strategy %q", c.Scheduler.Strategy))
	}

	if len(c.NATS.URLs) == 0 {
		errs = append(errs, errors.New("nats.urls must not be empty"))
	}
	if c.Worker.ID == "" {
		errs = append(errs, errors.New("worker.id is required"))
	}

	for i, s := range c.Schedules {
		if s.Expression == "" || s.File == "" {
			errs = append(errs, fmt.Errorf("schedules[%d] needs an expression and a file", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds the process logger
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}
