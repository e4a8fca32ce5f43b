package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Logging      LoggingConfig      `toml:"logging"`
	Store        StoreConfig        `toml:"store"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Registry     RegistryConfig     `toml:"registry"`
	Router       RouterConfig       `toml:"router"`
	Workflow     WorkflowConfig     `toml:"workflow"`
	EventBus     EventBusConfig     `toml:"eventbus"`
	Metrics      MetricsConfig      `toml:"metrics"`
	Raw          map[string]any     `toml:"-"`
	Path         string             `toml:"-"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	AddSource bool   `toml:"add_source"`
}

type StoreConfig struct {
	Driver         string `toml:"driver"`
	SQLitePath     string `toml:"sqlite_path"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
}

type OrchestratorConfig struct {
	Addr               string `toml:"addr"`
	QueueCapacity      int    `toml:"queue_capacity"`
	MailboxCapacity    int    `toml:"mailbox_capacity"`
	DrainIntervalMS    int    `toml:"drain_interval_ms"`
	MailboxIntervalMS  int    `toml:"mailbox_interval_ms"`
	HealthIntervalMS   int    `toml:"health_interval_ms"`
	StatsIntervalMS    int    `toml:"stats_interval_ms"`
	TaskTimeoutMS      int    `toml:"task_timeout_ms"`
	MaxRoutingAttempts int    `toml:"max_routing_attempts"`
	RequeueFront       bool   `toml:"requeue_front"`
	IdleBackoffMS      int    `toml:"idle_backoff_ms"`
	SweepSchedule      string `toml:"sweep_schedule"`
	TaskResultTTLMS    int    `toml:"task_result_ttl_ms"`
}

type RegistryConfig struct {
	HeartbeatTTLMS int `toml:"heartbeat_ttl_ms"`
}

type RouterConfig struct {
	CacheSize int `toml:"cache_size"`
}

type WorkflowConfig struct {
	TemplatesDir         string `toml:"templates_dir"`
	Watch                bool   `toml:"watch"`
	MaxParallelSteps     int    `toml:"max_parallel_steps"`
	RoutePollIntervalMS  int    `toml:"route_poll_interval_ms"`
	DefaultStepTimeoutMS int    `toml:"default_step_timeout_ms"`
	ExecutionTTLMS       int    `toml:"execution_ttl_ms"`
}

type EventBusConfig struct {
	EventTTLMS          int    `toml:"event_ttl_ms"`
	DefaultMaxRetries   int    `toml:"default_max_retries"`
	BackoffUnitMS       int    `toml:"backoff_unit_ms"`
	StreamBuffer        int    `toml:"stream_buffer"`
	StreamIdleTimeoutMS int    `toml:"stream_idle_timeout_ms"`
	Channel             string `toml:"channel"`
	WebhookTimeoutMS    int    `toml:"webhook_timeout_ms"`
}

type MetricsConfig struct {
	Enabled *bool `toml:"enabled"`
}

func (m MetricsConfig) On() bool {
	return m.Enabled == nil || *m.Enabled
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Store: StoreConfig{
			Driver:         "memory",
			SQLitePath:     "data/agentcore.db",
			PollIntervalMS: 200,
		},
		Orchestrator: OrchestratorConfig{
			Addr:               ":8091",
			QueueCapacity:      1000,
			MailboxCapacity:    64,
			DrainIntervalMS:    100,
			MailboxIntervalMS:  100,
			HealthIntervalMS:   10000,
			StatsIntervalMS:    5000,
			TaskTimeoutMS:      300000,
			MaxRoutingAttempts: 100,
			IdleBackoffMS:      500,
			SweepSchedule:      "@every 30s",
			TaskResultTTLMS:    3600000,
		},
		Registry: RegistryConfig{HeartbeatTTLMS: 60000},
		Router:   RouterConfig{CacheSize: 1024},
		Workflow: WorkflowConfig{
			RoutePollIntervalMS:  250,
			DefaultStepTimeoutMS: 300000,
			ExecutionTTLMS:       86400000,
		},
		EventBus: EventBusConfig{
			EventTTLMS:          86400000,
			DefaultMaxRetries:   3,
			BackoffUnitMS:       1000,
			StreamBuffer:        1000,
			StreamIdleTimeoutMS: 300000,
			Channel:             "agentcore:events",
			WebhookTimeoutMS:    5000,
		},
	}
}

// Load reads a TOML file over the defaults. A missing file at the default
// location is not an error; a missing explicit path is.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	cfg := Default()
	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentcore/config.toml"
	}
	return filepath.Join(home, ".agentcore", "config.toml")
}

// Duration converts a millisecond setting, falling back when unset.
func Duration(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func IntOrDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
