package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	otelpkg "github.com/cypherpunk-agency/aide/internal/otel"
)

// TelegramConfig configures the telegram channel.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	ChatID     int64   `yaml:"chat_id"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// WebhookChannelConfig registers an external channel that receives error
// callbacks at its endpoint when a run against it is force-resolved.
type WebhookChannelConfig struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig         `yaml:"telegram"`
	Webhooks []WebhookChannelConfig `yaml:"webhooks"`
}

// ScheduleConfig defines a recurring cron run.
type ScheduleConfig struct {
	Name   string `yaml:"name"`
	Cron   string `yaml:"cron"`
	Prompt string `yaml:"prompt"`
}

// SchedulerConfig holds the run scheduler's supervision and retry knobs.
type SchedulerConfig struct {
	RunTimeoutMinutes     int   `yaml:"run_timeout_minutes"`
	KillGraceSeconds      int   `yaml:"kill_grace_seconds"`
	StuckBufferMinutes    int   `yaml:"stuck_buffer_minutes"`
	HealthIntervalSeconds int   `yaml:"health_interval_seconds"`
	TickIntervalSeconds   int   `yaml:"tick_interval_seconds"`
	MaxChatRetries        int   `yaml:"max_chat_retries"`
	MaxSameMessageRuns    int   `yaml:"max_same_message_runs"`
	BackoffSeconds        []int `yaml:"backoff_seconds"`
}

func (s SchedulerConfig) RunTimeout() time.Duration {
	return time.Duration(s.RunTimeoutMinutes) * time.Minute
}

func (s SchedulerConfig) KillGrace() time.Duration {
	return time.Duration(s.KillGraceSeconds) * time.Second
}

func (s SchedulerConfig) StuckBuffer() time.Duration {
	return time.Duration(s.StuckBufferMinutes) * time.Minute
}

func (s SchedulerConfig) HealthInterval() time.Duration {
	return time.Duration(s.HealthIntervalSeconds) * time.Second
}

func (s SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalSeconds) * time.Second
}

// Backoff returns the escalating retry delay table.
func (s SchedulerConfig) Backoff() []time.Duration {
	out := make([]time.Duration, 0, len(s.BackoffSeconds))
	for _, sec := range s.BackoffSeconds {
		out = append(out, time.Duration(sec)*time.Second)
	}
	return out
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	BindAddr string `yaml:"bind_addr"`

	// AgentBin is the external agent CLI invoked for every run.
	AgentBin string `yaml:"agent_bin"`

	// KeepCompleted bounds terminal entries retained by queue compaction.
	KeepCompleted int `yaml:"keep_completed"`
	// MinOutputBytes is the smallest output artifact accepted as meaningful.
	MinOutputBytes int64 `yaml:"min_output_bytes"`
	// LookbackDays is how many prior day-files are scanned for unprocessed
	// messages, guarding against runs that span midnight.
	LookbackDays int `yaml:"lookback_days"`
	// HistoryLimit caps the conversation history handed to the context builder.
	HistoryLimit int `yaml:"history_limit"`

	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Schedules []ScheduleConfig `yaml:"schedules"`
	Otel      otelpkg.Config   `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:       "info",
		BindAddr:       "127.0.0.1:18990",
		AgentBin:       "agent-cli",
		KeepCompleted:  50,
		MinOutputBytes: 50,
		LookbackDays:   2,
		HistoryLimit:   50,
		Scheduler: SchedulerConfig{
			RunTimeoutMinutes:     30,
			KillGraceSeconds:      5,
			StuckBufferMinutes:    2,
			HealthIntervalSeconds: 60,
			TickIntervalSeconds:   30,
			MaxChatRetries:        3,
			MaxSameMessageRuns:    5,
			BackoffSeconds:        []int{2, 5, 15, 30, 60},
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AIDE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".aide")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create aide home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.AgentBin == "" {
		cfg.AgentBin = def.AgentBin
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = def.KeepCompleted
	}
	if cfg.MinOutputBytes <= 0 {
		cfg.MinOutputBytes = def.MinOutputBytes
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = def.LookbackDays
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	s := &cfg.Scheduler
	ds := def.Scheduler
	if s.RunTimeoutMinutes <= 0 {
		s.RunTimeoutMinutes = ds.RunTimeoutMinutes
	}
	if s.KillGraceSeconds <= 0 {
		s.KillGraceSeconds = ds.KillGraceSeconds
	}
	if s.StuckBufferMinutes <= 0 {
		s.StuckBufferMinutes = ds.StuckBufferMinutes
	}
	if s.HealthIntervalSeconds <= 0 {
		s.HealthIntervalSeconds = ds.HealthIntervalSeconds
	}
	if s.TickIntervalSeconds <= 0 {
		s.TickIntervalSeconds = ds.TickIntervalSeconds
	}
	if s.MaxChatRetries <= 0 {
		s.MaxChatRetries = ds.MaxChatRetries
	}
	if s.MaxSameMessageRuns <= 0 {
		s.MaxSameMessageRuns = ds.MaxSameMessageRuns
	}
	if len(s.BackoffSeconds) == 0 {
		s.BackoffSeconds = ds.BackoffSeconds
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AIDE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AIDE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AIDE_AGENT_BIN"); raw != "" {
		cfg.AgentBin = raw
	}
	if raw := os.Getenv("AIDE_RUN_TIMEOUT_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.RunTimeoutMinutes = v
		}
	}
	if raw := os.Getenv("AIDE_MAX_CHAT_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.MaxChatRetries = v
		}
	}
	if raw := os.Getenv("AIDE_MAX_SAME_MESSAGE_RUNS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.MaxSameMessageRuns = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
