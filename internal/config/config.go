// Package config loads the YAML configuration, applies defaults, validates,
// and supports live reload through an fsnotify watch with subscriber fanout.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Log       LogConfig                 `yaml:"log"`
	HTTP      HTTPConfig                `yaml:"http"`
	Storage   StorageConfig             `yaml:"storage"`
	Library   LibraryConfig             `yaml:"library"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Engine    EngineConfig              `yaml:"engine"`
	Retry     RetryConfig               `yaml:"retry"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Notify    NotifyConfig              `yaml:"notify"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	File    string `yaml:"file"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type StorageConfig struct {
	Driver      string   `yaml:"driver"`
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

type LibraryConfig struct {
	Dir string `yaml:"dir"`
}

type SchedulerConfig struct {
	Interval   Duration `yaml:"interval"`
	Resolution Duration `yaml:"resolution"`
}

type EngineConfig struct {
	Workers                 int      `yaml:"workers"`
	StaleAfter              Duration `yaml:"stale_after"`
	ReclaimDelay            Duration `yaml:"reclaim_delay"`
	RefreshCheckedOnFailure bool     `yaml:"refresh_checked_on_failure"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Base        Duration `yaml:"base"`
	Cap         Duration `yaml:"cap"`
	Jitter      float64  `yaml:"jitter"`
}

type ProviderConfig struct {
	MinDelay      Duration `yaml:"min_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	Session       string   `yaml:"session"`
	UserAgent     string   `yaml:"user_agent"`
}

type NotifyConfig struct {
	WebhookURL string         `yaml:"webhook_url"`
	Telegram   TelegramConfig `yaml:"telegram"`
	Events     []string       `yaml:"events"`
	Timeout    Duration       `yaml:"timeout"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// Parse strictly decodes YAML: unknown keys are an error, so typos in a
// config file fail loudly instead of silently using defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseFile reads and parses the config at path.
func ParseFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the config used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8891"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "serialarr.db"
	}
	if c.Library.Dir == "" {
		c.Library.Dir = "library"
	}
	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = Duration(time.Hour)
	}
	if c.Scheduler.Resolution <= 0 {
		c.Scheduler.Resolution = Duration(time.Minute)
	}
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 4
	}
	if c.Engine.StaleAfter <= 0 {
		c.Engine.StaleAfter = Duration(10 * time.Minute)
	}
	if c.Engine.ReclaimDelay <= 0 {
		c.Engine.ReclaimDelay = Duration(30 * time.Second)
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.Base <= 0 {
		c.Retry.Base = Duration(30 * time.Second)
	}
	if c.Retry.Cap <= 0 {
		c.Retry.Cap = Duration(30 * time.Minute)
	}
	if c.Retry.Jitter <= 0 {
		c.Retry.Jitter = 0.2
	}
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = Duration(10 * time.Second)
	}
}

func (c *Config) Validate() error {
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter: must be in [0,1)")
	}
	if c.Scheduler.Resolution.Std() > c.Scheduler.Interval.Std() {
		return fmt.Errorf("scheduler.resolution: must not exceed scheduler.interval")
	}
	for name, p := range c.Providers {
		if p.MaxDelay > 0 && p.MaxDelay < p.MinDelay {
			return fmt.Errorf("providers.%s: max_delay < min_delay", name)
		}
		if p.MaxConcurrent < 0 {
			return fmt.Errorf("providers.%s: max_concurrent must be >= 0", name)
		}
	}
	if c.Notify.Telegram.Token != "" && c.Notify.Telegram.ChatID == 0 {
		return fmt.Errorf("notify.telegram: chat_id is required when token is set")
	}
	return nil
}
