package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the whole on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "12h").
// Unknown keys are rejected so typos fail loudly at startup.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Update   UpdateConfig   `yaml:"update"`
	Notifier NotifierConfig `yaml:"notifier"`
	Enrich   EnrichConfig   `yaml:"enrichment"`
}

type TelegramConfig struct {
	Token       string `yaml:"token"`
	PollTimeout string `yaml:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string            `yaml:"level,omitempty"`
	Console bool              `yaml:"console"`
	File    LoggingFileConfig `yaml:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"`
}

// UpdateConfig controls the refresh scheduler.
//
// Schedule accepts either a duration ("12h") or a cron spec ("cron:0 */12 * * *").
// The window/cap knobs are heuristics; see the defaults in Normalize.
type UpdateConfig struct {
	Schedule         string `yaml:"schedule,omitempty"`
	RetryDelay       string `yaml:"retry_delay,omitempty"`
	PageLimit        int    `yaml:"page_limit,omitempty"`
	MaxPages         int    `yaml:"max_pages,omitempty"`
	IncrementalLimit int    `yaml:"incremental_limit,omitempty"`
	PageTimeout      string `yaml:"page_timeout,omitempty"`
	PageRetryMax     int    `yaml:"page_retry_max,omitempty"`
}

type NotifierConfig struct {
	Workers    int `yaml:"workers,omitempty"`
	QueueSize  int `yaml:"queue_size,omitempty"`
	RatePerSec int `yaml:"rate_per_sec,omitempty"`
	RetryMax   int `yaml:"retry_max,omitempty"`
}

type EnrichConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BaseURL   string `yaml:"base_url,omitempty"`
	Timeout   string `yaml:"timeout,omitempty"`
	CacheSize int    `yaml:"cache_size,omitempty"`
}

// Load reads and strictly decodes the YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "INFO"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./data/aniwatch.db"
	}
	if strings.TrimSpace(c.Update.Schedule) == "" {
		c.Update.Schedule = "12h"
	}
	if strings.TrimSpace(c.Update.RetryDelay) == "" {
		c.Update.RetryDelay = "1h"
	}
	if c.Update.PageLimit <= 0 {
		c.Update.PageLimit = 50
	}
	if c.Update.MaxPages <= 0 {
		c.Update.MaxPages = 20
	}
	if c.Update.IncrementalLimit <= 0 {
		c.Update.IncrementalLimit = 100
	}
	if strings.TrimSpace(c.Update.PageTimeout) == "" {
		c.Update.PageTimeout = "15s"
	}
	if c.Update.PageRetryMax < 0 {
		c.Update.PageRetryMax = 0
	}
	if c.Notifier.Workers <= 0 {
		c.Notifier.Workers = 2
	}
	if c.Notifier.QueueSize <= 0 {
		c.Notifier.QueueSize = 512
	}
	if c.Notifier.RatePerSec <= 0 {
		c.Notifier.RatePerSec = 3
	}
	if c.Notifier.RetryMax < 0 {
		c.Notifier.RetryMax = 0
	}
	if strings.TrimSpace(c.Enrich.BaseURL) == "" {
		c.Enrich.BaseURL = "https://animego.me"
	}
	if strings.TrimSpace(c.Enrich.Timeout) == "" {
		c.Enrich.Timeout = "8s"
	}
	if c.Enrich.CacheSize <= 0 {
		c.Enrich.CacheSize = 512
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	for _, f := range []struct{ key, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"update.retry_delay", c.Update.RetryDelay},
		{"update.page_timeout", c.Update.PageTimeout},
		{"enrichment.timeout", c.Enrich.Timeout},
	} {
		if err := checkDuration(f.key, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// checkDuration rejects a duration-string field that does not parse or is
// negative. Blank means unset and is fine.
func checkDuration(key, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: bad duration %q: %w", key, raw, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: negative duration %q", key, raw)
	}
	return nil
}

// The accessors below resolve duration fields to their effective values.
// Load has already validated the raw strings, so by the time these run a
// blank field is the only way the fallback can apply.

func (c Config) PollTimeout() time.Duration { return c.duration(c.Telegram.PollTimeout, 10*time.Second) }

// BusyTimeout falls back to zero, which leaves the driver's own default in
// effect.
func (c Config) BusyTimeout() time.Duration { return c.duration(c.Storage.BusyTimeout, 0) }

func (c Config) RetryDelay() time.Duration { return c.duration(c.Update.RetryDelay, time.Hour) }

func (c Config) PageTimeout() time.Duration { return c.duration(c.Update.PageTimeout, 15*time.Second) }

func (c Config) EnrichTimeout() time.Duration { return c.duration(c.Enrich.Timeout, 8*time.Second) }

func (c Config) duration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
