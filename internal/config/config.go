package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the watcherd runtime configuration, loaded from watcherd.yaml.
// Listen addresses and data paths that vary per invocation stay on flags.
type Config struct {
	ProtocolVersion string `yaml:"protocol_version"`

	// SelectedGroupID seeds the operator's group selection at startup. It can
	// be changed at runtime via the observer API.
	SelectedGroupID string `yaml:"selected_group_id"`

	Feed       Feed       `yaml:"feed"`
	Directory  Directory  `yaml:"directory"`
	Enrichment Enrichment `yaml:"enrichment"`
	Session    Session    `yaml:"session"`
	Journal    Journal    `yaml:"journal"`
	Metacache  Metacache  `yaml:"metacache"`
}

type Feed struct {
	LogDir         string `yaml:"log_dir"`
	FilePattern    string `yaml:"file_pattern"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`

	// FromStart replays the newest log file from its beginning instead of
	// tailing from the end. Useful after a watcher restart mid-session.
	FromStart bool `yaml:"from_start"`
}

type Directory struct {
	BaseURL          string `yaml:"base_url"`
	APIKey           string `yaml:"api_key"`
	UserAgent        string `yaml:"user_agent"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`

	// RefreshMs is the group-instance list poll interval.
	RefreshMs int `yaml:"refresh_ms"`
}

type Enrichment struct {
	ScanIntervalMs int `yaml:"scan_interval_ms"`
	QueueSize      int `yaml:"queue_size"`
}

type Session struct {
	QueueSize int `yaml:"queue_size"`
}

type Journal struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type Metacache struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func Load(path string) (Config, error) {
	var c Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("watcherd.yaml: %w", err)
	}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Feed.FilePattern == "" {
		c.Feed.FilePattern = "output_log_*.txt"
	}
	if c.Feed.PollIntervalMs <= 0 {
		c.Feed.PollIntervalMs = 500
	}
	if c.Directory.RequestTimeoutMs <= 0 {
		c.Directory.RequestTimeoutMs = 10_000
	}
	if c.Directory.RefreshMs <= 0 {
		c.Directory.RefreshMs = 30_000
	}
	if c.Directory.UserAgent == "" {
		c.Directory.UserAgent = "instancewatch/1.0"
	}
	if c.Enrichment.ScanIntervalMs <= 0 {
		c.Enrichment.ScanIntervalMs = 60_000
	}
	if c.Enrichment.QueueSize <= 0 {
		c.Enrichment.QueueSize = 128
	}
	if c.Session.QueueSize <= 0 {
		c.Session.QueueSize = 256
	}
}

func (f Feed) PollInterval() time.Duration { return time.Duration(f.PollIntervalMs) * time.Millisecond }

func (d Directory) RequestTimeout() time.Duration {
	return time.Duration(d.RequestTimeoutMs) * time.Millisecond
}

func (d Directory) Refresh() time.Duration { return time.Duration(d.RefreshMs) * time.Millisecond }

func (e Enrichment) ScanInterval() time.Duration {
	return time.Duration(e.ScanIntervalMs) * time.Millisecond
}
