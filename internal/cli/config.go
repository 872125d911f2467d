package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/dispatcher-state/internal/dispatcher"
)

// Config is the dispatcher configuration. Fields are read from the YAML file
// first, then overridden by any DISPATCHER_* environment variable that is set.
type Config struct {
	Journal struct {
		Path string `yaml:"path" env:"DISPATCHER_JOURNAL_PATH"`
		Sync bool   `yaml:"sync" env:"DISPATCHER_JOURNAL_SYNC"`
	} `yaml:"journal"`

	Snapshot struct {
		Path     string        `yaml:"path" env:"DISPATCHER_SNAPSHOT_PATH"`
		Interval time.Duration `yaml:"interval" env:"DISPATCHER_SNAPSHOT_INTERVAL"`
		Backups  int           `yaml:"backups" env:"DISPATCHER_SNAPSHOT_BACKUPS"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"DISPATCHER_METRICS_ENABLED"`
		Port    int  `yaml:"port" env:"DISPATCHER_METRICS_PORT"`
	} `yaml:"metrics"`

	GRPC struct {
		Port int `yaml:"port" env:"DISPATCHER_GRPC_PORT"`
	} `yaml:"grpc"`

	LogLevel string `yaml:"log_level" env:"DISPATCHER_LOG_LEVEL"`
}

func defaultConfig() *Config {
	cfg := &Config{LogLevel: "info"}
	cfg.Journal.Path = "data/dispatcher.journal"
	cfg.Journal.Sync = true
	cfg.Snapshot.Path = "data/dispatcher.snapshot"
	cfg.Snapshot.Interval = 30 * time.Second
	cfg.Snapshot.Backups = 3
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.GRPC.Port = 50051
	return cfg
}

// loadConfig layers defaults, the YAML file at path (skipped when path is
// empty) and the environment.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required")
	}
	if c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path is required")
	}
	if c.Snapshot.Interval < 0 {
		return fmt.Errorf("snapshot.interval must not be negative, got %s", c.Snapshot.Interval)
	}
	if c.Snapshot.Backups < 0 {
		return fmt.Errorf("snapshot.backups must not be negative, got %d", c.Snapshot.Backups)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) dispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		JournalPath:      c.Journal.Path,
		SnapshotPath:     c.Snapshot.Path,
		SnapshotInterval: c.Snapshot.Interval,
		SnapshotBackups:  c.Snapshot.Backups,
		JournalSync:      c.Journal.Sync,
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
