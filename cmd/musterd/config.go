package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"github.com/driftlock/muster"
)

// fileConfig is the on-disk daemon configuration. Durations are Go
// duration strings ("90s", "5m"); missing or zero fields keep the
// defaults from muster.DefaultConfig.
type fileConfig struct {
	Log   logConfig   `yaml:"log"`
	Store storeConfig `yaml:"store"`
	Queue queueConfig `yaml:"queue"`
	Node  nodeConfig  `yaml:"node"`
}

type logConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`
	// Format is text or json. Defaults to text.
	Format string `yaml:"format"`
}

type storeConfig struct {
	// Backend selects the job store: memory, sqlite, or postgres.
	Backend string `yaml:"backend"`
	// DSN is the sqlite file path or the postgres connection URL.
	// Unused by the memory backend.
	DSN string `yaml:"dsn"`
}

// queueConfig configures the optional Redis task queue. When RedisAddr
// is empty the node dispatches to its in-process worker pool instead.
type queueConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// Stream and Group override the default stream and consumer group
	// names. Consumer overrides the per-process consumer name.
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	// Consume controls whether this node also runs a consumer for the
	// stream. Defaults to true; set false for a produce-only scheduler
	// node whose tasks run on dedicated workers.
	Consume *bool `yaml:"consume"`
}

func (c queueConfig) consume() bool {
	return c.Consume == nil || *c.Consume
}

type nodeConfig struct {
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	MisfireGrace      string `yaml:"misfire_grace"`
	DispatchTimeout   string `yaml:"dispatch_timeout"`
	RetryBackoff      string `yaml:"retry_backoff"`
	ReapInterval      string `yaml:"reap_interval"`
	ClaimTimeout      string `yaml:"claim_timeout"`
	ExecutionTimeout  string `yaml:"execution_timeout"`
	InstanceGrace     string `yaml:"instance_grace"`
	Concurrency       int    `yaml:"concurrency"`
	QueueSize         int    `yaml:"queue_size"`
	ShutdownTimeout   string `yaml:"shutdown_timeout"`
}

// loadConfig reads and strictly decodes the YAML config file. Unknown
// keys are an error so typos surface at startup rather than as silently
// ignored settings. An empty file yields all defaults.
func loadConfig(path string) (*fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg fileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &fileConfig{}, nil
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// merge overlays the file's node settings onto the defaults.
func (c nodeConfig) merge() (muster.Config, error) {
	cfg := muster.DefaultConfig()
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"node.heartbeat_interval", c.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"node.misfire_grace", c.MisfireGrace, &cfg.MisfireGrace},
		{"node.dispatch_timeout", c.DispatchTimeout, &cfg.DispatchTimeout},
		{"node.retry_backoff", c.RetryBackoff, &cfg.RetryBackoff},
		{"node.reap_interval", c.ReapInterval, &cfg.ReapInterval},
		{"node.claim_timeout", c.ClaimTimeout, &cfg.ClaimTimeout},
		{"node.execution_timeout", c.ExecutionTimeout, &cfg.ExecutionTimeout},
		{"node.instance_grace", c.InstanceGrace, &cfg.InstanceGrace},
		{"node.shutdown_timeout", c.ShutdownTimeout, &cfg.ShutdownTimeout},
	} {
		d, err := parseDurationOrDefault(f.path, f.raw, *f.dst)
		if err != nil {
			return cfg, err
		}
		*f.dst = d
	}
	if c.Concurrency > 0 {
		cfg.Concurrency = c.Concurrency
	}
	if c.QueueSize > 0 {
		cfg.QueueSize = c.QueueSize
	}
	return cfg, nil
}

func parseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func (c logConfig) build() *slog.Logger {
	level := parseLevel(c.Level, slog.LevelInfo)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(c.Format), "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

func parseLevel(s string, def slog.Level) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return def
	}
}
