package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/driftlock/muster"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
store:
  backend: sqlite
  dsn: /tmp/muster.db
queue:
  redis_addr: localhost:6379
  group: edge-workers
  consume: false
node:
  heartbeat_interval: 10s
  concurrency: 4
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.DSN != "/tmp/muster.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Queue.RedisAddr != "localhost:6379" || cfg.Queue.Group != "edge-workers" {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Queue.consume() {
		t.Error("consume() = true, want false")
	}

	merged, err := cfg.Node.merge()
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged.HeartbeatInterval != 10*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 10s", merged.HeartbeatInterval)
	}
	if merged.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", merged.Concurrency)
	}
	// Fields the file omits keep their defaults.
	def := muster.DefaultConfig()
	if merged.MisfireGrace != def.MisfireGrace {
		t.Errorf("MisfireGrace = %v, want default %v", merged.MisfireGrace, def.MisfireGrace)
	}
	if merged.QueueSize != def.QueueSize {
		t.Errorf("QueueSize = %d, want default %d", merged.QueueSize, def.QueueSize)
	}
}

func TestLoadConfigEmptyFile(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if !cfg.Queue.consume() {
		t.Error("consume() = false, want true by default")
	}
	merged, err := cfg.Node.merge()
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged != muster.DefaultConfig() {
		t.Errorf("merged = %+v, want defaults", merged)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	if _, err := loadConfig(writeConfig(t, "stor:\n  backend: sqlite\n")); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestNodeConfigMergeInvalidDuration(t *testing.T) {
	c := nodeConfig{ClaimTimeout: "five minutes"}
	_, err := c.merge()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "node.claim_timeout") {
		t.Errorf("error %q does not name the offending field", err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, slog.LevelInfo); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
