package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("load with missing file: %v", err)
	}

	if cfg.Storage.Type != "bolt" {
		t.Errorf("expected default storage type bolt, got %s", cfg.Storage.Type)
	}
	if cfg.Tracker.PollInterval != "5s" {
		t.Errorf("expected default poll interval 5s, got %s", cfg.Tracker.PollInterval)
	}
	if cfg.Tracker.IdleTimeout != "60s" {
		t.Errorf("expected default idle timeout 60s, got %s", cfg.Tracker.IdleTimeout)
	}
	if cfg.Tracker.FlushInterval != "30s" {
		t.Errorf("expected default flush interval 30s, got %s", cfg.Tracker.FlushInterval)
	}
	if !cfg.Reminders.Enabled {
		t.Error("expected reminders enabled by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  listen_addr: "127.0.0.1:9000"
storage:
  type: bolt
  path: "` + filepath.Join(dir, "data", "chatwatch.bolt") + `"
tracker:
  poll_interval: 2s
  idle_timeout: 30s
reminders:
  duration_thresholds: ["30m", "1h"]
  fixed_times: ["22:00", "23:30"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("expected listen addr 127.0.0.1:9000, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Tracker.PollInterval != "2s" {
		t.Errorf("expected poll interval 2s, got %s", cfg.Tracker.PollInterval)
	}
	if len(cfg.Reminders.FixedTimes) != 2 {
		t.Errorf("expected 2 fixed times, got %d", len(cfg.Reminders.FixedTimes))
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name    string
		content string
	}{
		{"bad poll interval", "tracker:\n  poll_interval: nonsense\n"},
		{"bad fixed time", "reminders:\n  fixed_times: [\"25:99\"]\n"},
		{"bad duration threshold", "reminders:\n  duration_thresholds: [\"one hour\"]\n"},
		{"unknown storage type", "storage:\n  type: cassandra\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, "config.yaml")
			full := "storage:\n  path: \"" + filepath.Join(dir, "db.bolt") + "\"\n" + tc.content
			if tc.name == "unknown storage type" {
				full = tc.content
			}
			if err := os.WriteFile(path, []byte(full), 0644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}
