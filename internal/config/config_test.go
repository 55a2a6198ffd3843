package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[monitor]
backend_url = "http://localhost:9000"
keepalive_interval_ms = 5000
reconnect_max_attempts = 3

[backend]
addr = ":9000"
db_path = "/tmp/hive.db"
step_delay_ms = 10

[log]
level = "debug"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvBackendURL, "")
	t.Setenv(EnvLogLevel, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Monitor.BackendURL != "http://localhost:9000" {
		t.Fatalf("unexpected backend url %q", cfg.Monitor.BackendURL)
	}
	if cfg.Monitor.KeepaliveInterval() != 5*time.Second {
		t.Fatalf("unexpected keepalive %s", cfg.Monitor.KeepaliveInterval())
	}
	if cfg.Monitor.AnimationInterval() != 100*time.Millisecond {
		t.Fatalf("expected default animation interval, got %s", cfg.Monitor.AnimationInterval())
	}
	if cfg.Backend.StepDelay() != 10*time.Millisecond {
		t.Fatalf("unexpected step delay %s", cfg.Backend.StepDelay())
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Log.Level)
	}
	if _, ok := cfg.Raw["backend"]; !ok {
		t.Fatalf("expected raw backend section")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[monitor]\nbackend_url = \"http://file\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvBackendURL, "http://env:8080")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Monitor.BackendURL != "http://env:8080" {
		t.Fatalf("expected env override, got %q", cfg.Monitor.BackendURL)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("expected env log level, got %q", cfg.Log.Level)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := FirstNonEmpty("", "  ", " x ", "y"); got != "x" {
		t.Fatalf("unexpected %q", got)
	}
	if got := IntOrDefault(0, 7); got != 7 {
		t.Fatalf("unexpected %d", got)
	}
}
