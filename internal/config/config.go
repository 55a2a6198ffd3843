package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	EnvBackendURL = "HIVEWATCH_BACKEND_URL"
	EnvLogLevel   = "HIVEWATCH_LOG_LEVEL"
	EnvLogFile    = "HIVEWATCH_LOG_FILE"
)

type Config struct {
	Monitor MonitorConfig  `toml:"monitor"`
	Backend BackendConfig  `toml:"backend"`
	Log     LogConfig      `toml:"log"`
	Raw     map[string]any `toml:"-"`
	Path    string         `toml:"-"`
}

type MonitorConfig struct {
	BackendURL           string  `toml:"backend_url"`
	RequestTimeoutMS     int     `toml:"request_timeout_ms"`
	KeepaliveIntervalMS  int     `toml:"keepalive_interval_ms"`
	ReconnectMaxAttempts int     `toml:"reconnect_max_attempts"`
	ReconnectBaseMS      int     `toml:"reconnect_base_ms"`
	ReconnectMaxMS       int     `toml:"reconnect_max_ms"`
	AnimationIntervalMS  int     `toml:"animation_interval_ms"`
	RefreshEveryTicks    int     `toml:"refresh_every_ticks"`
	PulseBase            float64 `toml:"pulse_base"`
	PulseAmplitude       float64 `toml:"pulse_amplitude"`
	TranscriptIntervalMS int     `toml:"transcript_interval_ms"`
}

type BackendConfig struct {
	Addr           string `toml:"addr"`
	DBPath         string `toml:"db_path"`
	CatalogPath    string `toml:"catalog_path"`
	PushIntervalMS int    `toml:"push_interval_ms"`
	StepDelayMS    int    `toml:"step_delay_ms"`
	MaxDepth       int    `toml:"max_depth"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Load reads the TOML config at path. A missing file at the default
// location is not an error; an explicitly named missing file is.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	explicit := strings.TrimSpace(path) != ""
	resolved := path
	if !explicit {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}
	resolved = filepath.Clean(resolved)

	var cfg Config
	bytes, err := os.ReadFile(resolved)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(bytes), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		var raw map[string]any
		if _, err := toml.Decode(string(bytes), &raw); err != nil {
			return Config{}, fmt.Errorf("decode raw config: %w", err)
		}
		cfg.Raw = raw
		cfg.Path = resolved
	case os.IsNotExist(err) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvBackendURL)); v != "" {
		c.Monitor.BackendURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		c.Log.File = v
	}
}

func (m MonitorConfig) RequestTimeout() time.Duration {
	return DurationMS(m.RequestTimeoutMS, 10*time.Second)
}

func (m MonitorConfig) KeepaliveInterval() time.Duration {
	return DurationMS(m.KeepaliveIntervalMS, 30*time.Second)
}

func (m MonitorConfig) ReconnectBase() time.Duration {
	return DurationMS(m.ReconnectBaseMS, time.Second)
}

func (m MonitorConfig) ReconnectMax() time.Duration {
	return DurationMS(m.ReconnectMaxMS, 30*time.Second)
}

func (m MonitorConfig) AnimationInterval() time.Duration {
	return DurationMS(m.AnimationIntervalMS, 100*time.Millisecond)
}

func (m MonitorConfig) TranscriptInterval() time.Duration {
	return DurationMS(m.TranscriptIntervalMS, time.Second)
}

func (b BackendConfig) PushInterval() time.Duration {
	return DurationMS(b.PushIntervalMS, 2*time.Second)
}

func (b BackendConfig) StepDelay() time.Duration {
	return DurationMS(b.StepDelayMS, 750*time.Millisecond)
}

func DurationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func IntOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(p, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hivewatch/config.toml"
	}
	return filepath.Join(home, ".hivewatch", "config.toml")
}
