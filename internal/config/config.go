// Package config loads noema's YAML configuration with environment overrides
// and optional hot reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"noema/internal/state"
)

// Config holds all noema configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP/WS facade.
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	MaxConns     int    `yaml:"max_conns"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

// StorageConfig configures the sqlite driver.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// SessionConfig tunes the per-thread seed defaults.
type SessionConfig struct {
	UThreshold    float64 `yaml:"u_threshold"`
	ExecTimeoutMs int     `yaml:"exec_timeout_ms"`
	MaxInflight   int     `yaml:"max_inflight"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// DefaultConfig returns the development defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "noema",
		Version: "dev",
		Server: ServerConfig{
			Addr:         ":8420",
			MaxConns:     256,
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
		},
		Storage: StorageConfig{
			DatabasePath: "noema.db",
		},
		Session: SessionConfig{
			UThreshold:    0.4,
			ExecTimeoutMs: 15000,
			MaxInflight:   2,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config at path, falling back to defaults when the file does
// not exist, then applies NOEMA_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("NOEMA_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if path := os.Getenv("NOEMA_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if level := os.Getenv("NOEMA_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if dir := os.Getenv("NOEMA_LOG_DIR"); dir != "" {
		c.Logging.Dir = dir
	}
	if raw := os.Getenv("NOEMA_U_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			c.Session.UThreshold = v
		}
	}
	if raw := os.Getenv("NOEMA_MAX_INFLIGHT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			c.Session.MaxInflight = v
		}
	}
}

// ReadTimeoutDuration parses the server read timeout, defaulting to 30s.
func (c *Config) ReadTimeoutDuration() time.Duration {
	return parseDuration(c.Server.ReadTimeout, 30*time.Second)
}

// WriteTimeoutDuration parses the server write timeout, defaulting to 30s.
func (c *Config) WriteTimeoutDuration() time.Duration {
	return parseDuration(c.Server.WriteTimeout, 30*time.Second)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// RuntimeOverlay maps the file config onto the per-session runtime config
// tree, so file settings seed the guardrails a fresh session starts with.
func (c *Config) RuntimeOverlay() state.Tree {
	return state.Tree{
		"guardrails": state.Tree{
			"must_confirm": state.Tree{"u_threshold": c.Session.UThreshold},
		},
		"executor": state.Tree{
			"timeout_ms":  float64(c.Session.ExecTimeoutMs),
			"parallelism": state.Tree{"max_inflight": float64(c.Session.MaxInflight)},
		},
	}
}

// Watch reloads the config whenever the file changes and invokes onChange
// with the fresh value. It returns a stop function.
func Watch(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if cfg, err := Load(path); err == nil {
					onChange(cfg)
				}
			case <-watcher.Errors:
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
