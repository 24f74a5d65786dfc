package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultRefreshInterval is the idle sleep between control loop iterations
	DefaultRefreshInterval = 4 * time.Hour

	// DefaultRetryBackoff is the delay after a failed iteration
	DefaultRetryBackoff = 2 * time.Second

	// DefaultFlushInterval is how often buffered telemetry is pushed while idle
	DefaultFlushInterval = 15 * time.Minute

	// DefaultLogCapacity bounds the telemetry buffer
	DefaultLogCapacity = 100

	// DefaultSinkCap is the size at which application log sinks are rotated (16MB)
	DefaultSinkCap = 16 * 1024 * 1024
)

// Config holds the agent configuration. Zero values are filled from Default.
type Config struct {
	// Root holds stats/, app/ and logs/. Defaults to $SNAP_COMMON.
	Root string `yaml:"root"`

	// DataRoot holds store/. Defaults to $SNAP_DATA, then Root.
	DataRoot string `yaml:"data_root"`

	// APIURL is the fleet backend used until the recovery flow persists one
	APIURL string `yaml:"api_url"`

	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	LogCapacity     int           `yaml:"log_capacity"`

	RecoveryAddr string `yaml:"recovery_addr"`
	StatusAddr   string `yaml:"status_addr"`

	Log     LogConfig     `yaml:"log"`
	App     AppConfig     `yaml:"app"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// LogConfig configures the agent's own logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AppConfig describes how the bundle is launched and validated
type AppConfig struct {
	Command     []string          `yaml:"command"`  // Interpreter, entry file is appended
	Entry       string            `yaml:"entry"`    // Relative to the bundle directory
	Manifest    string            `yaml:"manifest"` // Relative to the bundle directory
	StopTimeout time.Duration     `yaml:"stop_timeout"`
	SinkCap     int64             `yaml:"sink_cap"`
	Env         map[string]string `yaml:"env"`
}

// BreakerConfig bounds crash-triggered reverts
type BreakerConfig struct {
	MaxReverts int           `yaml:"max_reverts"`
	Window     time.Duration `yaml:"window"`
}

// Default returns a Config rooted at the environment's snap directories
func Default() *Config {
	root := os.Getenv("SNAP_COMMON")
	if root == "" {
		root = "/var/lib/kioskd"
	}

	return &Config{
		Root:            root,
		DataRoot:        os.Getenv("SNAP_DATA"),
		RefreshInterval: DefaultRefreshInterval,
		RetryBackoff:    DefaultRetryBackoff,
		FlushInterval:   DefaultFlushInterval,
		LogCapacity:     DefaultLogCapacity,
		RecoveryAddr:    ":80",
		StatusAddr:      ":2000",
		Log: LogConfig{
			Level: "info",
		},
		App: AppConfig{
			Command:     []string{"node"},
			Entry:       "index.js",
			Manifest:    "package.json",
			StopTimeout: 10 * time.Second,
			SinkCap:     DefaultSinkCap,
			Env:         map[string]string{"NODE_ENV": "production"},
		},
		Breaker: BreakerConfig{
			MaxReverts: 5,
			Window:     time.Hour,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if cfg.DataRoot == "" {
		cfg.DataRoot = cfg.Root
	}

	return cfg, nil
}

// Validate checks the config for values the agent cannot run with
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root directory is required")
	}
	if !filepath.IsAbs(c.Root) {
		return fmt.Errorf("root directory must be absolute: %s", c.Root)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry_backoff must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	if c.LogCapacity <= 0 {
		return fmt.Errorf("log_capacity must be positive")
	}
	if len(c.App.Command) == 0 {
		return fmt.Errorf("app.command is required")
	}
	if c.App.Entry == "" || c.App.Manifest == "" {
		return fmt.Errorf("app.entry and app.manifest are required")
	}
	if c.Breaker.MaxReverts < 0 {
		return fmt.Errorf("breaker.max_reverts cannot be negative")
	}
	return nil
}

// Paths returns the on-disk layout derived from the roots
func (c *Config) Paths() Paths {
	return NewPaths(c.Root, c.DataRoot)
}
