package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all ledgerbridge configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Worker registry: one entry per worker type.
	Workers []WorkerConfig `yaml:"workers"`

	Launcher LauncherConfig `yaml:"launcher"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`

	// Secrets injected into workers that declare a secret_env, keyed by env var
	// name. Populated from the environment only and never written by Save.
	Secrets map[string]string `yaml:"-"`
}

// StoreConfig configures the SQLite journal.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig configures OpenTelemetry spans around bridge requests.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // stdout, otlp or none
	Endpoint    string  `yaml:"endpoint,omitempty"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ledgerbridge",
		Version: "0.3.0",

		Workers: DefaultWorkers(),

		Launcher: LauncherConfig{
			ServersDir:       "mcp-servers",
			Interpreter:      "python3",
			VenvDir:          "venv",
			MaxAttempts:      3,
			RunningTimeout:   "5s",
			StartupTimeout:   "30s",
			PollInterval:     "250ms",
			SettleTime:       "1s",
			RetryBaseDelay:   "1s",
			StalePause:       "500ms",
			GracefulTimeout:  "5s",
			InterruptTimeout: "2s",
			BulkAttempts:     3,
			BulkRetryDelay:   "2s",
			BulkTypeDelay:    "1s",
		},

		Bridge: BridgeConfig{
			HeartbeatInterval:         "30s",
			HeartbeatFailureThreshold: 0,
			HealthCheckInterval:       "60s",
			QuietPeriod:               "5s",
			RequestAttempts:           3,
			RequestRetryDelay:         "500ms",
			RetryApplicationErrors:    false,
			ConnectAttempts:           3,
			ConnectRetryDelay:         "1s",
			ReadinessAttempts:         10,
			ReadinessDelay:            "1s",
			ReadinessMaxDelay:         "5s",
			ReadinessCallTimeout:      "5s",
			ReadinessGraceAttempts:    5,
			ToolCacheTTL:              "5m",
		},

		Store: StoreConfig{
			Enabled: true,
			Path:    ".ledgerbridge/journal.db",
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			Dir:       ".ledgerbridge/logs",
			DebugMode: false,
		},

		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "ledgerbridge",
			SampleRate:  1.0,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
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

// Save saves configuration to a YAML file.
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

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("LEDGERBRIDGE_SERVERS_DIR"); dir != "" {
		c.Launcher.ServersDir = dir
	}
	if lvl := os.Getenv("LEDGERBRIDGE_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
	if path := os.Getenv("LEDGERBRIDGE_DB"); path != "" {
		c.Store.Path = path
	}

	for _, w := range c.Workers {
		if w.SecretEnv == "" {
			continue
		}
		if v := os.Getenv(w.SecretEnv); v != "" {
			if c.Secrets == nil {
				c.Secrets = make(map[string]string)
			}
			c.Secrets[w.SecretEnv] = v
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Workers) == 0 {
		return fmt.Errorf("no workers configured")
	}

	seen := make(map[string]bool, len(c.Workers))
	ports := make(map[int]string, len(c.Workers))
	for i, w := range c.Workers {
		if w.Type == "" {
			return fmt.Errorf("workers[%d]: type required", i)
		}
		if seen[w.Type] {
			return fmt.Errorf("workers[%d]: duplicate worker type %q", i, w.Type)
		}
		seen[w.Type] = true
		if w.Script == "" && w.Command == "" {
			return fmt.Errorf("worker %s: script or command required", w.Type)
		}
		if w.Port != 0 {
			if other, dup := ports[w.Port]; dup {
				return fmt.Errorf("worker %s: port %d already assigned to %s", w.Type, w.Port, other)
			}
			ports[w.Port] = w.Type
		}
	}

	if c.Launcher.MaxAttempts < 1 {
		return fmt.Errorf("launcher.max_attempts must be >= 1")
	}
	if c.Bridge.RequestAttempts < 1 {
		return fmt.Errorf("bridge.request_attempts must be >= 1")
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter: unsupported exporter %q", c.Tracing.Exporter)
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("store.path required when store is enabled")
	}
	return nil
}

// Secret returns the configured secret for an environment variable name.
func (c *Config) Secret(env string) string {
	if c.Secrets == nil {
		return ""
	}
	return c.Secrets[env]
}

// parseDuration parses s, returning def when s is empty or malformed.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
