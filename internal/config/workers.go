package config

import "time"

// WorkerConfig is one row of the worker registry table.
type WorkerConfig struct {
	Type         string   `yaml:"type"`
	DisplayName  string   `yaml:"display_name"`
	Script       string   `yaml:"script,omitempty"`
	Command      string   `yaml:"command,omitempty"` // executable run directly instead of interpreter + script
	Dir          string   `yaml:"dir,omitempty"`     // defaults to Type under launcher.servers_dir
	Capabilities []string `yaml:"capabilities"`
	Port         int      `yaml:"port,omitempty"`
	SecretEnv    string   `yaml:"secret_env,omitempty"`
	Core         bool     `yaml:"core"` // launched by the bulk launch, in table order
	Disabled     bool     `yaml:"disabled,omitempty"`
	ExtraGrace   bool     `yaml:"extra_grace,omitempty"` // gets additional readiness attempts
}

// DefaultWorkers returns the LedgerPro worker registry.
func DefaultWorkers() []WorkerConfig {
	return []WorkerConfig{
		{
			Type:         "financial-analyzer",
			DisplayName:  "Financial Analyzer",
			Script:       "analyzer_server.py",
			Capabilities: []string{"tools/list", "tools/call", "financial/analyze"},
			Port:         8001,
			Core:         true,
		},
		{
			Type:         "openai-service",
			DisplayName:  "OpenAI Service",
			Script:       "openai_server.py",
			Capabilities: []string{"tools/list", "tools/call", "financial/categorize"},
			Port:         8002,
			SecretEnv:    "OPENAI_API_KEY",
			Core:         true,
		},
		{
			Type:         "pdf-processor",
			DisplayName:  "PDF Processor",
			Script:       "pdf_processor_server.py",
			Capabilities: []string{"tools/list", "tools/call", "document/process"},
			Port:         8003,
			Core:         true,
			ExtraGrace:   true,
		},
	}
}

// EnabledWorkers returns the registry rows that are not disabled, in table order.
func (c *Config) EnabledWorkers() []WorkerConfig {
	out := make([]WorkerConfig, 0, len(c.Workers))
	for _, w := range c.Workers {
		if !w.Disabled {
			out = append(out, w)
		}
	}
	return out
}

// CoreWorkerTypes returns the bulk launch order.
func (c *Config) CoreWorkerTypes() []string {
	var out []string
	for _, w := range c.EnabledWorkers() {
		if w.Core {
			out = append(out, w.Type)
		}
	}
	return out
}

// FindWorker returns the registry row for a worker type.
func (c *Config) FindWorker(workerType string) (WorkerConfig, bool) {
	for _, w := range c.Workers {
		if w.Type == workerType {
			return w, true
		}
	}
	return WorkerConfig{}, false
}

// GraceWorker returns the worker type given extra readiness grace, if any.
func (c *Config) GraceWorker() string {
	for _, w := range c.EnabledWorkers() {
		if w.ExtraGrace {
			return w.Type
		}
	}
	return ""
}

// LauncherConfig configures the process supervisor.
type LauncherConfig struct {
	ServersDir       string `yaml:"servers_dir"`
	Interpreter      string `yaml:"interpreter"` // fallback when no venv interpreter exists
	VenvDir          string `yaml:"venv_dir"`
	MaxAttempts      int    `yaml:"max_attempts"`
	RunningTimeout   string `yaml:"running_timeout"`
	StartupTimeout   string `yaml:"startup_timeout"`
	PollInterval     string `yaml:"poll_interval"`
	SettleTime       string `yaml:"settle_time"`
	RetryBaseDelay   string `yaml:"retry_base_delay"`
	StalePause       string `yaml:"stale_pause"`
	GracefulTimeout  string `yaml:"graceful_timeout"`
	InterruptTimeout string `yaml:"interrupt_timeout"`
	BulkAttempts     int    `yaml:"bulk_attempts"`
	BulkRetryDelay   string `yaml:"bulk_retry_delay"`
	BulkTypeDelay    string `yaml:"bulk_type_delay"`
}

func (l LauncherConfig) GetRunningTimeout() time.Duration {
	return parseDuration(l.RunningTimeout, 5*time.Second)
}

func (l LauncherConfig) GetStartupTimeout() time.Duration {
	return parseDuration(l.StartupTimeout, 30*time.Second)
}

func (l LauncherConfig) GetPollInterval() time.Duration {
	return parseDuration(l.PollInterval, 250*time.Millisecond)
}

func (l LauncherConfig) GetSettleTime() time.Duration {
	return parseDuration(l.SettleTime, time.Second)
}

func (l LauncherConfig) GetRetryBaseDelay() time.Duration {
	return parseDuration(l.RetryBaseDelay, time.Second)
}

func (l LauncherConfig) GetStalePause() time.Duration {
	return parseDuration(l.StalePause, 500*time.Millisecond)
}

func (l LauncherConfig) GetGracefulTimeout() time.Duration {
	return parseDuration(l.GracefulTimeout, 5*time.Second)
}

func (l LauncherConfig) GetInterruptTimeout() time.Duration {
	return parseDuration(l.InterruptTimeout, 2*time.Second)
}

func (l LauncherConfig) GetBulkRetryDelay() time.Duration {
	return parseDuration(l.BulkRetryDelay, 2*time.Second)
}

func (l LauncherConfig) GetBulkTypeDelay() time.Duration {
	return parseDuration(l.BulkTypeDelay, time.Second)
}

// BridgeConfig configures workers and the bridge.
type BridgeConfig struct {
	HeartbeatInterval         string `yaml:"heartbeat_interval"`
	HeartbeatFailureThreshold int    `yaml:"heartbeat_failure_threshold"` // 0 = probe failures never force a reconnect
	HealthCheckInterval       string `yaml:"health_check_interval"`
	QuietPeriod               string `yaml:"quiet_period"`
	RequestAttempts           int    `yaml:"request_attempts"`
	RequestRetryDelay         string `yaml:"request_retry_delay"`
	RetryApplicationErrors    bool   `yaml:"retry_application_errors"`
	ConnectAttempts           int    `yaml:"connect_attempts"`
	ConnectRetryDelay         string `yaml:"connect_retry_delay"`
	ReadinessAttempts         int    `yaml:"readiness_attempts"`
	ReadinessDelay            string `yaml:"readiness_delay"`
	ReadinessMaxDelay         string `yaml:"readiness_max_delay"`
	ReadinessCallTimeout      string `yaml:"readiness_call_timeout"`
	ReadinessGraceAttempts    int    `yaml:"readiness_grace_attempts"`
	ToolCacheTTL              string `yaml:"tool_cache_ttl"`
}

func (b BridgeConfig) GetHeartbeatInterval() time.Duration {
	return parseDuration(b.HeartbeatInterval, 30*time.Second)
}

func (b BridgeConfig) GetHealthCheckInterval() time.Duration {
	return parseDuration(b.HealthCheckInterval, time.Minute)
}

func (b BridgeConfig) GetQuietPeriod() time.Duration {
	return parseDuration(b.QuietPeriod, 5*time.Second)
}

func (b BridgeConfig) GetRequestRetryDelay() time.Duration {
	return parseDuration(b.RequestRetryDelay, 500*time.Millisecond)
}

func (b BridgeConfig) GetConnectRetryDelay() time.Duration {
	return parseDuration(b.ConnectRetryDelay, time.Second)
}

func (b BridgeConfig) GetReadinessDelay() time.Duration {
	return parseDuration(b.ReadinessDelay, time.Second)
}

func (b BridgeConfig) GetReadinessMaxDelay() time.Duration {
	return parseDuration(b.ReadinessMaxDelay, 5*time.Second)
}

func (b BridgeConfig) GetReadinessCallTimeout() time.Duration {
	return parseDuration(b.ReadinessCallTimeout, 5*time.Second)
}

func (b BridgeConfig) GetToolCacheTTL() time.Duration {
	return parseDuration(b.ToolCacheTTL, 5*time.Minute)
}
