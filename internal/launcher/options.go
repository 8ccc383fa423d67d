package launcher

import (
	"strconv"
	"time"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/logging"
)

// WorkerDef is what the supervisor needs to know about one worker type.
type WorkerDef struct {
	Type      string
	Port      int
	SecretEnv string // variable name passed to the worker, if any
	Secret    string // its value
	Core      bool   // part of the bulk launch, in definition order
}

// Environment returns the variables handed to the worker process on top of
// the parent environment. A declared secret that is not set is left out.
func (d WorkerDef) Environment() []string {
	env := []string{
		"LEDGER_WORKER_ID=" + d.Type,
		"PYTHONUNBUFFERED=1",
	}
	if d.Port > 0 {
		env = append(env, "LEDGER_WORKER_PORT="+strconv.Itoa(d.Port))
	}
	if d.SecretEnv != "" {
		if d.Secret == "" {
			logging.LauncherWarn("%s: %s is not set, the worker may refuse to start", d.Type, d.SecretEnv)
		} else {
			env = append(env, d.SecretEnv+"="+d.Secret)
		}
	}
	return env
}

// Options bounds every wait the supervisor performs.
type Options struct {
	MaxAttempts      int
	RunningTimeout   time.Duration // phase 1
	StartupTimeout   time.Duration // phase 1 + phase 2, from process start
	PollInterval     time.Duration
	SettleTime       time.Duration // default liveness probe
	RetryBaseDelay   time.Duration // doubled per failed attempt
	StalePause       time.Duration
	GracefulTimeout  time.Duration
	InterruptTimeout time.Duration
	BulkAttempts     int
	BulkRetryDelay   time.Duration
	BulkTypeDelay    time.Duration
}

// DefaultOptions returns the production bounds.
func DefaultOptions() Options {
	return OptionsFromConfig(config.LauncherConfig{})
}

// OptionsFromConfig converts the launcher section of the config file.
func OptionsFromConfig(l config.LauncherConfig) Options {
	o := Options{
		MaxAttempts:      l.MaxAttempts,
		RunningTimeout:   l.GetRunningTimeout(),
		StartupTimeout:   l.GetStartupTimeout(),
		PollInterval:     l.GetPollInterval(),
		SettleTime:       l.GetSettleTime(),
		RetryBaseDelay:   l.GetRetryBaseDelay(),
		StalePause:       l.GetStalePause(),
		GracefulTimeout:  l.GetGracefulTimeout(),
		InterruptTimeout: l.GetInterruptTimeout(),
		BulkAttempts:     l.BulkAttempts,
		BulkRetryDelay:   l.GetBulkRetryDelay(),
		BulkTypeDelay:    l.GetBulkTypeDelay(),
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.BulkAttempts < 1 {
		o.BulkAttempts = 3
	}
	return o
}

// WorkersFromConfig builds WorkerDefs for the enabled registry rows, with
// secrets taken from the loaded environment.
func WorkersFromConfig(cfg *config.Config) []WorkerDef {
	var defs []WorkerDef
	for _, w := range cfg.EnabledWorkers() {
		def := WorkerDef{Type: w.Type, Port: w.Port, SecretEnv: w.SecretEnv, Core: w.Core}
		if w.SecretEnv != "" {
			def.Secret = cfg.Secret(w.SecretEnv)
		}
		defs = append(defs, def)
	}
	return defs
}
