package bridge

import (
	"context"
	"time"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/mcp"
	"ledgerbridge/internal/store"

	"go.opentelemetry.io/otel/trace"
)

// Options configures the bridge and the workers it creates.
type Options struct {
	HeartbeatInterval  time.Duration
	HeartbeatThreshold int
	Retry              mcp.RetryPolicy

	ConnectAttempts     int
	ConnectRetryDelay   time.Duration
	QuietPeriod         time.Duration
	HealthCheckInterval time.Duration

	ReadinessAttempts      int
	ReadinessDelay         time.Duration
	ReadinessMaxDelay      time.Duration
	ReadinessCallTimeout   time.Duration
	ReadinessGraceAttempts int
	GraceWorker            string // worker type allowed ReadinessGraceAttempts extra rounds

	ToolCacheTTL time.Duration
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

// OptionsFromConfig converts the bridge section of the config file.
func OptionsFromConfig(cfg *config.Config) Options {
	b := cfg.Bridge
	o := Options{
		HeartbeatInterval:  b.GetHeartbeatInterval(),
		HeartbeatThreshold: b.HeartbeatFailureThreshold,
		Retry: mcp.RetryPolicy{
			MaxAttempts:            b.RequestAttempts,
			BaseDelay:              b.GetRequestRetryDelay(),
			RetryApplicationErrors: b.RetryApplicationErrors,
		},
		ConnectAttempts:        b.ConnectAttempts,
		ConnectRetryDelay:      b.GetConnectRetryDelay(),
		QuietPeriod:            b.GetQuietPeriod(),
		HealthCheckInterval:    b.GetHealthCheckInterval(),
		ReadinessAttempts:      b.ReadinessAttempts,
		ReadinessDelay:         b.GetReadinessDelay(),
		ReadinessMaxDelay:      b.GetReadinessMaxDelay(),
		ReadinessCallTimeout:   b.GetReadinessCallTimeout(),
		ReadinessGraceAttempts: b.ReadinessGraceAttempts,
		GraceWorker:            cfg.GraceWorker(),
		ToolCacheTTL:           b.GetToolCacheTTL(),
	}
	if o.Retry.MaxAttempts < 1 {
		o.Retry.MaxAttempts = 3
	}
	if o.ConnectAttempts < 1 {
		o.ConnectAttempts = 3
	}
	if o.ReadinessAttempts < 1 {
		o.ReadinessAttempts = 10
	}
	return o
}

// WorkerSpecs builds the registry table for the enabled workers.
func WorkerSpecs(cfg *config.Config) []mcp.WorkerSpec {
	var specs []mcp.WorkerSpec
	for _, w := range cfg.EnabledWorkers() {
		caps := make([]mcp.Method, 0, len(w.Capabilities))
		for _, c := range w.Capabilities {
			caps = append(caps, mcp.Method(c))
		}
		specs = append(specs, mcp.WorkerSpec{ID: w.Type, DisplayName: w.DisplayName, Capabilities: caps})
	}
	return specs
}

// StarterFactory returns the starter a registered worker uses when it
// connects on its own, outside the supervisor.
type StarterFactory func(spec mcp.WorkerSpec) mcp.Starter

// Journal receives worker state changes and request outcomes.
type Journal interface {
	SaveWorkerState(ctx context.Context, ws store.WorkerState) error
	RecordRequest(ctx context.Context, rs store.RequestStat) error
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithOptions replaces the default settings.
func WithOptions(o Options) Option { return func(b *Bridge) { b.opts = o } }

// WithJournal records state changes and requests.
func WithJournal(j Journal) Option { return func(b *Bridge) { b.journal = j } }

// WithTracerProvider sets where request spans go. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Bridge) { b.tracer = tp.Tracer(tracerName) }
}

// WithSleeper replaces the delay function used by retries and readiness.
func WithSleeper(s mcp.Sleeper) Option { return func(b *Bridge) { b.sleep = s } }

// WithWorkerOptions adds options to every worker the bridge creates.
func WithWorkerOptions(opts ...mcp.WorkerOption) Option {
	return func(b *Bridge) { b.workerOpts = append(b.workerOpts, opts...) }
}
