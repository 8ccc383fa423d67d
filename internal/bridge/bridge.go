// Package bridge coordinates the set of workers: registration, aggregate
// status, connect-all, routing single requests, broadcast and the
// readiness gate.
//
// The registry is owned by one goroutine. Every read or mutation of it is a
// closure sent to that goroutine, so callers never share the map directly.
// Network calls always happen outside the owner goroutine.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ledgerbridge/internal/logging"
	"ledgerbridge/internal/mcp"
	"ledgerbridge/internal/store"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "ledgerbridge/internal/bridge"

var (
	ErrWorkerUnavailable    = errors.New("worker unavailable")
	ErrUnknownWorker        = fmt.Errorf("%w: unknown worker", ErrWorkerUnavailable)
	ErrDuplicateWorker      = errors.New("worker already registered")
	ErrInitializationFailed = errors.New("workers failed to initialize")
	ErrClosed               = errors.New("bridge closed")
)

// Status is the aggregate connection status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
)

// Result is one worker's outcome in a broadcast.
type Result struct {
	Value mcp.Value
	Err   error
}

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	ID          string
	DisplayName string
	State       mcp.ConnectionState
	Connected   bool
	Pid         int
	Metrics     mcp.Metrics
	LastError   error
}

type registry struct {
	workers map[string]*mcp.Worker
	order   []string
	status  Status
}

func (r *registry) list() []*mcp.Worker {
	out := make([]*mcp.Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id])
	}
	return out
}

// recompute derives the aggregate status. connecting is sticky until a
// connect-all finishes.
func (r *registry) recompute() {
	if r.status == StatusConnecting {
		return
	}
	connected := 0
	for _, w := range r.workers {
		if w.IsConnected() {
			connected++
		}
	}
	switch {
	case connected == 0:
		r.status = StatusDisconnected
	case connected == len(r.workers):
		r.status = StatusConnected
	default:
		r.status = StatusDegraded
	}
}

// Bridge owns the workers. Create it with New and release it with Close.
type Bridge struct {
	opts       Options
	newStarter StarterFactory
	workerOpts []mcp.WorkerOption
	journal    Journal
	tracer     trace.Tracer
	sleep      mcp.Sleeper
	tools      *cache.Cache

	ops       chan func(*registry)
	closed    chan struct{}
	ownerDone chan struct{}
	closeOnce sync.Once

	metrics mcp.MetricsRecorder

	mu      sync.RWMutex
	lastErr error

	monMu     sync.Mutex
	monCancel context.CancelFunc
	monDone   chan struct{}
}

// New starts a bridge with no workers.
func New(newStarter StarterFactory, opts ...Option) *Bridge {
	b := &Bridge{
		opts:       DefaultOptions(),
		newStarter: newStarter,
		sleep:      mcp.SleepContext,
		tracer:     otel.Tracer(tracerName),
		ops:        make(chan func(*registry)),
		closed:     make(chan struct{}),
		ownerDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.tools = cache.New(b.opts.ToolCacheTTL, 2*b.opts.ToolCacheTTL)
	go b.own(&registry{workers: make(map[string]*mcp.Worker), status: StatusDisconnected})
	return b
}

func (b *Bridge) own(r *registry) {
	defer close(b.ownerDone)
	for {
		select {
		case op := <-b.ops:
			op(r)
		case <-b.closed:
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it.
func (b *Bridge) do(fn func(r *registry)) error {
	finished := make(chan struct{})
	select {
	case b.ops <- func(r *registry) {
		defer close(finished)
		fn(r)
	}:
	case <-b.closed:
		return ErrClosed
	}
	<-finished
	return nil
}

// Register creates a worker for spec.
func (b *Bridge) Register(spec mcp.WorkerSpec, opts ...mcp.WorkerOption) (*mcp.Worker, error) {
	var starter mcp.Starter
	if b.newStarter != nil {
		starter = b.newStarter(spec)
	}
	wopts := []mcp.WorkerOption{
		mcp.WithRetryPolicy(b.opts.Retry),
		mcp.WithHeartbeat(b.opts.HeartbeatInterval, b.opts.HeartbeatThreshold),
		mcp.WithStateListener(b.onStateChange),
	}
	wopts = append(wopts, b.workerOpts...)
	wopts = append(wopts, opts...)

	var w *mcp.Worker
	var regErr error
	err := b.do(func(r *registry) {
		if _, exists := r.workers[spec.ID]; exists {
			regErr = fmt.Errorf("%s: %w", spec.ID, ErrDuplicateWorker)
			return
		}
		w = mcp.NewWorker(spec, starter, wopts...)
		r.workers[spec.ID] = w
		r.order = append(r.order, spec.ID)
		r.recompute()
	})
	if err != nil {
		return nil, err
	}
	if regErr != nil {
		return nil, regErr
	}
	logging.Bridge("registered worker %s (%s)", spec.ID, spec.DisplayName)
	return w, nil
}

// Unregister disconnects and removes a worker.
func (b *Bridge) Unregister(id string) error {
	var w *mcp.Worker
	err := b.do(func(r *registry) {
		w = r.workers[id]
		if w == nil {
			return
		}
		delete(r.workers, id)
		for i, o := range r.order {
			if o == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	})
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("%s: %w", id, ErrUnknownWorker)
	}
	derr := w.Disconnect()
	b.tools.Delete(id)
	b.recompute()
	logging.Bridge("unregistered worker %s", id)
	return derr
}

// Worker returns the worker registered under id.
func (b *Bridge) Worker(id string) (*mcp.Worker, bool) {
	var w *mcp.Worker
	_ = b.do(func(r *registry) { w = r.workers[id] })
	return w, w != nil
}

// Workers returns the registered workers in registration order.
func (b *Bridge) Workers() []*mcp.Worker {
	var out []*mcp.Worker
	_ = b.do(func(r *registry) { out = r.list() })
	return out
}

// Status returns the aggregate status.
func (b *Bridge) Status() Status {
	s := StatusDisconnected
	_ = b.do(func(r *registry) { s = r.status })
	return s
}

func (b *Bridge) recompute() {
	_ = b.do(func(r *registry) { r.recompute() })
}

func (b *Bridge) setConnecting(on bool) {
	_ = b.do(func(r *registry) {
		if on {
			r.status = StatusConnecting
			return
		}
		r.status = StatusDisconnected
		r.recompute()
	})
}

// Metrics returns bridge-wide request metrics.
func (b *Bridge) Metrics() mcp.Metrics { return b.metrics.Snapshot() }

// LastError returns the last request failure seen by the bridge.
func (b *Bridge) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

func (b *Bridge) setLastError(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
}

// Snapshot returns the status of every worker in registration order.
func (b *Bridge) Snapshot() []WorkerStatus {
	workers := b.Workers()
	out := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		spec := w.Spec()
		out = append(out, WorkerStatus{
			ID:          spec.ID,
			DisplayName: spec.DisplayName,
			State:       w.State(),
			Connected:   w.IsConnected(),
			Pid:         w.Conn().Pid(),
			Metrics:     w.Metrics(),
			LastError:   w.LastError(),
		})
	}
	return out
}

func (b *Bridge) onStateChange(ch mcp.StateChange) {
	b.recompute()
	if ch.To != mcp.StateConnected {
		b.tools.Delete(ch.WorkerID)
	}
	if b.journal == nil {
		return
	}
	ws := store.WorkerState{WorkerID: ch.WorkerID, State: string(ch.To), UpdatedAt: ch.At}
	if ch.Err != nil {
		ws.LastError = ch.Err.Error()
	}
	if w, ok := b.Worker(ch.WorkerID); ok {
		ws.Pid = w.Conn().Pid()
	}
	if err := b.journal.SaveWorkerState(context.Background(), ws); err != nil {
		logging.BridgeWarn("failed to journal state of %s: %v", ch.WorkerID, err)
	}
}

// ConnectAll connects every registered worker concurrently, each with its
// own bounded retry. Individual failures are tolerated and returned keyed by
// worker ID. After a quiet period the health monitor starts.
func (b *Bridge) ConnectAll(ctx context.Context) map[string]error {
	timer := logging.StartTimer(logging.CategoryBridge, "ConnectAll")
	defer timer.Stop()

	b.setConnecting(true)
	workers := b.Workers()
	logging.Bridge("connecting %d workers", len(workers))

	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		g        errgroup.Group
	)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := b.connectWithRetry(ctx, w); err != nil {
				mu.Lock()
				failures[w.ID()] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	b.setConnecting(false)

	status := b.Status()
	if len(failures) > 0 {
		logging.BridgeWarn("connect-all finished %s: %d/%d workers failed", status, len(failures), len(workers))
	} else {
		logging.Bridge("connect-all finished %s", status)
	}

	b.startMonitor()
	return failures
}

func (b *Bridge) connectWithRetry(ctx context.Context, w *mcp.Worker) error {
	var lastErr error
	for attempt := 1; attempt <= b.opts.ConnectAttempts; attempt++ {
		err := w.Connect(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == b.opts.ConnectAttempts {
			break
		}
		delay := b.opts.ConnectRetryDelay << uint(attempt-1)
		logging.BridgeWarn("%s: connect attempt %d/%d failed: %v; retrying in %v", w.ID(), attempt, b.opts.ConnectAttempts, err, delay)
		if err := b.sleep(ctx, delay); err != nil {
			break
		}
	}
	return fmt.Errorf("%s: connect failed after %d attempts: %w", w.ID(), b.opts.ConnectAttempts, lastErr)
}

// DisconnectAll stops the health monitor and disconnects every worker.
func (b *Bridge) DisconnectAll() error {
	b.stopMonitor()
	workers := b.Workers()
	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(w.Disconnect)
	}
	err := g.Wait()
	b.recompute()
	logging.Bridge("disconnected %d workers", len(workers))
	return err
}

// Close disconnects everything and stops the owner goroutine.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.DisconnectAll()
		close(b.closed)
		<-b.ownerDone
	})
	return err
}

// SendRequest routes one request to a connected worker, retrying per the
// worker's retry policy.
func (b *Bridge) SendRequest(ctx context.Context, workerID string, method mcp.Method, params mcp.Value) (mcp.Value, error) {
	ctx, span := b.tracer.Start(ctx, "bridge.SendRequest", trace.WithAttributes(
		attribute.String("worker.id", workerID),
		attribute.String("rpc.method", string(method)),
	))
	defer span.End()

	w, ok := b.Worker(workerID)
	if !ok {
		err := fmt.Errorf("%s: %w", workerID, ErrUnknownWorker)
		span.SetStatus(codes.Error, err.Error())
		return mcp.Value{}, err
	}
	return b.send(ctx, span, w, method, params)
}

func (b *Bridge) send(ctx context.Context, span trace.Span, w *mcp.Worker, method mcp.Method, params mcp.Value) (mcp.Value, error) {
	if !w.IsConnected() {
		err := fmt.Errorf("%s is %s: %w", w.ID(), w.State(), ErrWorkerUnavailable)
		span.SetStatus(codes.Error, err.Error())
		return mcp.Value{}, err
	}

	start := time.Now()
	v, err := w.SendRequestWithRetry(ctx, method, params)
	elapsed := time.Since(start)
	b.metrics.Record(elapsed, err == nil, start)

	if b.journal != nil {
		rs := store.RequestStat{WorkerID: w.ID(), Method: string(method), Success: err == nil, ErrorKind: mcp.ErrorKind(err), Latency: elapsed, At: start}
		if jerr := b.journal.RecordRequest(context.WithoutCancel(ctx), rs); jerr != nil {
			logging.BridgeWarn("failed to journal request to %s: %v", w.ID(), jerr)
		}
	}

	if err != nil {
		b.setLastError(err)
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.kind", mcp.ErrorKind(err)))
		span.SetStatus(codes.Error, err.Error())
		logging.BridgeWarn("%s %s failed after %v: %v", w.ID(), method, elapsed, err)
		return mcp.Value{}, err
	}
	logging.BridgeDebug("%s %s ok in %v", w.ID(), method, elapsed)
	return v, nil
}

// BroadcastRequest sends the request to every connected worker at once and
// returns when all of them have answered. Disconnected workers are skipped
// and have no entry.
func (b *Bridge) BroadcastRequest(ctx context.Context, method mcp.Method, params mcp.Value) map[string]Result {
	ctx, span := b.tracer.Start(ctx, "bridge.BroadcastRequest", trace.WithAttributes(
		attribute.String("rpc.method", string(method)),
	))
	defer span.End()

	var targets []*mcp.Worker
	for _, w := range b.Workers() {
		if w.IsConnected() {
			targets = append(targets, w)
		}
	}
	span.SetAttributes(attribute.Int("bridge.targets", len(targets)))

	var (
		mu      sync.Mutex
		results = make(map[string]Result, len(targets))
		g       errgroup.Group
	)
	for _, w := range targets {
		w := w
		g.Go(func() error {
			wctx, wspan := b.tracer.Start(ctx, "bridge.broadcast."+w.ID())
			defer wspan.End()
			v, err := b.send(wctx, wspan, w, method, params)
			mu.Lock()
			results[w.ID()] = Result{Value: v, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d/%d workers failed", failed, len(results)))
	}
	logging.Bridge("broadcast %s to %d workers, %d failed", method, len(results), failed)
	return results
}

// BindProcess attaches a supervisor-started process to the worker and
// performs the handshake on it. Once the worker is found it owns p, even if
// the handshake fails. When the worker is unknown the caller still owns p.
func (b *Bridge) BindProcess(ctx context.Context, workerType string, p mcp.Process) error {
	w, ok := b.Worker(workerType)
	if !ok {
		return fmt.Errorf("%s: %w", workerType, ErrUnknownWorker)
	}
	b.tools.Delete(workerType)
	if err := w.Bind(ctx, p); err != nil {
		return err
	}
	logging.Bridge("%s bound to pid %d", workerType, p.Pid())
	return nil
}

// ReleaseProcess disconnects the worker before the supervisor stops its
// process.
func (b *Bridge) ReleaseProcess(workerType string) {
	if w, ok := b.Worker(workerType); ok {
		_ = w.Disconnect()
	}
}

// Reconcile applies a new registry table: workers missing from specs are
// unregistered, new ones registered and connected. Workers present in both
// are left alone.
func (b *Bridge) Reconcile(ctx context.Context, specs []mcp.WorkerSpec) (added, removed []string) {
	want := make(map[string]mcp.WorkerSpec, len(specs))
	for _, s := range specs {
		want[s.ID] = s
	}

	for _, w := range b.Workers() {
		if _, keep := want[w.ID()]; !keep {
			if err := b.Unregister(w.ID()); err != nil && !errors.Is(err, ErrUnknownWorker) {
				logging.BridgeWarn("reconcile: disconnect of %s: %v", w.ID(), err)
			}
			removed = append(removed, w.ID())
		}
	}
	for _, s := range specs {
		if _, exists := b.Worker(s.ID); exists {
			continue
		}
		w, err := b.Register(s)
		if err != nil {
			logging.BridgeWarn("reconcile: register %s: %v", s.ID, err)
			continue
		}
		added = append(added, s.ID)
		if err := b.connectWithRetry(ctx, w); err != nil {
			logging.BridgeWarn("reconcile: %v", err)
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		logging.Bridge("reconciled registry: +%v -%v", added, removed)
	}
	return added, removed
}
