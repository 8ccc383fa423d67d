package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ledgerbridge/internal/logging"
)

// WorkerSpec describes a worker. It comes from the registry table.
type WorkerSpec struct {
	ID           string
	DisplayName  string
	Capabilities []Method
}

// Supports reports whether the worker declares method.
func (s WorkerSpec) Supports(method Method) bool {
	for _, m := range s.Capabilities {
		if m == method {
			return true
		}
	}
	return false
}

// RetryPolicy bounds SendRequestWithRetry.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// RetryApplicationErrors retries worker-returned RPC errors too. Off by
	// default: transport and timeout failures are the only retried kinds.
	RetryApplicationErrors bool
}

// DefaultRetryPolicy returns 3 attempts with a 500ms base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
}

// Delay returns the wait after the zero-based failed attempt: base × 2^attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay << uint(attempt)
}

// ShouldRetry reports whether err is worth another attempt.
func (p RetryPolicy) ShouldRetry(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case IsApplication(err):
		return p.RetryApplicationErrors
	default:
		return IsTransient(err)
	}
}

// StateChange is emitted on every accepted state transition.
type StateChange struct {
	WorkerID string
	From     ConnectionState
	To       ConnectionState
	Err      error
	At       time.Time
}

// Sleeper waits d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) WorkerOption {
	return func(w *Worker) { w.retry = p }
}

// WithHeartbeat sets the probe interval and how many consecutive probe
// failures force a reconnection. threshold 0 means probe failures alone never
// trigger a reconnection; only an observed closed connection does.
func WithHeartbeat(interval time.Duration, threshold int) WorkerOption {
	return func(w *Worker) {
		w.hbInterval = interval
		w.hbThreshold = threshold
	}
}

// WithSleeper replaces the retry backoff sleeper.
func WithSleeper(s Sleeper) WorkerOption {
	return func(w *Worker) { w.sleep = s }
}

// WithStateListener registers a callback for state transitions. Callbacks run
// synchronously on the goroutine that caused the transition.
func WithStateListener(fn func(StateChange)) WorkerOption {
	return func(w *Worker) { w.listeners = append(w.listeners, fn) }
}

// WithConnectionOptions passes options to the underlying Connection.
func WithConnectionOptions(opts ...ConnectionOption) WorkerOption {
	return func(w *Worker) { w.connOpts = append(w.connOpts, opts...) }
}

// Worker wraps one Connection with a state machine, retrying sender,
// heartbeat loop and metrics.
type Worker struct {
	spec        WorkerSpec
	conn        *Connection
	connOpts    []ConnectionOption
	retry       RetryPolicy
	hbInterval  time.Duration
	hbThreshold int
	sleep       Sleeper
	listeners   []func(StateChange)
	metrics     MetricsRecorder

	// opMu serializes Connect, Disconnect, Bind and reconnection.
	opMu sync.Mutex

	mu            sync.RWMutex
	state         ConnectionState
	lastErr       error
	probeFailures int
	lastProbe     time.Time

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

// NewWorker creates a disconnected worker whose process comes from starter.
func NewWorker(spec WorkerSpec, starter Starter, opts ...WorkerOption) *Worker {
	w := &Worker{
		spec:       spec,
		retry:      DefaultRetryPolicy(),
		hbInterval: 30 * time.Second,
		sleep:      SleepContext,
		state:      StateDisconnected,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.conn = NewConnection(spec.ID, starter, w.connOpts...)
	return w
}

func (w *Worker) ID() string               { return w.spec.ID }
func (w *Worker) Spec() WorkerSpec         { return w.spec }
func (w *Worker) Conn() *Connection        { return w.conn }
func (w *Worker) Metrics() Metrics         { return w.metrics.Snapshot() }
func (w *Worker) RetryPolicy() RetryPolicy { return w.retry }

// State returns the current connection state.
func (w *Worker) State() ConnectionState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// IsConnected reports whether the worker is in the connected state with a
// live connection.
func (w *Worker) IsConnected() bool {
	return w.State() == StateConnected && w.conn.IsConnected()
}

// LastError returns the most recent connect or request failure.
func (w *Worker) LastError() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}

// ProbeFailures returns consecutive heartbeat probe failures.
func (w *Worker) ProbeFailures() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.probeFailures
}

// LastProbe returns when the heartbeat last probed the worker.
func (w *Worker) LastProbe() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastProbe
}

func (w *Worker) setState(to ConnectionState, cause error) bool {
	w.mu.Lock()
	from := w.state
	if from == to {
		w.mu.Unlock()
		return true
	}
	if !CanTransition(from, to) {
		w.mu.Unlock()
		logging.Get(logging.CategoryWorker).Warn("%s: refusing invalid transition %s -> %s", w.spec.ID, from, to)
		return false
	}
	w.state = to
	if cause != nil {
		w.lastErr = cause
	}
	listeners := w.listeners
	w.mu.Unlock()

	logging.Get(logging.CategoryWorker).Info("%s: %s -> %s", w.spec.ID, from, to)
	ev := StateChange{WorkerID: w.spec.ID, From: from, To: to, Err: cause, At: time.Now()}
	for _, fn := range listeners {
		fn(ev)
	}
	return true
}

func (w *Worker) setLastError(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

// Connect performs the handshake if needed and starts the heartbeat loop.
// It is the only way out of the error and disconnected states.
func (w *Worker) Connect(ctx context.Context) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()
	return w.connectLocked(ctx)
}

func (w *Worker) connectLocked(ctx context.Context) error {
	if w.State() == StateConnected {
		if w.conn.IsConnected() {
			return nil
		}
		// The process went away before the heartbeat noticed.
		w.setState(StateDisconnected, nil)
	}

	w.setState(StateConnecting, nil)
	if err := w.conn.Connect(ctx); err != nil {
		w.setState(StateError, err)
		logging.Get(logging.CategoryWorker).Error("%s: connect failed: %v", w.spec.ID, err)
		return err
	}
	w.mu.Lock()
	w.probeFailures = 0
	w.mu.Unlock()
	w.setState(StateConnected, nil)
	w.startHeartbeat()
	return nil
}

// Disconnect stops the heartbeat, closes the connection and moves to
// disconnected.
func (w *Worker) Disconnect() error {
	w.stopHeartbeat()

	w.opMu.Lock()
	defer w.opMu.Unlock()

	err := w.conn.Disconnect()
	w.setState(StateDisconnected, nil)
	return err
}

// Bind replaces the worker's process with p, one already started by a
// supervisor, and connects to it.
func (w *Worker) Bind(ctx context.Context, p Process) error {
	w.stopHeartbeat()

	w.opMu.Lock()
	defer w.opMu.Unlock()

	if w.State() != StateDisconnected {
		_ = w.conn.Disconnect()
		w.setState(StateDisconnected, nil)
	}
	w.conn.Attach(p)
	return w.connectLocked(ctx)
}

// SendRequest sends one request with the method's default timeout and
// updates metrics. A worker error comes back as *RPCError.
func (w *Worker) SendRequest(ctx context.Context, method Method, params Value) (Value, error) {
	return w.SendRequestTimeout(ctx, method, params, method.DefaultTimeout())
}

// SendRequestTimeout is SendRequest with an explicit per-call timeout.
func (w *Worker) SendRequestTimeout(ctx context.Context, method Method, params Value, timeout time.Duration) (Value, error) {
	if w.State() != StateConnected {
		return Value{}, fmt.Errorf("%s is %s: %w", w.spec.ID, w.State(), ErrNotConnected)
	}

	start := time.Now()
	resp, err := w.conn.Send(ctx, method, params, timeout)
	elapsed := time.Since(start)

	if err == nil && !resp.Success() {
		err = resp.Err()
	}
	w.metrics.Record(elapsed, err == nil, start)

	if err != nil {
		w.setLastError(err)
		return Value{}, err
	}
	return resp.Result(), nil
}

// SendRequestWithRetry retries SendRequest per the retry policy, waiting
// base × 2^attempt between attempts. It returns the first success or the
// last error.
func (w *Worker) SendRequestWithRetry(ctx context.Context, method Method, params Value) (Value, error) {
	attempts := w.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := w.SendRequest(ctx, method, params)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !w.retry.ShouldRetry(err) || attempt == attempts-1 {
			break
		}
		delay := w.retry.Delay(attempt)
		logging.Get(logging.CategoryWorker).Warn("%s: %s attempt %d/%d failed (%s): %v; retrying in %v",
			w.spec.ID, method, attempt+1, attempts, ErrorKind(err), err, delay)
		if err := w.sleep(ctx, delay); err != nil {
			return Value{}, fmt.Errorf("%s: retry of %s abandoned: %w", w.spec.ID, method, err)
		}
	}
	return Value{}, lastErr
}

// Ping sends a liveness probe.
func (w *Worker) Ping(ctx context.Context) error {
	resp, err := w.conn.Send(ctx, MethodPing, Null(), 0)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return resp.Err()
	}
	return nil
}

func (w *Worker) startHeartbeat() {
	if w.hbInterval <= 0 {
		return
	}
	w.hbMu.Lock()
	defer w.hbMu.Unlock()
	if w.hbDone != nil {
		select {
		case <-w.hbDone:
		default:
			return // still running
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.hbCancel = cancel
	w.hbDone = done
	go w.heartbeatLoop(ctx, done)
}

func (w *Worker) stopHeartbeat() {
	w.hbMu.Lock()
	cancel, done := w.hbCancel, w.hbDone
	w.hbCancel, w.hbDone = nil, nil
	w.hbMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.hbInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.heartbeat(ctx) {
				return
			}
		}
	}
}

// heartbeat runs one probe cycle and reports whether the loop should continue.
func (w *Worker) heartbeat(ctx context.Context) bool {
	log := logging.Get(logging.CategoryWorker)

	if w.State() != StateConnected {
		return false
	}
	if !w.conn.IsConnected() {
		log.Warn("%s: connection lost, reconnecting", w.spec.ID)
		return w.attemptReconnection(ctx) == nil
	}

	err := w.Ping(ctx)
	w.mu.Lock()
	w.lastProbe = time.Now()
	if err == nil {
		w.probeFailures = 0
		w.mu.Unlock()
		return true
	}
	w.probeFailures++
	failures := w.probeFailures
	w.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}
	log.Warn("%s: heartbeat probe failed (%d consecutive): %v", w.spec.ID, failures, err)
	if w.hbThreshold > 0 && failures >= w.hbThreshold {
		log.Warn("%s: %d probe failures reached threshold, reconnecting", w.spec.ID, failures)
		return w.attemptReconnection(ctx) == nil
	}
	return true
}

// attemptReconnection disconnects and connects again. On failure the worker
// moves to error and stays there until an explicit Connect.
func (w *Worker) attemptReconnection(ctx context.Context) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	if !w.setState(StateReconnecting, nil) {
		return fmt.Errorf("%s: cannot reconnect from %s", w.spec.ID, w.State())
	}
	_ = w.conn.Disconnect()

	if err := w.conn.Connect(ctx); err != nil {
		w.setState(StateError, err)
		logging.Get(logging.CategoryWorker).Error("%s: reconnection failed: %v", w.spec.ID, err)
		return err
	}
	w.mu.Lock()
	w.probeFailures = 0
	w.mu.Unlock()
	w.setState(StateConnected, nil)
	logging.Get(logging.CategoryWorker).Info("%s: reconnected", w.spec.ID)
	return nil
}
