// Package launcher supervises worker OS processes: it launches them with a
// two-phase readiness wait, binds them to the bridge, stops them with
// signal escalation and runs the bulk launch of the core workers.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ledgerbridge/internal/logging"
	"ledgerbridge/internal/mcp"
	"ledgerbridge/internal/process"
	"ledgerbridge/internal/store"

	"golang.org/x/sync/errgroup"
)

// Command is what a Resolver returns for a worker type.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Resolver locates the executable for a worker type.
type Resolver interface {
	Resolve(workerType string) (Command, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(workerType string) (Command, error)

func (f ResolverFunc) Resolve(workerType string) (Command, error) { return f(workerType) }

// Binder connects the logical worker to a process the supervisor started.
type Binder interface {
	BindProcess(ctx context.Context, workerType string, p mcp.Process) error
}

// Releaser is implemented by binders that want to let go of a process
// before the supervisor stops it.
type Releaser interface {
	ReleaseProcess(workerType string)
}

// LaunchRecorder journals launch attempts.
type LaunchRecorder interface {
	RecordLaunch(ctx context.Context, rec store.LaunchRecord) error
}

// ReadinessProbe decides whether a freshly started process can take
// traffic. A nil error means ready.
type ReadinessProbe func(ctx context.Context, h *process.Handle) error

var errNotSettled = errors.New("process not settled")

// LivenessProbe is ready once the process has stayed alive for settle.
func LivenessProbe(settle time.Duration) ReadinessProbe {
	return func(_ context.Context, h *process.Handle) error {
		if !h.Running() {
			return ErrProcessExited
		}
		if time.Since(h.StartTime()) < settle {
			return errNotSettled
		}
		return nil
	}
}

// ServerInfo is a snapshot of one supervised process.
type ServerInfo struct {
	Type            string
	Pid             int
	StartedAt       time.Time
	Attempts        int
	Healthy         bool
	LastHealthCheck time.Time
}

type entry struct {
	handle          *process.Handle
	attempts        int
	healthy         bool
	lastHealthCheck time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBinder sets the binder called after phase 2.
func WithBinder(b Binder) Option { return func(s *Supervisor) { s.binder = b } }

// WithRecorder journals every launch attempt.
func WithRecorder(r LaunchRecorder) Option { return func(s *Supervisor) { s.recorder = r } }

// WithReadinessProbe replaces the default liveness probe.
func WithReadinessProbe(p ReadinessProbe) Option { return func(s *Supervisor) { s.probe = p } }

// WithOptions replaces the default bounds.
func WithOptions(o Options) Option { return func(s *Supervisor) { s.opts = o } }

// WithSleeper replaces the delay function used between attempts.
func WithSleeper(sl mcp.Sleeper) Option { return func(s *Supervisor) { s.sleep = sl } }

// Supervisor owns the OS processes of the workers. One entry exists per
// running worker type, and at most one launch per type runs at a time.
type Supervisor struct {
	resolver Resolver
	binder   Binder
	recorder LaunchRecorder
	probe    ReadinessProbe
	sleep    mcp.Sleeper
	opts     Options

	defs  map[string]WorkerDef
	order []string // core types, bulk launch order

	mu        sync.Mutex
	entries   map[string]*entry
	launching map[string]bool

	bulk atomic.Bool
}

// NewSupervisor creates a supervisor for defs.
func NewSupervisor(resolver Resolver, defs []WorkerDef, opts ...Option) *Supervisor {
	s := &Supervisor{
		resolver:  resolver,
		opts:      DefaultOptions(),
		sleep:     mcp.SleepContext,
		defs:      make(map[string]WorkerDef, len(defs)),
		entries:   make(map[string]*entry),
		launching: make(map[string]bool),
	}
	for _, d := range defs {
		s.defs[d.Type] = d
		if d.Core {
			s.order = append(s.order, d.Type)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.probe == nil {
		s.probe = LivenessProbe(s.opts.SettleTime)
	}
	return s
}

// CoreTypes returns the bulk launch order.
func (s *Supervisor) CoreTypes() []string {
	return append([]string(nil), s.order...)
}

// IsServerRunning reports whether a live process is registered for the type.
func (s *Supervisor) IsServerRunning(workerType string) bool {
	s.mu.Lock()
	e := s.entries[workerType]
	s.mu.Unlock()
	return e != nil && e.handle.Running()
}

// IsLaunching reports whether a launch for the type is in progress.
func (s *Supervisor) IsLaunching(workerType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launching[workerType]
}

// Running returns a snapshot of the supervised processes, sorted by type.
func (s *Supervisor) Running() []ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServerInfo, 0, len(s.entries))
	for t, e := range s.entries {
		out = append(out, ServerInfo{
			Type:            t,
			Pid:             e.handle.Pid(),
			StartedAt:       e.handle.StartTime(),
			Attempts:        e.attempts,
			Healthy:         e.healthy,
			LastHealthCheck: e.lastHealthCheck,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// LaunchServer starts the worker process for workerType, waits for it to
// become ready and binds it. It retries up to Options.MaxAttempts times.
func (s *Supervisor) LaunchServer(ctx context.Context, workerType string) error {
	def, ok := s.defs[workerType]
	if !ok {
		return fmt.Errorf("%s: %w", workerType, ErrUnknownWorkerType)
	}

	s.mu.Lock()
	if s.launching[workerType] {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", workerType, ErrLaunchInProgress)
	}
	stale := false
	if e := s.entries[workerType]; e != nil {
		if e.handle.Running() {
			s.mu.Unlock()
			return fmt.Errorf("%s (pid %d): %w", workerType, e.handle.Pid(), ErrAlreadyRunning)
		}
		stale = true
	}
	s.launching[workerType] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.launching, workerType)
		s.mu.Unlock()
	}()

	timer := logging.StartTimer(logging.CategoryLauncher, "launch "+workerType)
	defer timer.Stop()

	if stale {
		logging.LauncherWarn("%s: stale entry from an unclean stop, cleaning up", workerType)
		_ = s.StopServer(ctx, workerType)
		if err := s.sleep(ctx, s.opts.StalePause); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		logging.Launcher("%s: launch attempt %d/%d", workerType, attempt, s.opts.MaxAttempts)
		start := time.Now()
		h, err := s.launchAttempt(ctx, def, attempt)
		s.record(ctx, def.Type, attempt, h, err, time.Since(start))
		if err == nil {
			logging.Launcher("%s: ready (pid %d) after %d attempt(s)", workerType, h.Pid(), attempt)
			return nil
		}

		lastErr = err
		logging.LauncherWarn("%s: attempt %d failed: %v", workerType, attempt, err)
		_ = s.StopServer(context.WithoutCancel(ctx), workerType)

		if ctx.Err() != nil {
			break
		}
		if attempt < s.opts.MaxAttempts {
			delay := s.opts.RetryBaseDelay << uint(attempt-1)
			if err := s.sleep(ctx, delay); err != nil {
				break
			}
		}
	}

	logging.LauncherError("%s: giving up after %d attempts: %v", workerType, s.opts.MaxAttempts, lastErr)
	return &LaunchError{Type: workerType, Attempts: s.opts.MaxAttempts, Err: lastErr}
}

func (s *Supervisor) launchAttempt(ctx context.Context, def WorkerDef, attempt int) (*process.Handle, error) {
	h, err := s.spawn(ctx, def, attempt)
	if err != nil {
		return h, err
	}

	if s.binder != nil {
		if err := s.binder.BindProcess(ctx, def.Type, h); err != nil {
			return h, fmt.Errorf("bind %s: %w", def.Type, err)
		}
	}
	s.markHealthy(def.Type, h)
	return h, nil
}

// spawn starts the process, registers its entry and runs both readiness
// phases. The entry stays registered on failure so the caller can stop it.
func (s *Supervisor) spawn(ctx context.Context, def WorkerDef, attempt int) (*process.Handle, error) {
	cmd, err := s.resolver.Resolve(def.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", mcp.ErrLifecycle, def.Type, err)
	}

	h, err := process.Start(process.Spec{
		Name:      def.Type,
		Path:      cmd.Path,
		Args:      cmd.Args,
		Dir:       cmd.Dir,
		Env:       append(def.Environment(), cmd.Env...),
		KillGrace: s.opts.GracefulTimeout + s.opts.InterruptTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mcp.ErrLifecycle, err)
	}

	s.mu.Lock()
	s.entries[def.Type] = &entry{handle: h, attempts: attempt}
	s.mu.Unlock()
	go s.watchExit(def.Type, h)

	if err := s.waitRunning(ctx, h); err != nil {
		return h, err
	}
	if err := s.waitReady(ctx, h); err != nil {
		return h, err
	}
	return h, nil
}

func (s *Supervisor) markHealthy(workerType string, h *process.Handle) {
	s.mu.Lock()
	if e := s.entries[workerType]; e != nil && e.handle == h {
		e.healthy = true
		e.lastHealthCheck = time.Now()
	}
	s.mu.Unlock()
}

// Supervises reports whether workerType is one of the supervisor's worker
// types.
func (s *Supervisor) Supervises(workerType string) bool {
	_, ok := s.defs[workerType]
	return ok
}

// Starter returns an mcp.Starter that starts workerType under supervision
// without binding it, for a worker that reconnects on its own. The process
// it returns is tracked like a launched one, so StopAll and CheckHealth see
// it. A single attempt is made; the worker's reconnect policy retries.
func (s *Supervisor) Starter(workerType string) mcp.Starter {
	return func(ctx context.Context) (mcp.Process, error) {
		def, ok := s.defs[workerType]
		if !ok {
			return nil, fmt.Errorf("%s: %w", workerType, ErrUnknownWorkerType)
		}

		s.mu.Lock()
		if s.launching[workerType] {
			s.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", workerType, ErrLaunchInProgress)
		}
		s.launching[workerType] = true
		prev := s.entries[workerType]
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			delete(s.launching, workerType)
			s.mu.Unlock()
		}()

		// The worker calling us has already dropped its connection to any
		// previous process, so it is stopped without a release.
		if prev != nil {
			logging.LauncherWarn("%s: replacing pid %d for a reconnecting worker", workerType, prev.handle.Pid())
			_ = s.stop(ctx, workerType, false)
		}

		logging.Launcher("%s: starting for reconnect", workerType)
		start := time.Now()
		h, err := s.spawn(ctx, def, 1)
		s.record(ctx, workerType, 1, h, err, time.Since(start))
		if err != nil {
			_ = s.stop(context.WithoutCancel(ctx), workerType, false)
			return nil, err
		}
		s.markHealthy(workerType, h)
		return h, nil
	}
}

// waitRunning is phase 1: the OS must report the process running.
func (s *Supervisor) waitRunning(ctx context.Context, h *process.Handle) error {
	deadline := time.Now().Add(s.opts.RunningTimeout)
	for {
		if h.Running() {
			return nil
		}
		if h.Exited() {
			return exitedErr(h)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s after %v: %w", h.Name(), s.opts.RunningTimeout, ErrNotRunning)
		}
		if err := s.poll(ctx, h); err != nil {
			return err
		}
	}
}

// waitReady is phase 2: probe until ready, exit, or the startup deadline.
func (s *Supervisor) waitReady(ctx context.Context, h *process.Handle) error {
	deadline := h.StartTime().Add(s.opts.StartupTimeout)
	for {
		if h.Exited() {
			return exitedErr(h)
		}
		err := s.probe(ctx, h)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrProcessExited) {
			return exitedErr(h)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s not ready within %v (last probe: %v): %w", h.Name(), s.opts.StartupTimeout, err, ErrStartupTimeout)
		}
		if err := s.poll(ctx, h); err != nil {
			return err
		}
	}
}

func (s *Supervisor) poll(ctx context.Context, h *process.Handle) error {
	t := time.NewTimer(s.opts.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func exitedErr(h *process.Handle) error {
	msg := fmt.Sprintf("%s exited", h.Name())
	if err := h.ExitErr(); err != nil {
		msg += ": " + err.Error()
	}
	if tail := h.StderrTail(); len(tail) > 0 {
		msg += " (stderr: " + strings.Join(tail, " | ") + ")"
	}
	return fmt.Errorf("%s: %w", msg, ErrProcessExited)
}

// watchExit clears the entry when the process dies on its own.
func (s *Supervisor) watchExit(workerType string, h *process.Handle) {
	<-h.Done()
	s.mu.Lock()
	e := s.entries[workerType]
	owned := e != nil && e.handle == h
	if owned {
		delete(s.entries, workerType)
	}
	s.mu.Unlock()
	if owned {
		logging.LauncherWarn("%s (pid %d) exited: %v", workerType, h.Pid(), h.ExitErr())
	}
}

func (s *Supervisor) record(ctx context.Context, workerType string, attempt int, h *process.Handle, err error, d time.Duration) {
	if s.recorder == nil {
		return
	}
	rec := store.LaunchRecord{WorkerType: workerType, Attempt: attempt, Success: err == nil, Duration: d}
	if h != nil {
		rec.Pid = h.Pid()
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if rerr := s.recorder.RecordLaunch(context.WithoutCancel(ctx), rec); rerr != nil {
		logging.LauncherWarn("%s: failed to journal launch: %v", workerType, rerr)
	}
}

// StopServer stops the worker process with terminate, interrupt, kill
// escalation. The entry is removed whatever the outcome.
func (s *Supervisor) StopServer(ctx context.Context, workerType string) error {
	return s.stop(ctx, workerType, true)
}

func (s *Supervisor) stop(ctx context.Context, workerType string, release bool) error {
	s.mu.Lock()
	e := s.entries[workerType]
	s.mu.Unlock()
	if e == nil {
		return nil
	}
	h := e.handle

	defer func() {
		s.mu.Lock()
		if cur := s.entries[workerType]; cur == e {
			delete(s.entries, workerType)
		}
		s.mu.Unlock()
		_ = h.Close()
	}()

	if r, ok := s.binder.(Releaser); ok && release {
		r.ReleaseProcess(workerType)
	}

	steps := []struct {
		name   string
		signal func() error
		wait   time.Duration
	}{
		{"terminate", h.Terminate, s.opts.GracefulTimeout},
		{"interrupt", h.Interrupt, s.opts.InterruptTimeout},
		{"kill", h.Kill, time.Second},
	}
	for _, step := range steps {
		if h.Exited() {
			break
		}
		logging.Launcher("%s: sending %s to pid %d", workerType, step.name, h.Pid())
		if err := step.signal(); err != nil {
			logging.LauncherWarn("%s: %s failed: %v", workerType, step.name, err)
		}
		if s.waitExit(ctx, h, step.wait) {
			break
		}
	}

	if !h.Exited() && h.Running() {
		logging.LauncherError("%s: pid %d still alive after kill", workerType, h.Pid())
		return fmt.Errorf("%s (pid %d): %w", workerType, h.Pid(), ErrStillAlive)
	}
	logging.Launcher("%s: stopped", workerType)
	return nil
}

// waitExit polls for exit up to d. ctx cancellation cuts the wait short
// but does not skip later escalation steps.
func (s *Supervisor) waitExit(ctx context.Context, h *process.Handle, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if h.Exited() || !h.Running() {
			return true
		}
		select {
		case <-h.Done():
			return true
		case <-ctx.Done():
			return false
		case <-time.After(s.opts.PollInterval):
		}
	}
	return h.Exited()
}

// StopAll stops every supervised process concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	types := make([]string, 0, len(s.entries))
	for t := range s.entries {
		types = append(types, t)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, t := range types {
		t := t
		g.Go(func() error { return s.StopServer(ctx, t) })
	}
	return g.Wait()
}

// CheckHealth refreshes the health flag of every entry and returns it.
func (s *Supervisor) CheckHealth() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	out := make(map[string]bool, len(s.entries))
	for t, e := range s.entries {
		e.healthy = e.handle.Running()
		e.lastHealthCheck = now
		out[t] = e.healthy
		if !e.healthy {
			logging.LauncherWarn("%s (pid %d) is not running", t, e.handle.Pid())
		}
	}
	return out
}
