// Package process starts and signals worker OS processes.
//
// A Handle owns the parent ends of the child's stdin, stdout and stderr pipes.
// Pipes are created with os.Pipe rather than exec.Cmd.StdoutPipe so that the
// exit watcher calling Wait never closes a pipe a reader is still using.
// The child runs in its own process group and signals target the whole group.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"ledgerbridge/internal/logging"
)

// ErrNotStarted is returned when signalling a handle that never started.
var ErrNotStarted = errors.New("process not started")

// Spec describes a process to start.
type Spec struct {
	Name string   // label used in logs
	Path string   // executable
	Args []string // arguments after the executable
	Dir  string   // working directory
	Env  []string // KEY=VALUE pairs appended to the parent environment

	// KillGrace bounds how long Close waits after SIGTERM before SIGKILL.
	// Zero means 5s.
	KillGrace time.Duration
}

const stderrTailLines = 20

// Handle is a running (or exited) child process.
type Handle struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startTime time.Time
	killGrace time.Duration

	stdin  *os.File
	stdout *os.File

	done    chan struct{}
	exitErr error

	mu     sync.Mutex
	tail   []string
	closed bool
}

// Start spawns the process described by spec.
func Start(spec Spec) (*Handle, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("empty executable for %s", spec.Name)
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("failed to start %s (%s): %w", spec.Name, spec.Path, err)
	}

	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	grace := spec.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	h := &Handle{
		name:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startTime: time.Now(),
		killGrace: grace,
		stdin:     stdinW,
		stdout:    stdoutR,
		done:      make(chan struct{}),
	}

	logging.Get(logging.CategoryProcess).Info("Started %s pid=%d: %s %v (dir=%s)", spec.Name, h.pid, spec.Path, spec.Args, spec.Dir)

	go h.drainStderr(stderrR)
	go h.wait()

	return h, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.exitErr = err
	close(h.done)

	log := logging.Get(logging.CategoryProcess)
	if err != nil {
		log.Warn("%s pid=%d exited: %v", h.name, h.pid, err)
	} else {
		log.Info("%s pid=%d exited cleanly", h.name, h.pid)
	}
}

func (h *Handle) drainStderr(r *os.File) {
	defer r.Close()
	log := logging.Get(logging.CategoryProcess).With("worker", h.name)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		log.Info("[STDERR] %s", line)
		h.mu.Lock()
		h.tail = append(h.tail, line)
		if len(h.tail) > stderrTailLines {
			h.tail = h.tail[len(h.tail)-stderrTailLines:]
		}
		h.mu.Unlock()
	}
}

// Name returns the label the handle was started with.
func (h *Handle) Name() string { return h.name }

// Pid returns the OS process id.
func (h *Handle) Pid() int { return h.pid }

// StartTime returns when the process was started.
func (h *Handle) StartTime() time.Time { return h.startTime }

// Stdin returns the write end of the child's stdin.
func (h *Handle) Stdin() io.WriteCloser { return h.stdin }

// Stdout returns the read end of the child's stdout.
func (h *Handle) Stdout() io.ReadCloser { return h.stdout }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the Wait error. Only meaningful after Done is closed.
func (h *Handle) ExitErr() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

// Running reports whether the OS still considers the process alive.
func (h *Handle) Running() bool {
	if h.Exited() {
		return false
	}
	return isProcessAlive(h.pid)
}

// StderrTail returns the last lines the process wrote to stderr.
func (h *Handle) StderrTail() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.tail))
	copy(out, h.tail)
	return out
}

// Terminate sends the graceful terminate signal to the process group.
func (h *Handle) Terminate() error {
	if h.Exited() {
		return nil
	}
	return terminateGroup(h.cmd)
}

// Interrupt sends the interrupt signal to the process group.
func (h *Handle) Interrupt() error {
	if h.Exited() {
		return nil
	}
	return interruptGroup(h.cmd)
}

// Kill sends the unconditional kill signal to the process group.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}
	return killGroup(h.cmd)
}

// WaitExit blocks until the process exits or d elapses.
func (h *Handle) WaitExit(d time.Duration) bool {
	if d <= 0 {
		return h.Exited()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

// Close releases the pipes and asks the process to exit. If it is still
// running after the kill grace it is killed. Close does not block on exit.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	_ = h.stdin.Close()
	err := h.Terminate()
	_ = h.stdout.Close()

	if !h.Exited() {
		go func() {
			if !h.WaitExit(h.killGrace) {
				logging.Get(logging.CategoryProcess).Warn("%s pid=%d ignored SIGTERM for %v, killing", h.name, h.pid, h.killGrace)
				_ = h.Kill()
			}
		}()
	}
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to terminate %s: %w", h.name, err)
	}
	return nil
}
