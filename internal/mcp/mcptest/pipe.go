package mcptest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"ledgerbridge/internal/mcp"
)

var nextPid int64 = 40000

// Pipe is an in-memory mcp.Process backed by a Server.
type Pipe struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	writeMu sync.Mutex
	cancel  context.CancelFunc
	served  chan struct{}

	doneOnce sync.Once
	done     chan struct{}
}

// Start runs s over fresh in-memory pipes.
func (s *Server) Start() *Pipe {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipe{
		pid:     int(atomic.AddInt64(&nextPid, 1)),
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		cancel:  cancel,
		served:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(p.served)
		_ = s.Serve(ctx, stdinR, &lockedWriter{p: p})
		// The worker exits when its stdin closes.
		p.exit()
	}()
	return p
}

// Starter returns an mcp.Starter that starts a new Pipe per call. Started
// pipes are reported on started when it is non-nil and has room.
func (s *Server) Starter(started chan<- *Pipe) mcp.Starter {
	return func(ctx context.Context) (mcp.Process, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := s.Start()
		if started != nil {
			select {
			case started <- p:
			default:
			}
		}
		return p, nil
	}
}

type lockedWriter struct{ p *Pipe }

func (w *lockedWriter) Write(b []byte) (int, error) {
	w.p.writeMu.Lock()
	defer w.p.writeMu.Unlock()
	return w.p.stdoutW.Write(b)
}

// Emit writes raw bytes to the client as if the worker printed them.
func (p *Pipe) Emit(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdoutW.Write(b)
	return err
}

func (p *Pipe) Stdin() io.WriteCloser { return p.stdinW }
func (p *Pipe) Stdout() io.ReadCloser { return p.stdoutR }
func (p *Pipe) Done() <-chan struct{} { return p.done }
func (p *Pipe) Pid() int              { return p.pid }

// Exited reports whether the fake process has ended.
func (p *Pipe) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Crash simulates the worker dying: stdout hits EOF and Done closes.
func (p *Pipe) Crash() {
	p.cancel()
	_ = p.stdinR.CloseWithError(io.ErrClosedPipe)
	_ = p.stdoutW.Close()
	<-p.served
	p.exit()
}

// Close releases both pipes and stops the server.
func (p *Pipe) Close() error {
	p.cancel()
	_ = p.stdinW.Close()
	_ = p.stdoutR.Close()
	_ = p.stdoutW.Close()
	<-p.served
	p.exit()
	return nil
}

func (p *Pipe) exit() {
	p.doneOnce.Do(func() { close(p.done) })
}
