package mcp

import (
	"context"
	"fmt"
	"io"

	"ledgerbridge/internal/process"
)

// Process is the child side of a connection: its pipes, liveness and
// teardown. *process.Handle satisfies it; tests use in-memory pipes.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	Pid() int
	// Close releases the pipes and terminates the process.
	Close() error
}

// Starter creates and starts a process for a connection.
type Starter func(ctx context.Context) (Process, error)

// ExecStarter starts spec as an OS process on every call.
func ExecStarter(spec process.Spec) Starter {
	return func(ctx context.Context) (Process, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := process.Start(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return h, nil
	}
}
