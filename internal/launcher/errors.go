package launcher

import (
	"errors"
	"fmt"

	"ledgerbridge/internal/mcp"
)

// Supervisor errors. All of them match mcp.ErrLifecycle.
var (
	ErrUnknownWorkerType    = fmt.Errorf("%w: unknown worker type", mcp.ErrLifecycle)
	ErrAlreadyRunning       = fmt.Errorf("%w: worker already running", mcp.ErrLifecycle)
	ErrLaunchInProgress     = fmt.Errorf("%w: launch already in progress", mcp.ErrLifecycle)
	ErrBulkLaunchInProgress = fmt.Errorf("%w: bulk launch already in progress", mcp.ErrLifecycle)
	ErrNotRunning           = fmt.Errorf("%w: process not reported running", mcp.ErrLifecycle)
	ErrProcessExited        = fmt.Errorf("%w: process exited during startup", mcp.ErrLifecycle)
	ErrStartupTimeout       = fmt.Errorf("%w: startup timeout", mcp.ErrLifecycle)
	ErrLaunchFailed         = fmt.Errorf("%w: launch failed", mcp.ErrLifecycle)
	ErrStillAlive           = fmt.Errorf("%w: process survived escalation", mcp.ErrLifecycle)
)

// LaunchError is returned by LaunchServer once every attempt has failed.
type LaunchError struct {
	Type     string
	Attempts int
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s after %d attempts: %v", e.Type, e.Attempts, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Is makes every LaunchError match ErrLaunchFailed.
func (e *LaunchError) Is(target error) bool { return target == ErrLaunchFailed }

// IsLaunchError reports whether err is a *LaunchError and returns it.
func IsLaunchError(err error) (*LaunchError, bool) {
	var le *LaunchError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}
