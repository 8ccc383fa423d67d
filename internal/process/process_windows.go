//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

func configureProcessGroup(cmd *exec.Cmd) {}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

// Windows has no terminate or interrupt signal for arbitrary processes,
// so every escalation step kills.
func killGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return ErrNotStarted
	}
	err := cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func terminateGroup(cmd *exec.Cmd) error { return killGroup(cmd) }
func interruptGroup(cmd *exec.Cmd) error { return killGroup(cmd) }
