package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/launcher"
	"ledgerbridge/internal/mcp"
	"ledgerbridge/internal/process"
)

// venvResolver finds a worker's script under the servers directory and
// prefers the interpreter of a virtual environment next to it.
type venvResolver struct {
	mu  sync.RWMutex
	cfg *config.Config
}

func newResolver(c *config.Config) *venvResolver { return &venvResolver{cfg: c} }

func (r *venvResolver) setConfig(c *config.Config) {
	r.mu.Lock()
	r.cfg = c
	r.mu.Unlock()
}

func (r *venvResolver) config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *venvResolver) Resolve(workerType string) (launcher.Command, error) {
	c := r.config()
	w, ok := c.FindWorker(workerType)
	if !ok {
		return launcher.Command{}, fmt.Errorf("%w: %s", launcher.ErrUnknownWorkerType, workerType)
	}

	dir := w.Dir
	if dir == "" {
		dir = filepath.Join(c.Launcher.ServersDir, w.Type)
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return launcher.Command{}, err
	}
	if w.Command != "" {
		path, err := exec.LookPath(w.Command)
		if err != nil {
			return launcher.Command{}, fmt.Errorf("%w: command for %s: %v", mcp.ErrLifecycle, w.Type, err)
		}
		return launcher.Command{Path: path, Dir: dir}, nil
	}

	script := filepath.Join(dir, w.Script)
	if _, err := os.Stat(script); err != nil {
		return launcher.Command{}, fmt.Errorf("%w: script for %s not found: %s", mcp.ErrLifecycle, w.Type, script)
	}

	interp, err := r.interpreter(c, dir)
	if err != nil {
		return launcher.Command{}, err
	}
	return launcher.Command{Path: interp, Args: []string{script}, Dir: dir}, nil
}

// interpreter checks the worker's own venv, then the shared one in the
// servers directory, then the configured fallback on PATH.
func (r *venvResolver) interpreter(c *config.Config, dir string) (string, error) {
	venv := c.Launcher.VenvDir
	if venv != "" {
		candidates := []string{
			filepath.Join(dir, venv, "bin", "python"),
			filepath.Join(c.Launcher.ServersDir, venv, "bin", "python"),
		}
		for _, p := range candidates {
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return filepath.Abs(p)
			}
		}
	}
	fallback := c.Launcher.Interpreter
	if fallback == "" {
		fallback = "python3"
	}
	p, err := exec.LookPath(fallback)
	if err != nil {
		return "", fmt.Errorf("%w: no interpreter: %v", mcp.ErrLifecycle, err)
	}
	return p, nil
}

// starter lets a registered worker start its own process when it is not
// launched by the supervisor.
func (r *venvResolver) starter(spec mcp.WorkerSpec) mcp.Starter {
	return func(ctx context.Context) (mcp.Process, error) {
		cmd, err := r.Resolve(spec.ID)
		if err != nil {
			return nil, err
		}
		def := launcher.WorkerDef{Type: spec.ID}
		for _, d := range launcher.WorkersFromConfig(r.config()) {
			if d.Type == spec.ID {
				def = d
				break
			}
		}
		return mcp.ExecStarter(process.Spec{
			Name: spec.ID,
			Path: cmd.Path,
			Args: cmd.Args,
			Dir:  cmd.Dir,
			Env:  append(def.Environment(), cmd.Env...),
		})(ctx)
	}
}
