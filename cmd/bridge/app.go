package main

import (
	"context"
	"errors"
	"fmt"

	"ledgerbridge/internal/bridge"
	"ledgerbridge/internal/config"
	"ledgerbridge/internal/launcher"
	"ledgerbridge/internal/mcp"
	"ledgerbridge/internal/store"

	"go.uber.org/zap"
)

// app wires config, journal, bridge and supervisor for one command run.
type app struct {
	resolver   *venvResolver
	journal    *store.Journal
	bridge     *bridge.Bridge
	supervisor *launcher.Supervisor
}

func newApp(c *config.Config) (*app, error) {
	a := &app{resolver: newResolver(c)}

	bopts := []bridge.Option{bridge.WithOptions(bridge.OptionsFromConfig(c))}
	if tracer != nil {
		bopts = append(bopts, bridge.WithTracerProvider(tracer.TracerProvider()))
	}
	sopts := []launcher.Option{launcher.WithOptions(launcher.OptionsFromConfig(c.Launcher))}
	if c.Store.Enabled {
		j, err := store.Open(c.Store.Path)
		if err != nil {
			return nil, err
		}
		a.journal = j
		bopts = append(bopts, bridge.WithJournal(j))
		sopts = append(sopts, launcher.WithRecorder(j))
	}

	a.bridge = bridge.New(a.starter, bopts...)
	for _, spec := range bridge.WorkerSpecs(c) {
		if _, err := a.bridge.Register(spec); err != nil {
			a.close(context.Background())
			return nil, err
		}
	}

	sopts = append(sopts, launcher.WithBinder(a.bridge))
	a.supervisor = launcher.NewSupervisor(a.resolver, launcher.WorkersFromConfig(c), sopts...)
	return a, nil
}

// starter routes a worker's own (re)starts through the supervisor for the
// types it manages, so a reconnected process is still stopped by StopAll.
// Other workers start their process directly.
func (a *app) starter(spec mcp.WorkerSpec) mcp.Starter {
	direct := a.resolver.starter(spec)
	return func(ctx context.Context) (mcp.Process, error) {
		if a.supervisor != nil && a.supervisor.Supervises(spec.ID) {
			return a.supervisor.Starter(spec.ID)(ctx)
		}
		return direct(ctx)
	}
}

// launch starts the given worker types, or every core type when none are
// named, and waits until the bridge reports them ready.
func (a *app) launch(ctx context.Context, types []string) error {
	if len(types) == 0 {
		summary, err := a.supervisor.LaunchCoreServers(ctx)
		if err != nil {
			return err
		}
		logger.Info("bulk launch finished", zap.Strings("up", summary.Succeeded()), zap.Strings("failed", summary.Failed()))
	} else {
		var errs []error
		for _, t := range types {
			if err := a.supervisor.LaunchServer(ctx, t); err != nil && !errors.Is(err, launcher.ErrAlreadyRunning) {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}
	}
	return nil
}

// connectOthers connects registered workers the supervisor does not manage.
func (a *app) connectOthers(ctx context.Context) {
	for id, err := range a.bridge.ConnectAll(ctx) {
		logger.Warn("worker not connected", zap.String("worker", id), zap.Error(err))
	}
}

func (a *app) close(ctx context.Context) {
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			logger.Debug("bridge close", zap.Error(err))
		}
	}
	if a.supervisor != nil {
		if err := a.supervisor.StopAll(ctx); err != nil {
			logger.Warn("stopping workers", zap.Error(err))
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logger.Warn("closing journal", zap.Error(err))
		}
	}
}

// withWorker launches one worker and runs fn against the bridge.
func withWorker(ctx context.Context, workerType string, fn func(*app) error) error {
	if _, ok := cfg.FindWorker(workerType); !ok {
		return fmt.Errorf("unknown worker %q", workerType)
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	if err := a.launch(ctx, []string{workerType}); err != nil {
		return err
	}
	return fn(a)
}
