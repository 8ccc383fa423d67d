package main

import (
	"context"
	"fmt"
	"time"

	"ledgerbridge/internal/bridge"
	"ledgerbridge/internal/config"
	"ledgerbridge/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveWatch       bool
	serveStatusEvery time.Duration
)

// serveCmd runs the bridge until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Launch the core workers and keep them connected",
	Long: `Launches every core worker through the supervisor, connects the remaining
workers, waits for readiness and then keeps running until interrupted.
With --watch, edits to the config file add or remove workers live.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "Reload the worker registry when the config file changes")
	serveCmd.Flags().DurationVar(&serveStatusEvery, "status-every", time.Minute, "Log a status line at this interval (0 disables)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(false)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if err := a.launch(ctx, nil); err != nil {
		return err
	}
	a.connectOthers(ctx)
	if err := a.bridge.AreServersReady(ctx); err != nil {
		logger.Warn("continuing with workers that are not ready", zap.Error(err))
	}
	logger.Info("bridge up", zap.String("status", string(a.bridge.Status())))

	if serveWatch {
		w, err := config.NewWatcher(configPath, func(next *config.Config) {
			if err := next.Validate(); err != nil {
				logger.Warn("ignoring invalid config", zap.Error(err))
				return
			}
			a.resolver.setConfig(next)
			added, removed := a.bridge.Reconcile(ctx, bridge.WorkerSpecs(next))
			logging.Get(logging.CategoryConfig).Info("registry reloaded: added %v, removed %v", added, removed)
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			logger.Warn("config watcher disabled", zap.Error(err))
		} else {
			defer w.Stop()
		}
	}

	var tick <-chan time.Time
	if serveStatusEvery > 0 {
		t := time.NewTicker(serveStatusEvery)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-tick:
			health := a.supervisor.CheckHealth()
			m := a.bridge.Metrics()
			logger.Info("status",
				zap.String("bridge", string(a.bridge.Status())),
				zap.Any("processes", health),
				zap.Int64("requests", m.RequestCount),
				zap.String("success_rate", fmt.Sprintf("%.1f%%", 100*m.SuccessRate())),
			)
		}
	}
}
