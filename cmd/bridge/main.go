package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/logging"
	"ledgerbridge/internal/tracing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	configPath string
	verbose    bool
	traceFlag  bool
	timeout    time.Duration

	cfg    *config.Config
	logger *zap.Logger
	tracer *tracing.Provider
)

var rootCmd = &cobra.Command{
	Use:   "ledgerbridge",
	Short: "Supervise LedgerPro workers and talk JSON-RPC to them",
	Long: `ledgerbridge launches the LedgerPro worker processes, performs the
JSON-RPC handshake over their stdin/stdout, keeps them alive and routes
requests to one worker or broadcasts them to all of them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		if err := logging.Initialize(cfg.Logging.Options()); err != nil {
			logger.Warn("category logging disabled", zap.Error(err))
		}
		logging.Boot("ledgerbridge %s starting, config %s", cfg.Version, configPath)

		if traceFlag {
			cfg.Tracing.Enabled = true
		}
		tracer, err = tracing.NewProvider(cmd.Context(), cfg.Tracing)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if tracer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := tracer.Shutdown(ctx); err != nil {
				logger.Warn("flushing spans", zap.Error(err))
			}
			cancel()
		}
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".ledgerbridge/config.yaml", "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&traceFlag, "trace", false, "Export request spans (tracing.exporter, stdout by default)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Timeout for one-shot commands")

	rootCmd.AddCommand(serveCmd, launchCmd, callCmd, toolsCmd, broadcastCmd, statusCmd, configCmd, journalCmd)
}

// commandContext returns a context cancelled on SIGINT/SIGTERM and, when
// bounded is set, after --timeout.
func commandContext(bounded bool) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if !bounded || timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() {
		cancel()
		stop()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
