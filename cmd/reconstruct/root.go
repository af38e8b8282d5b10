package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/errorsx"
)

var (
	flagConfigPath string
	flagLogLevel   string
	flagMetricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "reconstruct",
	Short: "Reconstruct unified crypto order-book and trade history from raw exchange feeds",
	Long: `reconstruct turns raw, possibly out-of-order exchange feed dumps into a
gap-aware, drift-monitored, replayable unified event stream, partitioned to
disk in Parquet and checkpointed for crash recovery.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to a config file (optional; env vars and defaults apply otherwise)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "overrides RLX_LOG_LEVEL (debug, info, warn, error; default info)")
	rootCmd.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Prometheus listen address (empty, the default, disables the endpoint)")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(recoverCmd)
}

// Execute runs the command tree and returns the process exit code spec
// §6 defines: 0 clean, 1 config error, 2 unrecoverable data error, 3 I/O
// fault, 130 interrupted.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return 0
}

// exitCodeFor classifies a returned error into spec §6's exit codes.
// Interrupt is checked first since context.Canceled can also surface
// wrapped inside an *errorsx.Error from a lower layer.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}

	var xerr *errorsx.Error
	if errorsx.As(err, &xerr) {
		switch xerr.Code {
		case errorsx.ConfigError:
			return 1
		case errorsx.IoError:
			return 3
		case errorsx.CorruptWal, errorsx.CorruptCheckpoint,
			errorsx.OverflowError, errorsx.InitializationOverflow,
			errorsx.SchemaError, errorsx.DecodeError:
			return 2
		}
	}
	return 1
}

// newLogger builds a zap.Logger honoring --log-level / RLX_LOG_LEVEL,
// mirroring the teacher's environment-switched zap construction.
func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		if env := os.Getenv("RLX_LOG_LEVEL"); env != "" {
			level = env
		} else {
			level = "info"
		}
	}
	var zlevel zapcore.Level
	if err := zlevel.UnmarshalText([]byte(level)); err != nil {
		return nil, errorsx.Newf(errorsx.ConfigError, "invalid log level %q", level)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zlevel)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
