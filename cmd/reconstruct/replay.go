package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/book"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/checkpoint"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/config"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/errorsx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/ingest"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/replay"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/sink"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/supervisor"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/telemetry"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/unify"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/wal"
)

var (
	replaySymbol             string
	replayFrom               string
	replayTo                 string
	replayIn                 string
	replayOut                string
	replayCheckpointEvents   int
	replayCheckpointSeconds  int
	replayBatchSize          int
	replayWorkers            int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a symbol's raw feed into a unified, checkpointed, partitioned event stream",
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replaySymbol, "symbol", "", "symbol to replay (required)")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "ISO-8601 start of the replay window (informational; readers are not windowed by file)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "ISO-8601 end of the replay window (informational)")
	replayCmd.Flags().StringVar(&replayIn, "in", "", "input root holding <symbol>/{snapshots,deltas,trades}.jsonl (required)")
	replayCmd.Flags().StringVar(&replayOut, "out", "", "output root for partitions, WAL, and checkpoints (required)")
	replayCmd.Flags().IntVar(&replayCheckpointEvents, "checkpoint-every-events", 0, "override checkpoint cadence by event count")
	replayCmd.Flags().IntVar(&replayCheckpointSeconds, "checkpoint-every-seconds", 0, "override checkpoint cadence by wall time")
	replayCmd.Flags().IntVar(&replayBatchSize, "batch-size", 0, "override ingestion batch size")
	replayCmd.Flags().IntVar(&replayWorkers, "workers", 0, "override the Supervisor pool size")

	replayCmd.MarkFlagRequired("symbol")
	replayCmd.MarkFlagRequired("in")
	replayCmd.MarkFlagRequired("out")
}

func runReplay(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(flagLogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadRuntimeConfig(logger)
	if err != nil {
		return err
	}
	applyReplayOverrides(cfg)

	walRoot := filepath.Join(replayOut, "wal")
	checkpointDir := filepath.Join(replayOut, "checkpoints")
	os.MkdirAll(walRoot, 0o755)
	os.MkdirAll(checkpointDir, 0o755)

	metrics := telemetry.New()
	checkpoints := checkpoint.NewManager(checkpointDir, cfg.Checkpoint.Retain, 4, logger)

	sup, err := supervisor.New(supervisorConfigFrom(cfg), replayOut, checkpoints, metrics, logger)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if flagMetricsAddr != "" {
		go func() {
			if serr := metrics.Serve(ctx, flagMetricsAddr, logger); serr != nil && serr != context.Canceled {
				logger.Warn("metrics server stopped", zap.Error(serr))
			}
		}()
	}

	sources, sourceErr := buildSources(replayIn, replaySymbol, ingestConfigFrom(cfg), logger)
	if sourceErr != nil {
		return sourceErr
	}

	spec := supervisor.WorkerSpec{
		Symbol:         replaySymbol,
		Sources:        sources,
		WALSegmentPath: wal.SegmentPath(replayOut, replaySymbol, time.Now().UnixNano()),
		Book:           bookConfigFrom(cfg),
	}
	if err := sup.Spawn(spec); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, draining", zap.String("symbol", replaySymbol))

	shutdownErr := sup.Shutdown()
	printSummary(cmd, sup, replaySymbol, replayOut)

	if shutdownErr != nil {
		return shutdownErr
	}
	return context.Canceled
}

// buildSources opens one ingest.Reader per event-kind partition present
// for symbol under inputRoot, skipping kinds with no file (a symbol
// without any trades, for instance, is not an error).
func buildSources(inputRoot, symbol string, cfg ingest.Config, logger *zap.Logger) ([]unify.Source, error) {
	kinds := []model.EventKind{model.KindBookSnapshot, model.KindBookDelta, model.KindTrade}
	var sources []unify.Source
	for _, kind := range kinds {
		path := partitionFile(inputRoot, symbol, kind)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		r, err := ingest.NewJSONLReader(path, kind, cfg, logger)
		if err != nil {
			return nil, err
		}
		sources = append(sources, r)
	}
	if len(sources) == 0 {
		return nil, errorsx.Newf(errorsx.ConfigError, "no input partitions found for symbol %q under %s", symbol, inputRoot)
	}
	return sources, nil
}

func loadRuntimeConfig(logger *zap.Logger) (*config.Config, error) {
	mgr, err := config.NewManager(flagConfigPath)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ConfigError, "load configuration")
	}
	cfg := mgr.Current()
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyReplayOverrides(cfg *config.Config) {
	if replayCheckpointEvents > 0 {
		cfg.Checkpoint.EveryEvents = replayCheckpointEvents
	}
	if replayCheckpointSeconds > 0 {
		cfg.Checkpoint.EveryPeriod = time.Duration(replayCheckpointSeconds) * time.Second
	}
	if replayBatchSize > 0 {
		cfg.Ingest.BatchSize = replayBatchSize
	}
	if replayWorkers > 0 {
		cfg.Supervisor.PoolSize = replayWorkers
	}
}

func ingestConfigFrom(cfg *config.Config) ingest.Config {
	return ingest.Config{
		BatchSize:       cfg.Ingest.BatchSize,
		RetryMaxAttempt: cfg.Ingest.RetryMaxAttempt,
		RateLimitPerSec: cfg.Ingest.RateLimitPerSec,
	}
}

func bookConfigFrom(cfg *config.Config) book.Config {
	bcfg := book.DefaultConfig()
	if cfg.Book.PendingQueueCapacity > 0 {
		bcfg.PendingQueueCapacity = cfg.Book.PendingQueueCapacity
	}
	if cfg.Book.DriftThreshold > 0 {
		bcfg.DriftThreshold = cfg.Book.DriftThreshold
	}
	bcfg.ConsumeOverflowOnTrade = cfg.Book.ConsumeOverflowOnTrade
	if cfg.Book.OverflowStoreCapacity > 0 {
		bcfg.OverflowStoreCapacity = cfg.Book.OverflowStoreCapacity
	}
	return bcfg
}

func supervisorConfigFrom(cfg *config.Config) supervisor.Config {
	sc := supervisor.DefaultConfig(replaySymbol)
	if cfg.Supervisor.WorkerQueueCapacity > 0 {
		sc.WorkerQueueCapacity = cfg.Supervisor.WorkerQueueCapacity
	}
	if cfg.Supervisor.ShutdownDeadline > 0 {
		sc.ShutdownDeadline = cfg.Supervisor.ShutdownDeadline
	}
	if cfg.Supervisor.PoolSize > 0 {
		sc.PoolSize = cfg.Supervisor.PoolSize
	}
	sc.Replay.CheckpointEveryEvents = cfg.Checkpoint.EveryEvents
	sc.Replay.CheckpointEveryPeriod = cfg.Checkpoint.EveryPeriod
	sc.Replay.Book = bookConfigFrom(cfg)
	return sc
}

// printSummary prints the end-of-run report: replay position, gap count
// and total gap size, duplicate deltas, high-drift warning count, hidden
// liquidity consumed, then partitions written with total and
// per-partition rows. Worker restarts are not reported.
func printSummary(cmd *cobra.Command, sup *supervisor.Supervisor, symbol, outRoot string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n--- summary: %s ---\n", symbol)

	if r, ok := sup.Replayer(symbol); ok {
		counters := r.Counters()
		fmt.Fprintf(out, "replay position: %s events\n", humanize.Comma(int64(r.ReplayPosition())))
		fmt.Fprintf(out, "gaps detected:    %d (total size %d)\n", counters.GapCount, counters.GapSizeSum)
		fmt.Fprintf(out, "duplicate deltas: %d\n", counters.DuplicateDeltaCount)
		fmt.Fprintf(out, "high-drift warnings: %d\n", counters.HighDriftWarningCount)
		fmt.Fprintf(out, "hidden liquidity consumed: %s\n", counters.HiddenLiquidityConsumed.String())
	}

	entries, err := sink.ListManifestEntries(outRoot, symbol)
	if err != nil {
		fmt.Fprintf(out, "partitions: <unavailable: %v>\n", err)
		return
	}
	var totalRows int64
	for _, e := range entries {
		totalRows += e.RowCount
	}
	fmt.Fprintf(out, "partitions written: %s (%s rows)\n", humanize.Comma(int64(len(entries))), humanize.Comma(totalRows))
	for _, e := range entries {
		fmt.Fprintf(out, "  %s  rows=%-8s span=[%d, %d]\n", e.PartitionID, humanize.Comma(e.RowCount), e.MinTimestamp, e.MaxTimestamp)
	}
}
