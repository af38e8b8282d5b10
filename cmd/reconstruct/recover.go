package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/checkpoint"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/errorsx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/replay"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/sink"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/telemetry"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/unify"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/wal"
)

var (
	recoverSymbol string
	recoverOut    string
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Force recovery of a symbol's on-disk state without new input",
	Long: `recover replays a symbol's last checkpoint against its WAL tail and
finalizes any sink partition left open by an unclean shutdown, without
requiring a fresh ingestion source. Use it to bring a crashed worker's
output back to a consistent state before inspecting or re-running it.`,
	RunE: runRecover,
}

func init() {
	recoverCmd.Flags().StringVar(&recoverSymbol, "symbol", "", "symbol to recover (required)")
	recoverCmd.Flags().StringVar(&recoverOut, "out", "", "output root holding the symbol's WAL, checkpoints, and partitions (required)")
	recoverCmd.MarkFlagRequired("symbol")
	recoverCmd.MarkFlagRequired("out")
}

func runRecover(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(flagLogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadRuntimeConfig(logger)
	if err != nil {
		return err
	}

	checkpointDir := filepath.Join(recoverOut, "checkpoints")
	checkpoints := checkpoint.NewManager(checkpointDir, cfg.Checkpoint.Retain, 4, logger)
	metrics := telemetry.New()

	cp, found, err := checkpoints.Latest(recoverSymbol)
	if err != nil {
		return err
	}

	crashedSegment := cp.WALSegmentPath
	if !found || crashedSegment == "" {
		return errorsx.Newf(errorsx.ConfigError, "no checkpoint found for symbol %q under %s; nothing to recover", recoverSymbol, recoverOut)
	}
	if _, statErr := os.Stat(crashedSegment); statErr != nil {
		return errorsx.Newf(errorsx.ConfigError, "checkpoint for %q names WAL segment %s, which does not exist", recoverSymbol, crashedSegment)
	}

	// Recover reads the crashed segment only through wal.OpenReader
	// (Replayer.Recover never touches r.wal), so the Replayer is handed a
	// fresh, empty WAL segment to write checkpoints against rather than
	// reopening (and truncating) the one it is recovering from. A future
	// `replay` invocation resumes appending into this new segment.
	freshSegment := wal.SegmentPath(recoverOut, recoverSymbol, time.Now().UnixNano())
	walWriter, err := wal.NewWriter(freshSegment, wal.Header{Symbol: recoverSymbol}, 500, time.Second, logger)
	if err != nil {
		return err
	}
	sinkWriter, err := sink.NewWriter(recoverOut, recoverSymbol, 4, logger)
	if err != nil {
		return err
	}

	rcfg := replay.DefaultConfig(recoverSymbol)
	rcfg.OutRoot = recoverOut
	rcfg.WALSegmentPath = freshSegment
	rcfg.Book = bookConfigFrom(cfg)

	// recover never ingests new data: an empty Unifier resolves every
	// Next call to EOF, so Recover's WAL-tail replay (against the crashed
	// segment named by the checkpoint) is the only source of events.
	u := unify.New(nil, unify.DropWithLog, logger)
	r := replay.New(rcfg, u, walWriter, sinkWriter, checkpoints, metrics, logger)

	resumeFrom, recErr := r.Recover(context.Background())
	if recErr != nil {
		return recErr
	}
	if drainErr := r.Drain(); drainErr != nil {
		return drainErr
	}
	checkpoints.Wait()

	fmt.Fprintf(cmd.OutOrStdout(), "recovered %s: resumed from position %d, rotated wal %s -> %s\n",
		recoverSymbol, resumeFrom, crashedSegment, freshSegment)
	return nil
}
