// Package replay implements the Event Replayer (spec §4.4): it drives
// the unified stream through the Order-Book Engine, appends every
// enriched event to the WAL, forwards it to the Sink, and periodically
// triggers an asynchronous checkpoint. It also implements the crash
// recovery procedure (spec §4.6) a Supervisor-restarted worker runs
// before resuming normal processing.
package replay

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/book"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/checkpoint"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/sink"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/telemetry"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/unify"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/wal"
)

// Config tunes one Replayer's batching and checkpoint cadence (spec
// §4.4's "Key policies").
type Config struct {
	Symbol string

	// OutRoot is the Sink's output root, needed at recovery to locate
	// the manifest and orphaned temp files independent of the live
	// sink.Writer.
	OutRoot string

	// WALSegmentPath is the path of the WAL segment this Replayer's
	// wal.Writer is appending to, stamped onto every checkpoint it
	// takes so a future recovery knows which segment to scan.
	WALSegmentPath string

	// BatchSize is the micro-batch width: WAL fsyncs are coalesced to
	// this many emitted enriched events (spec default 1 000).
	BatchSize int

	// CheckpointEveryEvents and CheckpointEveryPeriod are the two
	// independent checkpoint triggers; whichever fires first wins
	// (spec defaults 1 000 000 events / 60 seconds).
	CheckpointEveryEvents int
	CheckpointEveryPeriod time.Duration

	Book book.Config
}

// DefaultConfig returns the spec's stated defaults for symbol.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:                symbol,
		BatchSize:             1000,
		CheckpointEveryEvents: 1_000_000,
		CheckpointEveryPeriod: 60 * time.Second,
		Book:                  book.DefaultConfig(),
	}
}

// Replayer owns one symbol's full pipeline from unified stream to
// durable WAL/Sink/checkpoint output. It is not safe for concurrent
// use — per spec §5, the Order-Book Engine (and therefore everything
// downstream of it) is strictly single-threaded within a worker.
type Replayer struct {
	cfg    Config
	logger *zap.Logger

	unifier     *unify.Unifier
	engine      *book.Engine
	wal         *wal.Writer
	sink        *sink.Writer
	checkpoints *checkpoint.Manager
	metrics     *telemetry.Metrics

	replayPos             uint64
	eventsSinceFlush       int
	eventsSinceCheckpoint  int
	lastCheckpointAt       time.Time
	lastCounters           book.Counters
}

// New builds a Replayer. The caller owns constructing and eventually
// closing walWriter and sinkWriter (they may be shared lifecycle-wise
// with recovery tooling run before the Replayer starts); checkpoints is
// typically one Manager shared across every symbol's Replayer, since
// its retention/concurrency bounds are process-wide.
func New(cfg Config, unifier *unify.Unifier, walWriter *wal.Writer, sinkWriter *sink.Writer, checkpoints *checkpoint.Manager, metrics *telemetry.Metrics, logger *zap.Logger) *Replayer {
	return &Replayer{
		cfg:         cfg,
		logger:      logger,
		unifier:     unifier,
		engine:      book.New(cfg.Symbol, cfg.Book, logger),
		wal:         walWriter,
		sink:        sinkWriter,
		checkpoints: checkpoints,
		metrics:     metrics,
		lastCheckpointAt: time.Now(),
	}
}

// Counters exposes the underlying book.Engine's running counters, for
// the end-of-run summary report (spec §7 "gap stats, duplicate counts").
func (r *Replayer) Counters() book.Counters {
	return r.engine.Counters()
}

// ReplayPosition reports how many events this Replayer has emitted so
// far, for the summary report's row counts.
func (r *Replayer) ReplayPosition() uint64 {
	return atomic.LoadUint64(&r.replayPos)
}

// Recover implements spec §4.6's "Recovery (on worker start)": restore
// the engine from the latest checkpoint (if any), clear orphaned Sink
// temp files, and re-emit to the Sink any WAL records that were
// computed but never reached a durably manifested partition before the
// prior crash. It returns the replay position processing should resume
// from — the caller must skip that many unified events off the front
// of the stream before resuming normal Apply/WAL/Sink processing, since
// those events were already applied to the engine and accounted for in
// the restored state.
func (r *Replayer) Recover(ctx context.Context) (uint64, error) {
	cp, ok, err := r.checkpoints.Latest(r.cfg.Symbol)
	if err != nil {
		return 0, err
	}

	if removed, rerr := sink.RemoveOrphanTempFiles(r.cfg.OutRoot, r.cfg.Symbol); rerr != nil {
		return 0, rerr
	} else if removed > 0 {
		r.logger.Info("removed orphan sink temp files",
			zap.String("symbol", r.cfg.Symbol), zap.Int("count", removed))
	}

	if !ok {
		return 0, nil
	}

	r.engine.RestoreState(cp.Engine)
	r.lastCounters = cp.Engine.Counters
	resumeFrom := cp.ReplayPosition

	var sinkBoundary int64
	if cp.SinkHighWaterMark != "" {
		entry, found, merr := sink.ManifestEntryByID(r.cfg.OutRoot, r.cfg.Symbol, cp.SinkHighWaterMark)
		if merr != nil {
			return 0, merr
		}
		if found {
			sinkBoundary = entry.MaxTimestamp
		}
	}

	if cp.WALSegmentPath != "" {
		advanced, rerr := r.replayWalIntoSink(cp.WALSegmentPath, resumeFrom, sinkBoundary)
		if rerr != nil {
			return 0, rerr
		}
		if advanced > resumeFrom {
			resumeFrom = advanced
		}
	}

	atomic.StoreUint64(&r.replayPos, resumeFrom)
	r.eventsSinceCheckpoint = 0
	r.eventsSinceFlush = 0
	return resumeFrom, nil
}

// replayWalIntoSink scans segmentPath from the beginning (WAL segments
// are per-worker-lifetime, so "from checkpoint's high-water mark
// forward" reduces to "records at or beyond the checkpoint's replay
// position") and re-emits to the Sink only — never to the Engine or
// the WAL itself — every record whose timestamp is beyond sinkBoundary,
// per spec §4.6 step 4. It returns one past the highest replay position
// found in the segment, so the caller can skip re-applying those events
// once normal processing resumes from the Unifier.
func (r *Replayer) replayWalIntoSink(segmentPath string, resumeFrom uint64, sinkBoundary int64) (uint64, error) {
	reader, _, err := wal.OpenReader(segmentPath)
	if err != nil {
		return resumeFrom, err
	}
	defer reader.Close()

	highest := resumeFrom
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return resumeFrom, err
		}
		if ev.ReplayPos+1 > highest {
			highest = ev.ReplayPos + 1
		}
		if ev.ReplayPos < resumeFrom {
			continue
		}
		if ev.Unified.EventTimestamp <= sinkBoundary {
			continue
		}
		if err := r.sink.Write(ev); err != nil {
			return resumeFrom, err
		}
	}
	return highest, nil
}

// Run drives unified events through the engine until the unifier is
// exhausted or ctx is cancelled, taking a final checkpoint and flushing
// the Sink/WAL before returning. skip events at the head of the unified
// stream are consumed without being reprocessed (the value Recover
// returned), since they were already durably applied before a prior
// crash.
func (r *Replayer) Run(ctx context.Context, skip uint64) error {
	for {
		select {
		case <-ctx.Done():
			return r.Drain()
		default:
		}

		ev, ok, err := r.unifier.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.Drain()
			}
			return err
		}
		if !ok {
			return r.Drain()
		}

		if skip > 0 {
			skip--
			continue
		}

		enriched, err := r.engine.Apply(ev)
		if err != nil {
			return err
		}

		for i := range enriched {
			if err := r.emit(&enriched[i]); err != nil {
				return err
			}
		}

		r.recordCounters()

		if r.eventsSinceFlush >= r.cfg.BatchSize {
			if err := r.wal.Flush(); err != nil {
				return err
			}
			r.eventsSinceFlush = 0
		}

		if r.shouldCheckpoint() {
			if err := r.checkpointNow(); err != nil {
				return err
			}
		}
	}
}

// emit stamps the replayer-owned replay position onto ev, appends it to
// the WAL, and forwards it to the Sink — the exact two-writer ordering
// spec §5 requires ("the order appended to WAL equals the order handed
// to the Sink").
func (r *Replayer) emit(ev *model.EnrichedEvent) error {
	ev.ReplayPos = atomic.AddUint64(&r.replayPos, 1) - 1

	if err := r.wal.Append(*ev); err != nil {
		return err
	}
	if err := r.sink.Write(*ev); err != nil {
		return err
	}

	r.eventsSinceFlush++
	r.eventsSinceCheckpoint++

	if r.metrics != nil {
		r.metrics.EventsProcessed.WithLabelValues(r.cfg.Symbol, ev.Unified.EventType.String()).Inc()
		if ev.Post.Drift != nil {
			r.metrics.SnapshotDriftRMS.WithLabelValues(r.cfg.Symbol).Set(*ev.Post.Drift)
		}
	}
	return nil
}

// recordCounters diffs the engine's cumulative non-fatal condition
// counters against the last-seen values and adds the delta onto
// telemetry (spec §4.4's "cumulative stats are kept").
func (r *Replayer) recordCounters() {
	if r.metrics == nil {
		return
	}
	cur := r.engine.Counters()
	symbol := r.cfg.Symbol

	if d := cur.GapCount - r.lastCounters.GapCount; d > 0 {
		r.metrics.DeltaGaps.WithLabelValues(symbol).Add(float64(d))
	}
	if d := cur.DuplicateDeltaCount - r.lastCounters.DuplicateDeltaCount; d > 0 {
		r.metrics.DuplicateDeltas.WithLabelValues(symbol).Add(float64(d))
	}
	if cur.HiddenLiquidityConsumed.Cmp(r.lastCounters.HiddenLiquidityConsumed) > 0 {
		delta := cur.HiddenLiquidityConsumed.Sub(r.lastCounters.HiddenLiquidityConsumed)
		r.metrics.HiddenLiquidity.WithLabelValues(symbol).Add(delta.Float64())
	}
	r.lastCounters = cur
}

func (r *Replayer) shouldCheckpoint() bool {
	if r.cfg.CheckpointEveryEvents > 0 && r.eventsSinceCheckpoint >= r.cfg.CheckpointEveryEvents {
		return true
	}
	if r.cfg.CheckpointEveryPeriod > 0 && time.Since(r.lastCheckpointAt) >= r.cfg.CheckpointEveryPeriod {
		return true
	}
	return false
}

// checkpointNow implements the durability ordering of spec §4.6: the
// WAL is flushed (fsynced) before the copy-on-write engine snapshot is
// handed to the Checkpoint service, so a checkpoint never claims a WAL
// high-water mark that isn't actually durable yet.
func (r *Replayer) checkpointNow() error {
	start := time.Now()
	if err := r.wal.Flush(); err != nil {
		return err
	}
	hwm := r.wal.Size()
	r.sink.SetWALHighWaterMark(hwm)

	cp := checkpoint.Checkpoint{
		Symbol:            r.cfg.Symbol,
		Engine:            r.engine.ExportState(),
		ReplayPosition:    atomic.LoadUint64(&r.replayPos),
		WALSegmentPath:    r.cfg.WALSegmentPath,
		WALHighWaterMark:  hwm,
		SinkHighWaterMark: r.sink.LastManifestedPartitionID(),
	}
	r.checkpoints.SaveAsync(cp)

	if r.metrics != nil {
		r.metrics.CheckpointSeconds.WithLabelValues(r.cfg.Symbol).Observe(time.Since(start).Seconds())
	}

	r.eventsSinceCheckpoint = 0
	r.lastCheckpointAt = time.Now()
	return nil
}

// Drain transitions the engine to Draining, flushes the Sink and WAL,
// and takes a final checkpoint — the sequence spec §5's "Cancellation /
// timeouts" requires before a worker exits cleanly.
func (r *Replayer) Drain() error {
	r.engine.Drain()

	if err := r.sink.Flush(); err != nil {
		return err
	}
	if err := r.wal.Flush(); err != nil {
		return err
	}
	if err := r.checkpointNow(); err != nil {
		return err
	}
	r.checkpoints.Wait()

	r.engine.Close()
	return nil
}
