// Package supervisor composes the per-symbol pipeline — Ingestion
// Readers, Unifier, Engine, WAL, Sink, Checkpoint Manager — into one
// long-lived worker (spec §4.7) and owns the fleet of those workers: it
// routes input to the correct worker through a bounded channel, isolates
// a crashed worker from the rest of the fleet, restarts it from its own
// checkpoint, and drains the whole fleet on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/book"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/checkpoint"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/replay"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/sink"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/telemetry"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/unify"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/wal"
)

// Config controls the fleet-wide behavior described in spec §4.7/§5.
type Config struct {
	// WorkerQueueCapacity bounds the routing channel in front of every
	// worker's Unifier sources. A full channel applies backpressure to
	// whatever is pumping into it; it is never drained by dropping.
	WorkerQueueCapacity int
	// ShutdownDeadline is how long Shutdown waits for a worker to finish
	// draining (flush, fsync, checkpoint) before force-closing it.
	ShutdownDeadline time.Duration
	// PoolSize bounds how many workers may run concurrently.
	PoolSize int
	// AutoRestart, when true, respawns a worker that exits with an error
	// (crash or unrecoverable I/O) from its last checkpoint.
	AutoRestart bool
	// MaxRestarts caps the restart attempts per symbol over the worker's
	// lifetime (the count is never reset) before the Supervisor gives up
	// and leaves the worker stopped. 0 means never
	// restart beyond the initial spawn.
	MaxRestarts int
	// RestartBackoff is the delay before each restart attempt.
	RestartBackoff time.Duration

	Replay replay.Config
}

// DefaultConfig matches spec §4.7/§5: a 1000-record routing channel per
// worker and a 30s grace period before a stuck worker is force-closed.
func DefaultConfig(symbol string) Config {
	return Config{
		WorkerQueueCapacity: 1000,
		ShutdownDeadline:    30 * time.Second,
		PoolSize:            64,
		AutoRestart:         true,
		MaxRestarts:         5,
		RestartBackoff:      time.Second,
		Replay:              replay.DefaultConfig(symbol),
	}
}

// WorkerSpec describes the inputs one symbol's worker is built from: one
// unify.Source per input partition (normally one per event kind), plus
// where its WAL segment lives. OutRoot and the checkpoint directory are
// shared fleet-wide, owned by the Supervisor.
type WorkerSpec struct {
	Symbol         string
	Sources        []unify.Source
	WALSegmentPath string
	Book           book.Config
}

// boundedSource pumps an upstream unify.Source into a fixed-capacity
// channel, implementing spec §4.7's routing contract: the pump blocks on
// a full channel rather than dropping, which in turn stops it from
// calling the upstream Source's Next again until a consumer catches up —
// backpressure propagates to the Ingestion Reader feeding it.
type boundedSource struct {
	ch  chan model.RawEvent
	err chan error
}

func newBoundedSource(ctx context.Context, upstream unify.Source, capacity int, logger *zap.Logger, label string) *boundedSource {
	bs := &boundedSource{
		ch:  make(chan model.RawEvent, capacity),
		err: make(chan error, 1),
	}
	go bs.pump(ctx, upstream, logger, label)
	return bs
}

func (b *boundedSource) pump(ctx context.Context, upstream unify.Source, logger *zap.Logger, label string) {
	defer close(b.ch)
	for {
		ev, ok, err := upstream.Next(ctx)
		if err != nil {
			logger.Warn("ingestion source failed, stopping routing pump", zap.String("source", label), zap.Error(err))
			b.err <- err
			return
		}
		if !ok {
			return
		}
		select {
		case b.ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (b *boundedSource) Next(ctx context.Context) (model.RawEvent, bool, error) {
	select {
	case ev, ok := <-b.ch:
		if !ok {
			select {
			case err := <-b.err:
				return model.RawEvent{}, false, err
			default:
				return model.RawEvent{}, false, nil
			}
		}
		return ev, true, nil
	case err := <-b.err:
		return model.RawEvent{}, false, err
	case <-ctx.Done():
		return model.RawEvent{}, false, ctx.Err()
	}
}

// worker is one running (or stopped) per-symbol pipeline.
type worker struct {
	symbol   string
	spec     WorkerSpec
	replayer *replay.Replayer
	wal      *wal.Writer
	sink     *sink.Writer

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	restarts int
	healthy  atomic.Bool
	lastErr  error
}

// Supervisor owns the fleet of per-symbol workers described by spec
// §4.7: one worker per symbol, crash-isolated from the rest, restartable
// from its own checkpoint, and drained in two phases at shutdown —
// cooperative, then forced after ShutdownDeadline. Its lifecycle fields
// mirror internal/matching's UnifiedMatchingEngine: a root context, its
// cancel, and a WaitGroup every worker goroutine registers with.
type Supervisor struct {
	cfg         Config
	outRoot     string
	checkpoints *checkpoint.Manager
	metrics     *telemetry.Metrics
	logger      *zap.Logger

	pool *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker
}

// New builds a Supervisor. outRoot is the shared Sink output root; every
// worker's Sink partitions live under outRoot/<symbol>/...
func New(cfg Config, outRoot string, checkpoints *checkpoint.Manager, metrics *telemetry.Metrics, logger *zap.Logger) (*Supervisor, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 64
	}
	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("build worker pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:         cfg,
		outRoot:     outRoot,
		checkpoints: checkpoints,
		metrics:     metrics,
		logger:      logger,
		pool:        pool,
		ctx:         ctx,
		cancel:      cancel,
		workers:     make(map[string]*worker),
	}, nil
}

// Spawn builds the symbol's WAL writer, Sink writer, and Replayer, runs
// recovery, and submits the worker's run loop to the pool. It blocks
// until a pool slot is free — the pool itself bounds fleet-wide
// concurrency to cfg.PoolSize.
func (s *Supervisor) Spawn(spec WorkerSpec) error {
	s.mu.Lock()
	if _, exists := s.workers[spec.Symbol]; exists {
		s.mu.Unlock()
		return fmt.Errorf("worker for symbol %q already running", spec.Symbol)
	}
	s.mu.Unlock()

	walWriter, err := wal.NewWriter(spec.WALSegmentPath, wal.Header{Symbol: spec.Symbol}, 500, time.Second, s.logger)
	if err != nil {
		return fmt.Errorf("symbol %s: build wal writer: %w", spec.Symbol, err)
	}
	sinkWriter, err := sink.NewWriter(s.outRoot, spec.Symbol, 4, s.logger)
	if err != nil {
		return fmt.Errorf("symbol %s: build sink writer: %w", spec.Symbol, err)
	}

	w := &worker{symbol: spec.Symbol, spec: spec, wal: walWriter, sink: sinkWriter, done: make(chan struct{})}
	return s.start(w)
}

// start wires a fresh Unifier over bounded per-source channels, builds
// the Replayer, recovers it, and submits its run loop to the pool. It is
// shared by Spawn (first start) and restart (after a crash).
func (s *Supervisor) start(w *worker) error {
	ctx, cancel := context.WithCancel(s.ctx)
	w.ctx = ctx
	w.cancel = cancel
	w.done = make(chan struct{})

	bounded := make([]unify.Source, len(w.spec.Sources))
	for i, src := range w.spec.Sources {
		bounded[i] = newBoundedSource(ctx, src, s.cfg.WorkerQueueCapacity, s.logger, w.symbol)
	}
	u := unify.New(bounded, unify.DropWithLog, s.logger)

	rcfg := s.cfg.Replay
	rcfg.Symbol = w.symbol
	rcfg.WALSegmentPath = w.spec.WALSegmentPath
	rcfg.OutRoot = s.outRoot
	rcfg.Book = w.spec.Book

	w.replayer = replay.New(rcfg, u, w.wal, w.sink, s.checkpoints, s.metrics, s.logger)

	recoverStart := time.Now()
	resume, err := w.replayer.Recover(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("symbol %s: recover: %w", w.symbol, err)
	}
	if s.metrics != nil {
		s.metrics.RecoverySeconds.WithLabelValues(w.symbol).Observe(time.Since(recoverStart).Seconds())
		s.metrics.WorkerHealthy.WithLabelValues(w.symbol).Set(1)
	}
	w.healthy.Store(true)

	s.mu.Lock()
	s.workers[w.symbol] = w
	s.mu.Unlock()

	s.wg.Add(1)
	if err := s.pool.Submit(func() { s.runWorker(w, resume) }); err != nil {
		s.wg.Done()
		cancel()
		return fmt.Errorf("symbol %s: submit to pool: %w", w.symbol, err)
	}
	return nil
}

// runWorker executes the worker's run loop, recovering from a panic so
// one symbol's failure never takes down the fleet, then decides whether
// to restart it from its own checkpoint per spec §4.7's crash isolation.
func (s *Supervisor) runWorker(w *worker, resume uint64) {
	defer s.wg.Done()
	defer close(w.done)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		return w.replayer.Run(w.ctx, resume)
	}()

	w.healthy.Store(false)
	if s.metrics != nil {
		s.metrics.WorkerHealthy.WithLabelValues(w.symbol).Set(0)
	}

	if err == nil {
		s.logger.Info("worker stopped cleanly", zap.String("symbol", w.symbol))
		return
	}

	w.lastErr = err
	s.logger.Error("worker stopped with error", zap.String("symbol", w.symbol), zap.Error(err))

	if !s.cfg.AutoRestart || w.restarts >= s.cfg.MaxRestarts {
		return
	}
	select {
	case <-s.ctx.Done():
		return
	case <-time.After(s.cfg.RestartBackoff):
	}
	w.restarts++
	s.logger.Warn("restarting worker from checkpoint", zap.String("symbol", w.symbol), zap.Int("attempt", w.restarts))
	if serr := s.start(w); serr != nil {
		s.logger.Error("worker restart failed", zap.String("symbol", w.symbol), zap.Error(serr))
	}
}

// Replayer returns the running Replayer for symbol, for reporting tools
// that need end-of-run counters once a worker has stopped.
func (s *Supervisor) Replayer(symbol string) (*replay.Replayer, bool) {
	s.mu.Lock()
	w, ok := s.workers[symbol]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return w.replayer, true
}

// Symbols lists every symbol this Supervisor has spawned a worker for.
func (s *Supervisor) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.workers))
	for sym := range s.workers {
		out = append(out, sym)
	}
	return out
}

// Healthy reports whether symbol's worker is currently running.
func (s *Supervisor) Healthy(symbol string) bool {
	s.mu.Lock()
	w, ok := s.workers[symbol]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return w.healthy.Load()
}

// Shutdown drains every worker: cancelling each worker's context makes
// its run loop observe ctx.Done(), call Replayer.Drain (flush, fsync,
// final checkpoint) and return. Shutdown waits up to
// cfg.ShutdownDeadline for all workers to finish; any still running past
// the deadline are force-drained synchronously from here so every
// symbol still ends on a consistent checkpoint and flushed WAL.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}

	deadline := time.NewTimer(s.cfg.ShutdownDeadline)
	defer deadline.Stop()

	remaining := make(map[string]*worker, len(workers))
	for _, w := range workers {
		remaining[w.symbol] = w
	}

	waitAll := make(chan struct{})
	go func() {
		for _, w := range workers {
			<-w.done
		}
		close(waitAll)
	}()

	select {
	case <-waitAll:
	case <-deadline.C:
		s.logger.Warn("shutdown deadline exceeded, force-draining remaining workers")
		for _, w := range remaining {
			select {
			case <-w.done:
			default:
				if ferr := w.replayer.Drain(); ferr != nil {
					s.logger.Error("force-drain failed", zap.String("symbol", w.symbol), zap.Error(ferr))
				}
			}
		}
	}

	s.cancel()
	s.pool.Release()
	s.wg.Wait()
	s.checkpoints.Wait()
	return nil
}
