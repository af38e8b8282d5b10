// Package telemetry wires the reconstruction engine's observability
// surface (spec §6) onto a dedicated prometheus registry: one counter or
// histogram per signal a supervisor needs to tell a healthy worker from
// a degraded one.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics bundles every collector the replayer, book engine, WAL, sink,
// and supervisor emit against. One Metrics is shared by every per-symbol
// worker; every collector is labeled by symbol.
type Metrics struct {
	Registry *prometheus.Registry

	EventsProcessed   *prometheus.CounterVec
	BytesWritten      *prometheus.CounterVec
	WALAppendLag      *prometheus.HistogramVec
	FsyncLatency      *prometheus.HistogramVec
	DeltaGaps         *prometheus.CounterVec
	DuplicateDeltas   *prometheus.CounterVec
	SnapshotDriftRMS  *prometheus.GaugeVec
	PendingQueueDepth *prometheus.GaugeVec
	CheckpointSeconds *prometheus.HistogramVec
	RecoverySeconds   *prometheus.HistogramVec
	WorkerHealthy     *prometheus.GaugeVec
	HiddenLiquidity   *prometheus.CounterVec
}

// New builds and registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlx", Subsystem: "replay", Name: "events_processed_total",
			Help: "Events consumed by the unifier per symbol.",
		}, []string{"symbol", "kind"}),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlx", Subsystem: "sink", Name: "bytes_written_total",
			Help: "Bytes flushed to partition files per symbol.",
		}, []string{"symbol"}),
		WALAppendLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlx", Subsystem: "wal", Name: "append_lag_seconds",
			Help:    "Time between event arrival and durable WAL append.",
			Buckets: prometheus.DefBuckets,
		}, []string{"symbol"}),
		FsyncLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlx", Subsystem: "wal", Name: "fsync_latency_seconds",
			Help:    "fsync() latency for WAL segment flushes.",
			Buckets: prometheus.DefBuckets,
		}, []string{"symbol"}),
		DeltaGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlx", Subsystem: "book", Name: "delta_gaps_total",
			Help: "Sequence gaps detected in BOOK_DELTA update_id.",
		}, []string{"symbol"}),
		DuplicateDeltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlx", Subsystem: "book", Name: "duplicate_deltas_total",
			Help: "BOOK_DELTA events discarded as duplicates.",
		}, []string{"symbol"}),
		SnapshotDriftRMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rlx", Subsystem: "book", Name: "snapshot_drift_rms",
			Help: "RMS drift between reconstructed book and last authoritative snapshot.",
		}, []string{"symbol"}),
		PendingQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rlx", Subsystem: "book", Name: "pending_queue_depth",
			Help: "Events buffered while awaiting the first snapshot.",
		}, []string{"symbol"}),
		CheckpointSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlx", Subsystem: "checkpoint", Name: "duration_seconds",
			Help:    "Time to serialize and fsync a checkpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"symbol"}),
		RecoverySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlx", Subsystem: "recovery", Name: "duration_seconds",
			Help:    "Time to restore a worker from checkpoint + WAL replay.",
			Buckets: prometheus.DefBuckets,
		}, []string{"symbol"}),
		WorkerHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rlx", Subsystem: "supervisor", Name: "worker_healthy",
			Help: "1 if the per-symbol worker is running, 0 otherwise.",
		}, []string{"symbol"}),
		HiddenLiquidity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlx", Subsystem: "book", Name: "hidden_liquidity_consumed_total",
			Help: "Trade quantity left unmatched after consuming the displayed book levels.",
		}, []string{"symbol"}),
	}

	reg.MustRegister(
		m.EventsProcessed, m.BytesWritten, m.WALAppendLag, m.FsyncLatency,
		m.DeltaGaps, m.DuplicateDeltas, m.SnapshotDriftRMS, m.PendingQueueDepth,
		m.CheckpointSeconds, m.RecoverySeconds, m.WorkerHealthy, m.HiddenLiquidity,
	)
	return m
}

// Serve starts a /metrics HTTP endpoint and blocks until ctx is cancelled,
// at which point it shuts the server down gracefully.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("stopping metrics server")
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
