// Package checkpoint implements the Checkpoint service (spec §4.6): a
// copy-on-write snapshot of one symbol's book state plus its replay
// position, serialized asynchronously so the Replayer is never
// blocked on disk I/O, with retention pruning and a format-version
// tag for forward compatibility.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/book"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/errorsx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/resilience"
)

// FormatVersion is the on-disk checkpoint schema version. A checkpoint
// whose major version differs from this binary's is rejected rather
// than partially decoded — the schema has no migration path yet.
const FormatVersion = "1.0.0"

// Checkpoint is the full on-disk record (spec §4.6 "Checkpoint
// format"): book state, positions, and the durability watermarks
// recovery needs to avoid re-emitting already-manifested output.
type Checkpoint struct {
	FormatVersion       string          `json:"format_version"`
	ID                  string          `json:"id"`
	Symbol              string          `json:"symbol"`
	CreatedAt            time.Time      `json:"created_at"`
	Engine              book.EngineState `json:"engine"`
	ReplayPosition       uint64         `json:"replay_position"`
	WALSegmentPath       string         `json:"wal_segment_path"`
	WALHighWaterMark     int64          `json:"wal_high_water_mark"` // uncompressed bytes written to WALSegmentPath (wal.Writer.Size)
	SinkHighWaterMark    string         `json:"sink_high_water_mark"` // last fully manifested partition id
}

// Manager owns one symbol-keyed directory of checkpoints per root dir,
// matching the teacher's SnapshotManager shape (semaphore-bounded
// concurrent writes, count-based retention) generalized from
// per-aggregate event-sourcing snapshots to per-symbol book
// checkpoints.
type Manager struct {
	dir    string
	retain int
	logger *zap.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	created atomic.Int64
	pruned  atomic.Int64
}

// NewManager builds a Manager rooted at dir (typically
// <out_root>/checkpoints), retaining at most retain checkpoints per
// symbol and allowing at most maxConcurrent simultaneous async writes.
func NewManager(dir string, retain int, maxConcurrent int, logger *zap.Logger) *Manager {
	if retain <= 0 {
		retain = 3
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Manager{
		dir:    dir,
		retain: retain,
		logger: logger,
		sem:    make(chan struct{}, maxConcurrent),
	}
}

func (m *Manager) symbolDir(symbol string) string {
	return filepath.Join(m.dir, symbol)
}

func (m *Manager) path(symbol, id string) string {
	return filepath.Join(m.symbolDir(symbol), fmt.Sprintf("%020d-%s.chk.json", time.Now().UnixNano(), id))
}

// SaveAsync takes ownership of cp (the caller must not mutate it
// further) and serializes it to disk in a background goroutine,
// fsyncing through resilience.RetryWithBackoff and pruning old
// checkpoints once the write is durable. It never blocks the caller
// beyond acquiring a slot in the concurrency semaphore.
func (m *Manager) SaveAsync(cp Checkpoint) {
	cp.FormatVersion = FormatVersion
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	m.sem <- struct{}{}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.sem }()

		if err := m.save(cp); err != nil {
			m.logger.Error("checkpoint write failed",
				zap.String("symbol", cp.Symbol), zap.String("id", cp.ID), zap.Error(err))
			return
		}
		m.created.Add(1)

		if err := m.prune(cp.Symbol); err != nil {
			m.logger.Warn("checkpoint retention prune failed",
				zap.String("symbol", cp.Symbol), zap.Error(err))
		}
	}()
}

func (m *Manager) save(cp Checkpoint) error {
	dir := m.symbolDir(cp.Symbol)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "create checkpoint directory").WithDetail("dir", dir)
	}

	body, err := json.Marshal(cp)
	if err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "encode checkpoint")
	}
	checksum := crc32.ChecksumIEEE(body)

	envelope := struct {
		Checksum uint32          `json:"checksum"`
		Body     json.RawMessage `json:"body"`
	}{Checksum: checksum, Body: body}
	out, err := json.Marshal(envelope)
	if err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "encode checkpoint envelope")
	}

	path := m.path(cp.Symbol, cp.ID)
	tmp := path + ".tmp"

	return resilience.RetryWithBackoff(context.Background(), resilience.DefaultRetryConfig(), m.logger, func() error {
		f, err := os.Create(tmp)
		if err != nil {
			return errorsx.Wrap(err, errorsx.IoError, "create checkpoint temp file")
		}
		if _, err := f.Write(out); err != nil {
			f.Close()
			os.Remove(tmp)
			return errorsx.Wrap(err, errorsx.IoError, "write checkpoint")
		}
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return errorsx.Wrap(err, errorsx.IoError, "fsync checkpoint")
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return errorsx.Wrap(err, errorsx.IoError, "close checkpoint")
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return errorsx.Wrap(err, errorsx.IoError, "rename checkpoint into place")
		}
		return nil
	})
}

// Wait blocks until every in-flight SaveAsync call has completed —
// used before worker shutdown to guarantee the final checkpoint (spec
// §4.4's "final checkpoint" on Drain) is durable before exit.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Latest loads the most recent durable checkpoint for symbol, or
// (Checkpoint{}, false, nil) if none exists yet.
func (m *Manager) Latest(symbol string) (Checkpoint, bool, error) {
	files, err := m.listFiles(symbol)
	if err != nil {
		return Checkpoint{}, false, err
	}
	if len(files) == 0 {
		return Checkpoint{}, false, nil
	}
	cp, err := m.load(files[len(files)-1])
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (m *Manager) listFiles(symbol string) ([]string, error) {
	dir := m.symbolDir(symbol)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errorsx.Wrap(err, errorsx.IoError, "list checkpoint directory").WithDetail("dir", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".chk.json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files) // timestamp-prefixed names sort chronologically
	return files, nil
}

func (m *Manager) load(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, errorsx.Wrap(err, errorsx.IoError, "read checkpoint").WithDetail("path", path)
	}

	var envelope struct {
		Checksum uint32          `json:"checksum"`
		Body     json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Checkpoint{}, errorsx.Wrap(err, errorsx.CorruptCheckpoint, "decode checkpoint envelope").WithDetail("path", path)
	}
	if crc32.ChecksumIEEE(envelope.Body) != envelope.Checksum {
		return Checkpoint{}, errorsx.New(errorsx.CorruptCheckpoint, "checkpoint checksum mismatch").WithDetail("path", path)
	}

	var cp Checkpoint
	if err := json.Unmarshal(envelope.Body, &cp); err != nil {
		return Checkpoint{}, errorsx.Wrap(err, errorsx.CorruptCheckpoint, "decode checkpoint body").WithDetail("path", path)
	}

	if err := checkFormatCompatible(cp.FormatVersion); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

func checkFormatCompatible(version string) error {
	got, err := semver.NewVersion(version)
	if err != nil {
		return errorsx.Wrap(err, errorsx.CorruptCheckpoint, "parse checkpoint format_version").WithDetail("version", version)
	}
	want := semver.MustParse(FormatVersion)
	if got.Major() != want.Major() {
		return errorsx.Newf(errorsx.CorruptCheckpoint, "checkpoint format %s incompatible with engine format %s", version, FormatVersion)
	}
	return nil
}

// prune keeps only the most recent m.retain checkpoints for symbol,
// deleting older ones now that a newer checkpoint is durable (spec
// §4: "oldest pruned once a newer one is durable").
func (m *Manager) prune(symbol string) error {
	files, err := m.listFiles(symbol)
	if err != nil {
		return err
	}
	if len(files) <= m.retain {
		return nil
	}
	for _, f := range files[:len(files)-m.retain] {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return errorsx.Wrap(err, errorsx.IoError, "prune old checkpoint").WithDetail("path", f)
		}
		m.pruned.Add(1)
	}
	return nil
}

// Stats returns lifetime created/pruned counters for telemetry.
func (m *Manager) Stats() (created, pruned int64) {
	return m.created.Load(), m.pruned.Load()
}
