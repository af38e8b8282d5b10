// Package wal implements the Write-Ahead Log (spec §4.6): an
// append-only, per-symbol segment file of length-prefixed, checksummed
// enriched-event records, batch-coalesced to fsync. A Writer keeps
// appending to the one segment it was created for: this package does
// not rotate segments by size and does not truncate or delete them
// after a checkpoint.
package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/errorsx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/resilience"
)

// Header is written once at the start of every segment file (spec
// §4.6: "A segment header carries {symbol, start_timestamp,
// last_checkpoint_id}").
type Header struct {
	Symbol           string `json:"symbol"`
	StartTimestamp   int64  `json:"start_timestamp"`
	LastCheckpointID string `json:"last_checkpoint_id"`
}

// record is the on-disk envelope for one enriched event: the fields
// the recovery scan needs without re-running the Order-Book Engine
// (spec §4.6 step 4 — "the Engine's state is not re-applied from WAL").
type record struct {
	ReplayPos      uint64            `json:"replay_pos"`
	EventTimestamp int64             `json:"event_timestamp"`
	EventType      model.EventKind   `json:"event_type"`
	UpdateID       int64             `json:"update_id"`
	Raw            model.RawEvent    `json:"raw"`
	Post           model.PostState   `json:"post"`
}

func toRecord(e model.EnrichedEvent) record {
	return record{
		ReplayPos:      e.ReplayPos,
		EventTimestamp: e.Unified.EventTimestamp,
		EventType:      e.Unified.EventType,
		UpdateID:       e.Unified.UpdateID,
		Raw:            e.Unified.Raw,
		Post:           e.Post,
	}
}

func (r record) toEnriched() model.EnrichedEvent {
	return model.EnrichedEvent{
		Unified: model.UnifiedEvent{
			EventTimestamp: r.EventTimestamp,
			EventType:      r.EventType,
			UpdateID:       r.UpdateID,
			Raw:            r.Raw,
		},
		Post:      r.Post,
		ReplayPos: r.ReplayPos,
	}
}

// SegmentPath builds the conventional on-disk path for a new segment:
// <dataRoot>/wal/<symbol>/<startTimestamp>.wal.zst
func SegmentPath(root, symbol string, startTimestamp int64) string {
	return filepath.Join(root, "wal", symbol, fmt.Sprintf("%020d.wal.zst", startTimestamp))
}

// Writer appends enriched events to one segment file. Records are
// buffered and only fsynced on a batch boundary — either FlushMaxBatch
// records accumulate or FlushInterval elapses — matching the
// timer-plus-size-threshold coalescing the teacher's batched event
// store uses for its own flush policy.
type Writer struct {
	path   string
	file   *os.File
	zw     *zstd.Encoder
	bw     *bufio.Writer
	logger *zap.Logger

	flushMaxBatch int
	flushInterval time.Duration

	mu          sync.Mutex
	pending     int
	bytesWritten int64
	timer       *time.Timer
	stopCh      chan struct{}
	wg          sync.WaitGroup

	breaker *resilience.CircuitBreaker
}

// NewWriter creates (or truncates) the segment file at path, writes its
// header, and starts the background flush timer.
func NewWriter(path string, header Header, flushMaxBatch int, flushInterval time.Duration, logger *zap.Logger) (*Writer, error) {
	if flushMaxBatch <= 0 {
		flushMaxBatch = 500
	}
	if flushInterval <= 0 {
		flushInterval = 50 * time.Millisecond
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errorsx.Wrap(err, errorsx.IoError, "create wal directory").WithDetail("path", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.IoError, "create wal segment").WithDetail("path", path)
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderCRC(true))
	if err != nil {
		f.Close()
		return nil, errorsx.Wrap(err, errorsx.IoError, "init wal compressor")
	}

	w := &Writer{
		path:          path,
		file:          f,
		zw:            zw,
		bw:            bufio.NewWriter(zw),
		logger:        logger,
		flushMaxBatch: flushMaxBatch,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		breaker:       resilience.NewCircuitBreaker("wal-fsync:"+header.Symbol, 5, 10*time.Second, logger),
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		w.Close()
		return nil, errorsx.Wrap(err, errorsx.IoError, "encode wal header")
	}
	if err := w.writeFrame(headerBytes); err != nil {
		w.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.flushLoop()

	return w, nil
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	t := time.NewTimer(w.flushInterval)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			if err := w.Flush(); err != nil {
				w.logger.Error("wal periodic flush failed", zap.Error(err))
			}
			t.Reset(w.flushInterval)
		}
	}
}

// Append encodes and buffers one enriched event. It does not fsync;
// call Flush (or let the batch/timer do it) for a durability boundary.
func (w *Writer) Append(e model.EnrichedEvent) error {
	payload, err := json.Marshal(toRecord(e))
	if err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "encode wal record")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeFrame(payload); err != nil {
		return err
	}
	w.pending++
	if w.pending >= w.flushMaxBatch {
		return w.flushLocked()
	}
	return nil
}

// writeFrame writes [len uint32][crc32 uint32][payload] to the
// buffered zstd stream. Caller must hold w.mu when called after
// construction (the header write happens before the lock is needed).
func (w *Writer) writeFrame(payload []byte) error {
	var lenBuf [8]byte
	binary.BigEndian.PutUint32(lenBuf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(lenBuf[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.bw.Write(lenBuf[:]); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write wal frame header")
	}
	if _, err := w.bw.Write(payload); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write wal frame payload")
	}
	w.bytesWritten += int64(len(lenBuf) + len(payload))
	return nil
}

// Flush coalesces pending records through the compressor and fsyncs
// the underlying file. fsync is retried with backoff through a
// circuit breaker: a persistently failing disk trips the breaker so
// the worker fails fast instead of hanging every batch.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if err := w.bw.Flush(); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "flush wal buffer")
	}
	if err := w.zw.Flush(); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "flush wal compressor")
	}

	err := w.breaker.Execute(func() error {
		return resilience.RetryWithBackoff(context.Background(), resilience.DefaultRetryConfig(), w.logger, func() error {
			return w.file.Sync()
		})
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "fsync wal segment").WithDetail("path", w.path)
	}
	w.pending = 0
	return nil
}

// Size reports the number of uncompressed frame bytes written so far.
// The replayer records it as the WAL high-water mark on checkpoints and
// Sink manifest entries.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}

// Close flushes, fsyncs, and closes the segment. Safe to call once.
func (w *Writer) Close() error {
	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.bw.Flush()
	zerr := w.zw.Close()
	ferr := w.file.Sync()
	cerr := w.file.Close()
	if zerr != nil {
		return errorsx.Wrap(zerr, errorsx.IoError, "close wal compressor")
	}
	if ferr != nil {
		return errorsx.Wrap(ferr, errorsx.IoError, "sync wal segment on close")
	}
	if cerr != nil {
		return errorsx.Wrap(cerr, errorsx.IoError, "close wal segment")
	}
	return nil
}

// Reader scans a segment file from its header through every record,
// for crash recovery (spec §4.6's "scan WAL from checkpoint's WAL
// high-water mark forward").
type Reader struct {
	file *os.File
	zr   *zstd.Decoder
	br   *bufio.Reader
}

// OpenReader opens path and decodes its header.
func OpenReader(path string) (*Reader, Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Header{}, errorsx.Wrap(err, errorsx.IoError, "open wal segment").WithDetail("path", path)
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, Header{}, errorsx.Wrap(err, errorsx.IoError, "init wal decompressor")
	}
	r := &Reader{file: f, zr: zr, br: bufio.NewReader(zr)}

	headerBytes, err := r.readFrame()
	if err != nil {
		r.Close()
		return nil, Header{}, err
	}
	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		r.Close()
		return nil, Header{}, errorsx.Wrap(err, errorsx.CorruptWal, "decode wal header").WithDetail("path", path)
	}
	return r, header, nil
}

// Next returns the next enriched event, or io.EOF once the segment is
// exhausted. A frame truncated mid-write (the tail of a segment that
// was being appended when the process crashed) is treated as a clean
// end of stream rather than CorruptWal — only a frame whose checksum
// fails after being read in full is a corruption.
func (r *Reader) Next() (model.EnrichedEvent, error) {
	payload, err := r.readFrame()
	if err != nil {
		return model.EnrichedEvent{}, err
	}
	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return model.EnrichedEvent{}, errorsx.Wrap(err, errorsx.CorruptWal, "decode wal record")
	}
	return rec.toEnriched(), nil
}

func (r *Reader) readFrame() ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r.br, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			// Truncated trailing record from a crash mid-append.
			return nil, io.EOF
		}
		return nil, errorsx.Wrap(err, errorsx.IoError, "read wal frame header")
	}
	length := binary.BigEndian.Uint32(lenBuf[0:4])
	wantCRC := binary.BigEndian.Uint32(lenBuf[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, errorsx.Wrap(err, errorsx.IoError, "read wal frame payload")
	}
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, errorsx.New(errorsx.CorruptWal, "wal record checksum mismatch")
	}
	return payload, nil
}

// Close releases the underlying file and decompressor.
func (r *Reader) Close() error {
	r.zr.Close()
	return r.file.Close()
}
