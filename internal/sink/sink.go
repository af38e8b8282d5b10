// Package sink implements the Data Sink (spec §4.5): hourly-partitioned
// columnar output with decimal128(38,18) price/quantity columns,
// written atomically (temp file → fsync → rename) with a manifest
// entry appended once the partition is durable.
package sink

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	pqfile "github.com/apache/arrow-go/v18/parquet/file"
	pqschema "github.com/apache/arrow-go/v18/parquet/schema"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/errorsx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/resilience"
)

const partitionTimeFormat = "2006010215" // YYYYMMDDHH, one file per hour

// rowSchema is the flat column layout shared by every partition file:
// one row per enriched event, decimal columns as FIXED_LEN_BYTE_ARRAY(16)
// with DecimalLogicalType(38,18) so price/quantity round-trip bit-exact.
func rowSchema() *pqschema.GroupNode {
	decimalType := pqschema.NewDecimalLogicalType(38, 18)
	return pqschema.MustGroup(pqschema.NewGroupNode("event", parquet.Repetitions.Required, pqschema.FieldList{
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("symbol", parquet.Repetitions.Required, parquet.Types.ByteArray, pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("event_timestamp", parquet.Repetitions.Required, pqschema.NewTimestampLogicalType(true, pqschema.TimeUnitNanos), parquet.Types.Int64, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("event_type", parquet.Repetitions.Required, parquet.Types.ByteArray, pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("update_id", parquet.Repetitions.Optional, pqschema.NewIntLogicalType(64, true), parquet.Types.Int64, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("replay_pos", parquet.Repetitions.Required, pqschema.NewIntLogicalType(64, false), parquet.Types.Int64, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("trade_price", parquet.Repetitions.Optional, decimalType, parquet.Types.FixedLenByteArray, 16, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("trade_quantity", parquet.Repetitions.Optional, decimalType, parquet.Types.FixedLenByteArray, 16, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("trade_side", parquet.Repetitions.Optional, parquet.Types.ByteArray, pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("best_bid_price", parquet.Repetitions.Optional, decimalType, parquet.Types.FixedLenByteArray, 16, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("best_bid_quantity", parquet.Repetitions.Optional, decimalType, parquet.Types.FixedLenByteArray, 16, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("best_ask_price", parquet.Repetitions.Optional, decimalType, parquet.Types.FixedLenByteArray, 16, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("best_ask_quantity", parquet.Repetitions.Optional, decimalType, parquet.Types.FixedLenByteArray, 16, -1)),
		pqschema.NewFloat64Node("drift", parquet.Repetitions.Optional, -1),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("hidden_liquidity_consumed", parquet.Repetitions.Optional, decimalType, parquet.Types.FixedLenByteArray, 16, -1)),
		pqschema.NewBooleanNode("tainted", parquet.Repetitions.Required, -1),
	}, -1))
}

// column indices into rowSchema(), kept in lockstep with the field list above.
const (
	colSymbol = iota
	colEventTimestamp
	colEventType
	colUpdateID
	colReplayPos
	colTradePrice
	colTradeQuantity
	colTradeSide
	colBestBidPrice
	colBestBidQuantity
	colBestAskPrice
	colBestAskQuantity
	colDrift
	colHiddenLiquidityConsumed
	colTainted
)

// ManifestEntry records one durable partition: spec §4.5 step 5.
type ManifestEntry struct {
	PartitionID      string `json:"partition_id"`
	Path             string `json:"path"`
	RowCount         int64  `json:"row_count"`
	MinTimestamp     int64  `json:"min_timestamp"`
	MaxTimestamp     int64  `json:"max_timestamp"`
	Symbol           string `json:"symbol"`
	WALHighWaterMark int64  `json:"wal_high_water_mark"`
	SHA256           string `json:"sha256"`
}

type manifest struct {
	Entries []ManifestEntry `json:"entries"`
}

// partition is the in-progress output file for one hour bucket.
type partition struct {
	id        string
	tmpPath   string
	finalPath string
	dir       string
	file      *os.File
	pw        *pqfile.Writer
	rgw       pqfile.BufferedRowGroupWriter
	rows      int64
	minTs     int64
	maxTs     int64
}

// Writer owns one symbol's partition stream. Ownership is exclusive per
// spec §5 ("Sink's on-disk manifest is single-writer per symbol").
type Writer struct {
	outRoot string
	symbol  string
	logger  *zap.Logger

	mu             sync.Mutex
	current        *partition
	walHWM         int64
	lastManifested string

	pool *ants.Pool
	wg   sync.WaitGroup

	breaker *resilience.CircuitBreaker
}

// NewWriter builds a Writer rooting output under outRoot/symbol and
// running manifest-finalization work on an ants pool bounded to
// maxConcurrent tasks (spec §11 domain stack: worker pool for manifest
// fsync workers).
func NewWriter(outRoot, symbol string, maxConcurrent int, logger *zap.Logger) (*Writer, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	pool, err := ants.NewPool(maxConcurrent)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.IoError, "create sink worker pool")
	}
	return &Writer{
		outRoot: outRoot,
		symbol:  symbol,
		logger:  logger,
		pool:    pool,
		breaker: resilience.NewCircuitBreaker("sink:"+symbol, 5, 30*time.Second, logger),
	}, nil
}

// SetWALHighWaterMark records the WAL's uncompressed byte count durable
// as of the most recent fsync, stamped onto the next manifest entry this
// Writer emits.
func (w *Writer) SetWALHighWaterMark(hwm int64) {
	w.mu.Lock()
	w.walHWM = hwm
	w.mu.Unlock()
}

// LastManifestedPartitionID returns the id of the most recent partition
// this Writer has durably manifested, for the Replayer to stamp onto a
// checkpoint's Sink high-water mark (spec §4.6: "last fully manifested
// partition").
func (w *Writer) LastManifestedPartitionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastManifested
}

func (w *Writer) setLastManifested(id string) {
	w.mu.Lock()
	w.lastManifested = id
	w.mu.Unlock()
}

func (w *Writer) partitionDir(bucket time.Time) string {
	return filepath.Join(w.outRoot, w.symbol, bucket.Format("2006"), bucket.Format("01"), bucket.Format("02"))
}

func (w *Writer) partitionID(bucket time.Time) string {
	return fmt.Sprintf("%s-%s", w.symbol, bucket.Format(partitionTimeFormat))
}

// Write appends one enriched event to the current hour's partition,
// rotating (flushing the prior partition) whenever the event's
// timestamp crosses into a new hour bucket.
func (w *Writer) Write(ev model.EnrichedEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	bucket := time.Unix(0, ev.Unified.EventTimestamp).UTC().Truncate(time.Hour)
	id := w.partitionID(bucket)

	if w.current != nil && w.current.id != id {
		if err := w.finalizeLocked(); err != nil {
			return err
		}
	}
	if w.current == nil {
		p, err := w.openPartitionLocked(bucket, id)
		if err != nil {
			return err
		}
		w.current = p
	}
	return writeRow(w.current.rgw, ev, w.current, w.symbol)
}

func (w *Writer) openPartitionLocked(bucket time.Time, id string) (*partition, error) {
	dir := w.partitionDir(bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errorsx.Wrap(err, errorsx.IoError, "create partition directory").WithDetail("dir", dir)
	}

	tmpPath := filepath.Join(dir, id+".parquet.tmp")
	finalPath := filepath.Join(dir, id+".parquet")

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.IoError, "create partition temp file").WithDetail("path", tmpPath)
	}

	props := parquet.NewWriterProperties(
		parquet.WithVersion(parquet.V2_LATEST),
		parquet.WithCompression(compress.Codecs.Snappy))

	pw := pqfile.NewParquetWriter(f, rowSchema(), pqfile.WithWriterProps(props))
	rgw := pw.AppendBufferedRowGroup()

	return &partition{
		id:        id,
		tmpPath:   tmpPath,
		finalPath: finalPath,
		dir:       dir,
		file:      f,
		pw:        pw,
		rgw:       rgw,
		minTs:     -1,
	}, nil
}

func writeRow(rgw pqfile.BufferedRowGroupWriter, ev model.EnrichedEvent, p *partition, symbol string) error {
	ts := ev.Unified.EventTimestamp
	if p.minTs < 0 || ts < p.minTs {
		p.minTs = ts
	}
	if ts > p.maxTs {
		p.maxTs = ts
	}
	p.rows++

	present := []int16{1}
	absent := []int16{0}

	writeBA := func(col int, s string) error {
		cw, err := rgw.Column(col)
		if err != nil {
			return err
		}
		_, err = cw.(*pqfile.ByteArrayColumnChunkWriter).WriteBatch([]parquet.ByteArray{[]byte(s)}, present, nil)
		return err
	}
	writeI64 := func(col int, v int64) error {
		cw, err := rgw.Column(col)
		if err != nil {
			return err
		}
		_, err = cw.(*pqfile.Int64ColumnChunkWriter).WriteBatch([]int64{v}, present, nil)
		return err
	}
	writeOptI64 := func(col int, v int64, ok bool) error {
		cw, err := rgw.Column(col)
		if err != nil {
			return err
		}
		if !ok {
			_, err = cw.(*pqfile.Int64ColumnChunkWriter).WriteBatch(nil, absent, nil)
			return err
		}
		_, err = cw.(*pqfile.Int64ColumnChunkWriter).WriteBatch([]int64{v}, present, nil)
		return err
	}
	writeOptDecimal := func(col int, bytes [16]byte, ok bool) error {
		cw, err := rgw.Column(col)
		if err != nil {
			return err
		}
		if !ok {
			_, err = cw.(*pqfile.FixedLenByteArrayColumnChunkWriter).WriteBatch(nil, absent, nil)
			return err
		}
		b := bytes
		_, err = cw.(*pqfile.FixedLenByteArrayColumnChunkWriter).WriteBatch([]parquet.FixedLenByteArray{b[:]}, present, nil)
		return err
	}
	writeOptBA := func(col int, s string, ok bool) error {
		cw, err := rgw.Column(col)
		if err != nil {
			return err
		}
		if !ok {
			_, err = cw.(*pqfile.ByteArrayColumnChunkWriter).WriteBatch(nil, absent, nil)
			return err
		}
		_, err = cw.(*pqfile.ByteArrayColumnChunkWriter).WriteBatch([]parquet.ByteArray{[]byte(s)}, present, nil)
		return err
	}
	writeOptFloat := func(col int, v float64, ok bool) error {
		cw, err := rgw.Column(col)
		if err != nil {
			return err
		}
		if !ok {
			_, err = cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch(nil, absent, nil)
			return err
		}
		_, err = cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{v}, present, nil)
		return err
	}
	writeBool := func(col int, v bool) error {
		cw, err := rgw.Column(col)
		if err != nil {
			return err
		}
		_, err = cw.(*pqfile.BooleanColumnChunkWriter).WriteBatch([]bool{v}, present, nil)
		return err
	}

	raw := ev.Unified.Raw
	var tradePrice, tradeQty [16]byte
	var hasTrade bool
	var tradeSide string
	if raw.Kind == model.KindTrade && raw.Trade != nil {
		hasTrade = true
		tradePrice = raw.Trade.Price.FixedWidthBytes()
		tradeQty = raw.Trade.Quantity.FixedWidthBytes()
		tradeSide = raw.Trade.Side.String()
	}

	var bestBidPrice, bestBidQty, bestAskPrice, bestAskQty [16]byte
	hasBid := len(ev.Post.Bids) > 0
	hasAsk := len(ev.Post.Asks) > 0
	if hasBid {
		bestBidPrice = ev.Post.Bids[0].Price.FixedWidthBytes()
		bestBidQty = ev.Post.Bids[0].Quantity.FixedWidthBytes()
	}
	if hasAsk {
		bestAskPrice = ev.Post.Asks[0].Price.FixedWidthBytes()
		bestAskQty = ev.Post.Asks[0].Quantity.FixedWidthBytes()
	}

	var hidden [16]byte
	hasHidden := ev.Post.HiddenLiquidityConsumed != nil
	if hasHidden {
		hidden = ev.Post.HiddenLiquidityConsumed.FixedWidthBytes()
	}

	hasDrift := ev.Post.Drift != nil
	var drift float64
	if hasDrift {
		drift = *ev.Post.Drift
	}

	updateID, hasUpdateID := raw.UpdateID(), raw.Kind == model.KindBookDelta

	if err := writeBA(colSymbol, symbol); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write symbol column")
	}
	if err := writeI64(colEventTimestamp, ts); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write event_timestamp column")
	}
	if err := writeBA(colEventType, raw.Kind.String()); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write event_type column")
	}
	if err := writeOptI64(colUpdateID, updateID, hasUpdateID); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write update_id column")
	}
	if err := writeI64(colReplayPos, int64(ev.ReplayPos)); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write replay_pos column")
	}
	if err := writeOptDecimal(colTradePrice, tradePrice, hasTrade); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write trade_price column")
	}
	if err := writeOptDecimal(colTradeQuantity, tradeQty, hasTrade); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write trade_quantity column")
	}
	if err := writeOptBA(colTradeSide, tradeSide, hasTrade); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write trade_side column")
	}
	if err := writeOptDecimal(colBestBidPrice, bestBidPrice, hasBid); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write best_bid_price column")
	}
	if err := writeOptDecimal(colBestBidQuantity, bestBidQty, hasBid); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write best_bid_quantity column")
	}
	if err := writeOptDecimal(colBestAskPrice, bestAskPrice, hasAsk); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write best_ask_price column")
	}
	if err := writeOptDecimal(colBestAskQuantity, bestAskQty, hasAsk); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write best_ask_quantity column")
	}
	if err := writeOptFloat(colDrift, drift, hasDrift); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write drift column")
	}
	if err := writeOptDecimal(colHiddenLiquidityConsumed, hidden, hasHidden); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write hidden_liquidity_consumed column")
	}
	if err := writeBool(colTainted, ev.Post.Tainted); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "write tainted column")
	}
	return nil
}

// Flush finalizes (closes, fsyncs, renames, manifests) the in-progress
// partition without shutting the Writer down. The Replayer calls it from
// Drain, before the final checkpoint; periodic checkpoints do not flush
// the Sink.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finalizeLocked()
}

func (w *Writer) finalizeLocked() error {
	p := w.current
	w.current = nil
	if p == nil {
		return nil
	}

	if err := p.rgw.Close(); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "close partition row group")
	}
	if err := p.pw.FlushWithFooter(); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "flush partition footer")
	}
	if err := p.pw.Close(); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "close partition writer")
	}

	walHWM := w.walHWM
	symbol := w.symbol
	outRoot := w.outRoot
	breaker := w.breaker

	w.wg.Add(1)
	err := w.pool.Submit(func() {
		defer w.wg.Done()
		if ferr := finalizePartitionFile(p, walHWM, symbol, outRoot, breaker); ferr != nil {
			w.logger.Error("partition finalization failed",
				zap.String("symbol", symbol), zap.String("partition", p.id), zap.Error(ferr))
			return
		}
		w.setLastManifested(p.id)
	})
	if err != nil {
		w.wg.Done()
		return errorsx.Wrap(err, errorsx.IoError, "submit partition finalization")
	}
	return nil
}

func finalizePartitionFile(p *partition, walHWM int64, symbol, outRoot string, breaker *resilience.CircuitBreaker) error {
	if err := breaker.Execute(func() error {
		if err := p.file.Sync(); err != nil {
			return errorsx.New(errorsx.IoError, "fsync partition file").WithCause(err)
		}
		if err := p.file.Close(); err != nil {
			return errorsx.New(errorsx.IoError, "close partition file").WithCause(err)
		}
		if err := os.Rename(p.tmpPath, p.finalPath); err != nil {
			return errorsx.New(errorsx.IoError, "rename partition into place").WithCause(err)
		}
		if dirF, err := os.Open(p.dir); err == nil {
			dirF.Sync()
			dirF.Close()
		}
		return nil
	}); err != nil {
		return err
	}

	sum, err := sha256File(p.finalPath)
	if err != nil {
		return err
	}

	entry := ManifestEntry{
		PartitionID:      p.id,
		Path:             p.finalPath,
		RowCount:         p.rows,
		MinTimestamp:     p.minTs,
		MaxTimestamp:     p.maxTs,
		Symbol:           symbol,
		WALHighWaterMark: walHWM,
		SHA256:           sum,
	}
	return appendManifest(outRoot, symbol, entry)
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.IoError, "open partition for hashing").WithDetail("path", path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errorsx.Wrap(err, errorsx.IoError, "hash partition").WithDetail("path", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func manifestPath(outRoot, symbol string) string {
	return filepath.Join(outRoot, symbol, "manifest.json")
}

func loadManifest(outRoot, symbol string) (manifest, error) {
	data, err := os.ReadFile(manifestPath(outRoot, symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return manifest{}, nil
		}
		return manifest{}, errorsx.Wrap(err, errorsx.IoError, "read manifest")
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, errorsx.Wrap(err, errorsx.IoError, "decode manifest")
	}
	return m, nil
}

// appendManifest reads the current manifest, appends entry (replacing
// any prior entry with the same PartitionID so a re-emitted partition
// from WAL recovery is idempotent per spec §4.6 step 4), and atomically
// renames the rewritten file into place.
func appendManifest(outRoot, symbol string, entry ManifestEntry) error {
	path := manifestPath(outRoot, symbol)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "create manifest directory")
	}

	m, err := loadManifest(outRoot, symbol)
	if err != nil {
		return err
	}

	replaced := false
	for i, e := range m.Entries {
		if e.PartitionID == entry.PartitionID {
			m.Entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		m.Entries = append(m.Entries, entry)
	}
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].PartitionID < m.Entries[j].PartitionID })

	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "encode manifest")
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errorsx.Wrap(err, errorsx.IoError, "create manifest temp file")
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return errorsx.Wrap(err, errorsx.IoError, "write manifest")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errorsx.Wrap(err, errorsx.IoError, "fsync manifest")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errorsx.Wrap(err, errorsx.IoError, "close manifest temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errorsx.Wrap(err, errorsx.IoError, "rename manifest into place")
	}
	return nil
}

// LatestHighWaterMark returns the last fully manifested partition's WAL
// high-water mark, or 0 if no partition has been manifested yet.
func LatestHighWaterMark(outRoot, symbol string) (int64, error) {
	m, err := loadManifest(outRoot, symbol)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, e := range m.Entries {
		if e.WALHighWaterMark > max {
			max = e.WALHighWaterMark
		}
	}
	return max, nil
}

// ManifestEntryByID looks up one manifested partition by id, for
// recovery to resolve a checkpoint's Sink high-water mark (a partition
// id) back into the MaxTimestamp boundary that decides which WAL
// records still need re-emitting.
func ManifestEntryByID(outRoot, symbol, partitionID string) (ManifestEntry, bool, error) {
	m, err := loadManifest(outRoot, symbol)
	if err != nil {
		return ManifestEntry{}, false, err
	}
	for _, e := range m.Entries {
		if e.PartitionID == partitionID {
			return e, true, nil
		}
	}
	return ManifestEntry{}, false, nil
}

// ListManifestEntries returns every manifested partition for symbol, for
// reporting tools (cmd/reconstruct's end-of-run summary) that need
// partition counts and row counts rather than a single lookup.
func ListManifestEntries(outRoot, symbol string) ([]ManifestEntry, error) {
	m, err := loadManifest(outRoot, symbol)
	if err != nil {
		return nil, err
	}
	return m.Entries, nil
}

// RemoveOrphanTempFiles deletes any ".parquet.tmp" files left behind by
// a crash mid-write, as spec §4.6 recovery step 2 requires before WAL
// replay resumes.
func RemoveOrphanTempFiles(outRoot, symbol string) (int, error) {
	root := filepath.Join(outRoot, symbol)
	removed := 0
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".parquet.tmp") {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return rmErr
			}
			removed++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return removed, errorsx.Wrap(err, errorsx.IoError, "scan for orphan partition temp files").WithDetail("root", root)
	}
	return removed, nil
}

// Close flushes any in-progress partition, waits for background
// finalization to complete, and releases the worker pool.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	w.wg.Wait()
	w.pool.Release()
	return nil
}
