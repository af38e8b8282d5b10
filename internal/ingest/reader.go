// Package ingest implements the Ingestion Readers (spec §4.1): one
// reader per input partition, each yielding a single event kind in
// bounded-memory micro-batches. Readers never reorder or enrich
// records — that is the Unifier's job — and surface only IoError,
// SchemaError, DecodeError.
package ingest

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/decimalx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/errorsx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/resilience"
)

// Config controls batching and pacing. It mirrors config.Config.Ingest
// so callers can pass that section straight through.
type Config struct {
	BatchSize       int
	RetryMaxAttempt int
	RateLimitPerSec float64 // 0 disables pacing
}

// tradeRow / snapshotRow / deltaRow are the wire-format rows decoded
// from a newline-delimited JSON partition file. Numeric fields arrive
// as strings so decimalx.NewFromString owns every precision decision;
// a JSON float would have already lost it.
type tradeRow struct {
	OriginTime int64  `json:"origin_time"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Side       string `json:"side"`
	TradeID    string `json:"trade_id"`
}

type levelRow struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

type snapshotRow struct {
	OriginTime int64      `json:"origin_time"`
	Bids       []levelRow `json:"bids"`
	Asks       []levelRow `json:"asks"`
}

type deltaRow struct {
	OriginTime  int64  `json:"origin_time"`
	UpdateID    int64  `json:"update_id"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	NewQuantity string `json:"new_quantity"`
}

// Reader implements unify.Source over one newline-delimited JSON
// partition file of a single event kind. It pre-decodes up to
// BatchSize records at a time, bounding resident memory to
// O(batch_size × row_width), and assigns ArrivalIndex in file order.
type Reader struct {
	kind   model.EventKind
	file   *os.File
	scan   *bufio.Scanner
	cfg    Config
	logger *zap.Logger
	limiter *rate.Limiter

	batch   []model.RawEvent
	batchAt int
	arrival uint64
	eof     bool
}

// NewJSONLReader opens path and returns a Reader that decodes it as a
// stream of kind-tagged rows. The caller owns calling Close.
func NewJSONLReader(path string, kind model.EventKind, cfg Config, logger *zap.Logger) (*Reader, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.IoError, "open ingestion partition").
			WithDetail("path", path)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var limiter *rate.Limiter
	if cfg.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.BatchSize)
	}

	return &Reader{
		kind:    kind,
		file:    f,
		scan:    scanner,
		cfg:     cfg,
		logger:  logger,
		limiter: limiter,
		batch:   make([]model.RawEvent, 0, cfg.BatchSize),
	}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Next satisfies unify.Source: it returns the next record, refilling
// the internal batch from disk (with retry + pacing) as needed.
func (r *Reader) Next(ctx context.Context) (model.RawEvent, bool, error) {
	if r.batchAt >= len(r.batch) {
		if r.eof {
			return model.RawEvent{}, false, nil
		}
		if err := r.refill(ctx); err != nil {
			return model.RawEvent{}, false, err
		}
		if len(r.batch) == 0 {
			return model.RawEvent{}, false, nil
		}
	}

	ev := r.batch[r.batchAt]
	r.batchAt++
	return ev, true, nil
}

// refill reads up to BatchSize more lines, decoding each into a
// RawEvent. It never grows the batch slice beyond BatchSize, so
// resident memory stays bounded regardless of partition file size.
// Transient read failures are retried through resilience.RetryWithBackoff;
// malformed rows raise DecodeError/SchemaError and are skipped, not fatal.
func (r *Reader) refill(ctx context.Context) error {
	if r.limiter != nil {
		if err := r.limiter.WaitN(ctx, r.cfg.BatchSize); err != nil {
			return err
		}
	}

	retryCfg := resilience.DefaultRetryConfig()
	if r.cfg.RetryMaxAttempt > 0 {
		retryCfg.MaxAttempts = r.cfg.RetryMaxAttempt
	}

	r.batch = r.batch[:0]
	r.batchAt = 0

	err := resilience.RetryWithBackoff(ctx, retryCfg, r.logger, func() error {
		for len(r.batch) < r.cfg.BatchSize {
			if !r.scan.Scan() {
				if scanErr := r.scan.Err(); scanErr != nil {
					return errorsx.Wrap(scanErr, errorsx.IoError, "read ingestion partition")
				}
				r.eof = true
				return nil
			}
			line := r.scan.Bytes()
			if len(line) == 0 {
				continue
			}
			ev, decodeErr := r.decodeLine(line)
			if decodeErr != nil {
				r.logger.Warn("dropping malformed ingestion row",
					zap.String("kind", r.kind.String()),
					zap.Error(decodeErr))
				continue
			}
			ev.ArrivalIndex = r.arrival
			r.arrival++
			r.batch = append(r.batch, ev)
		}
		return nil
	})
	return err
}

func (r *Reader) decodeLine(line []byte) (model.RawEvent, error) {
	switch r.kind {
	case model.KindTrade:
		var row tradeRow
		if err := json.Unmarshal(line, &row); err != nil {
			return model.RawEvent{}, errorsx.Wrap(err, errorsx.DecodeError, "decode trade row")
		}
		price, err := decimalx.NewFromString(row.Price)
		if err != nil {
			return model.RawEvent{}, errorsx.Wrap(err, errorsx.DecodeError, "decode trade price")
		}
		qty, err := decimalx.NewFromString(row.Quantity)
		if err != nil {
			return model.RawEvent{}, errorsx.Wrap(err, errorsx.DecodeError, "decode trade quantity")
		}
		side, err := parseTradeSide(row.Side)
		if err != nil {
			return model.RawEvent{}, err
		}
		return model.RawEvent{
			Kind: model.KindTrade,
			Trade: &model.Trade{
				OriginTime: row.OriginTime,
				Price:      price,
				Quantity:   qty,
				Side:       side,
				TradeID:    row.TradeID,
			},
		}, nil

	case model.KindBookSnapshot:
		var row snapshotRow
		if err := json.Unmarshal(line, &row); err != nil {
			return model.RawEvent{}, errorsx.Wrap(err, errorsx.DecodeError, "decode snapshot row")
		}
		bids, err := decodeLevels(row.Bids)
		if err != nil {
			return model.RawEvent{}, err
		}
		asks, err := decodeLevels(row.Asks)
		if err != nil {
			return model.RawEvent{}, err
		}
		return model.RawEvent{
			Kind:     model.KindBookSnapshot,
			Snapshot: &model.BookSnapshot{OriginTime: row.OriginTime, Bids: bids, Asks: asks},
		}, nil

	case model.KindBookDelta:
		var row deltaRow
		if err := json.Unmarshal(line, &row); err != nil {
			return model.RawEvent{}, errorsx.Wrap(err, errorsx.DecodeError, "decode delta row")
		}
		if row.UpdateID <= 0 {
			return model.RawEvent{}, errorsx.New(errorsx.SchemaError, "delta row missing update_id")
		}
		side, err := parseSide(row.Side)
		if err != nil {
			return model.RawEvent{}, err
		}
		price, err := decimalx.NewFromString(row.Price)
		if err != nil {
			return model.RawEvent{}, errorsx.Wrap(err, errorsx.DecodeError, "decode delta price")
		}
		qty, err := decimalx.NewFromString(row.NewQuantity)
		if err != nil {
			return model.RawEvent{}, errorsx.Wrap(err, errorsx.DecodeError, "decode delta new_quantity")
		}
		return model.RawEvent{
			Kind: model.KindBookDelta,
			Delta: &model.BookDelta{
				OriginTime:  row.OriginTime,
				UpdateID:    row.UpdateID,
				Side:        side,
				Price:       price,
				NewQuantity: qty,
			},
		}, nil

	default:
		return model.RawEvent{}, errorsx.New(errorsx.SchemaError, "unknown event kind")
	}
}

func decodeLevels(rows []levelRow) ([]model.Level, error) {
	if rows == nil {
		return nil, nil
	}
	out := make([]model.Level, len(rows))
	for i, row := range rows {
		price, err := decimalx.NewFromString(row.Price)
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.DecodeError, "decode snapshot level price")
		}
		qty, err := decimalx.NewFromString(row.Quantity)
		if err != nil {
			return nil, errorsx.Wrap(err, errorsx.DecodeError, "decode snapshot level quantity")
		}
		out[i] = model.Level{Price: price, Quantity: qty}
	}
	return out, nil
}

func parseSide(s string) (model.Side, error) {
	switch s {
	case "BID":
		return model.SideBid, nil
	case "ASK":
		return model.SideAsk, nil
	default:
		return 0, errorsx.Newf(errorsx.SchemaError, "unknown side %q", s)
	}
}

func parseTradeSide(s string) (model.TradeSide, error) {
	switch s {
	case "BUY":
		return model.TradeBuy, nil
	case "SELL":
		return model.TradeSell, nil
	default:
		return 0, errorsx.Newf(errorsx.SchemaError, "unknown trade side %q", s)
	}
}

var _ io.Closer = (*Reader)(nil)
