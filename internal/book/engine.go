// Package book implements the stateful L2 Order-Book Engine (spec
// §4.3): single-threaded, deterministic application of trades, deltas,
// and snapshots to a per-symbol book, with drift measurement, taint
// tracking, and a bounded overflow store for levels beyond the
// authoritative depth.
package book

import (
	"math"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/decimalx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/errorsx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
)

// State is the per-symbol book lifecycle (spec §4.3).
type State int8

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes the engine's memory bounds and policy knobs; it mirrors
// internal/config.Config.Book rather than depending on that package
// directly, so the engine stays free of the config/viper/fsnotify
// dependency chain.
type Config struct {
	Depth                  int     // authoritative levels per side (spec default 20)
	PendingQueueCapacity   int     // K, spec default 4096
	DriftThreshold         float64 // relative RMS threshold, spec default 1e-3
	ConsumeOverflowOnTrade bool    // spec §9 open question, default false
	OverflowStoreCapacity  int     // bounded cardinality beyond Depth
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Depth:                  20,
		PendingQueueCapacity:   4096,
		DriftThreshold:         1e-3,
		ConsumeOverflowOnTrade: false,
		OverflowStoreCapacity:  500,
	}
}

// Counters accumulates the non-fatal conditions the engine records
// (spec §7); the Replayer reads these into telemetry after each batch.
type Counters struct {
	DuplicateDeltaCount     uint64
	GapCount                uint64
	GapSizeSum              uint64
	HighDriftWarningCount   uint64
	HiddenLiquidityConsumed decimalx.Decimal
}

// bookSide is a sorted slice of levels, best price first, plus the
// bounded overflow tail beyond Depth.
type bookSide struct {
	isBid  bool
	levels []model.Level
}

func (s *bookSide) better(a, b decimalx.Decimal) bool {
	if s.isBid {
		return a.Cmp(b) > 0
	}
	return a.Cmp(b) < 0
}

func (s *bookSide) find(price decimalx.Decimal) int {
	for i, l := range s.levels {
		if l.Price.Cmp(price) == 0 {
			return i
		}
	}
	return -1
}

func (s *bookSide) set(price, qty decimalx.Decimal) {
	idx := s.find(price)
	if qty.IsZero() {
		if idx >= 0 {
			s.levels = append(s.levels[:idx], s.levels[idx+1:]...)
		}
		return
	}
	if idx >= 0 {
		s.levels[idx].Quantity = qty
		return
	}
	pos := len(s.levels)
	for i, l := range s.levels {
		if s.better(price, l.Price) {
			pos = i
			break
		}
	}
	s.levels = append(s.levels, model.Level{})
	copy(s.levels[pos+1:], s.levels[pos:])
	s.levels[pos] = model.Level{Price: price, Quantity: qty}
}

func (s *bookSide) resetFrom(levels []model.Level) {
	s.levels = append(s.levels[:0], levels...)
}

func (s *bookSide) top(n int) model.BookLevels {
	if n > len(s.levels) {
		n = len(s.levels)
	}
	out := make(model.BookLevels, n)
	copy(out, s.levels[:n])
	return out
}

// consume walks the side from its best level outward, removing up to
// qty of liquidity. limit bounds how many levels (from the front) may
// be touched — Depth when overflow consumption is disabled, len(levels)
// when enabled. It returns the quantity actually consumed.
func (s *bookSide) consume(qty decimalx.Decimal, limit int) decimalx.Decimal {
	if limit > len(s.levels) {
		limit = len(s.levels)
	}
	remaining := qty
	i := 0
	for i < limit && i < len(s.levels) && remaining.IsPositive() {
		lvl := s.levels[i]
		if lvl.Quantity.Cmp(remaining) <= 0 {
			remaining = remaining.Sub(lvl.Quantity)
			s.levels = append(s.levels[:i], s.levels[i+1:]...)
			limit--
			continue
		}
		s.levels[i].Quantity = lvl.Quantity.Sub(remaining)
		remaining = decimalx.Zero
	}
	return qty.Sub(remaining)
}

// Engine owns one symbol's book state.
type Engine struct {
	symbol string
	cfg    Config
	logger *zap.Logger

	state State

	bids bookSide
	asks bookSide

	lastAppliedUpdateID int64
	lastEventTimestamp  int64
	tainted             bool

	pending []model.UnifiedEvent

	counters Counters

	arrivalCounter uint64
}

// New builds an Engine for symbol, starting Uninitialized.
func New(symbol string, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		symbol: symbol,
		cfg:    cfg,
		logger: logger,
		state:  StateUninitialized,
		bids:   bookSide{isBid: true},
		asks:   bookSide{isBid: false},
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return e.state }

// Counters returns a copy of the accumulated non-fatal condition counts.
func (e *Engine) Counters() Counters { return e.counters }

// LastAppliedUpdateID returns the last strictly-applied delta update_id.
func (e *Engine) LastAppliedUpdateID() int64 { return e.lastAppliedUpdateID }

// LastEventTimestamp returns the monotonic high-water timestamp.
func (e *Engine) LastEventTimestamp() int64 { return e.lastEventTimestamp }

// Apply processes one unified event and returns the enriched events it
// produces. Ordinarily this is exactly one event; applying the
// snapshot that transitions the book out of Uninitialized also flushes
// any events buffered in the pending queue, in arrival order, each
// producing its own enriched event.
func (e *Engine) Apply(ev model.UnifiedEvent) ([]model.EnrichedEvent, error) {
	switch e.state {
	case StateDraining, StateClosed:
		return nil, errorsx.New(errorsx.ConfigError, "engine is not accepting events").
			WithDetail("symbol", e.symbol).WithDetail("state", e.state.String())
	case StateUninitialized:
		if ev.EventType != model.KindBookSnapshot {
			return nil, e.buffer(ev)
		}
		return e.initialize(ev)
	default:
		e.state = StateRunning
		enriched, err := e.applyOne(ev)
		if err != nil {
			return nil, err
		}
		return []model.EnrichedEvent{enriched}, nil
	}
}

func (e *Engine) buffer(ev model.UnifiedEvent) error {
	if len(e.pending) >= e.cfg.PendingQueueCapacity {
		return errorsx.New(errorsx.InitializationOverflow, "pending queue exceeded before first snapshot").
			WithDetail("symbol", e.symbol).
			WithDetail("capacity", e.cfg.PendingQueueCapacity)
	}
	e.pending = append(e.pending, ev)
	return nil
}

func (e *Engine) initialize(ev model.UnifiedEvent) ([]model.EnrichedEvent, error) {
	enriched, err := e.applySnapshot(ev, false)
	if err != nil {
		return nil, err
	}
	e.state = StateInitialized

	out := make([]model.EnrichedEvent, 0, len(e.pending)+1)
	out = append(out, enriched)

	pending := e.pending
	e.pending = nil
	e.state = StateRunning
	for _, pev := range pending {
		pe, err := e.applyOne(pev)
		if err != nil {
			return out, err
		}
		out = append(out, pe)
	}
	return out, nil
}

func (e *Engine) applyOne(ev model.UnifiedEvent) (model.EnrichedEvent, error) {
	switch ev.EventType {
	case model.KindBookSnapshot:
		return e.applySnapshot(ev, true)
	case model.KindBookDelta:
		return e.applyDelta(ev)
	case model.KindTrade:
		return e.applyTrade(ev)
	default:
		return model.EnrichedEvent{}, errorsx.New(errorsx.SchemaError, "unknown event kind")
	}
}

func (e *Engine) advanceClock(ts int64) {
	if ts > e.lastEventTimestamp {
		e.lastEventTimestamp = ts
	}
}

func (e *Engine) applySnapshot(ev model.UnifiedEvent, measureDrift bool) (model.EnrichedEvent, error) {
	snap := ev.Raw.Snapshot
	var driftPtr *float64
	if measureDrift {
		d := e.drift(snap)
		driftPtr = &d
		if d > e.cfg.DriftThreshold {
			e.counters.HighDriftWarningCount++
			e.logger.Warn("high snapshot drift",
				zap.String("symbol", e.symbol), zap.Float64("drift", d))
		}
	}

	e.bids.resetFrom(topLevels(snap.Bids, e.cfg.Depth))
	e.asks.resetFrom(topLevels(snap.Asks, e.cfg.Depth))
	e.tainted = false
	e.advanceClock(snap.OriginTime)

	return model.EnrichedEvent{
		Unified: ev,
		Post: model.PostState{
			Bids:    e.bids.top(e.cfg.Depth),
			Asks:    e.asks.top(e.cfg.Depth),
			Drift:   driftPtr,
			Tainted: e.tainted,
		},
	}, nil
}

func topLevels(levels []model.Level, depth int) []model.Level {
	if len(levels) <= depth {
		return levels
	}
	return levels[:depth]
}

// drift computes the RMS of per-level notional (price*qty) differences
// between the current top-Depth book and snap's top-Depth levels,
// normalized by the mean notional of the new snapshot (a relative
// measure, per spec §4.3's "configurable threshold, default 1e-3
// relative").
func (e *Engine) drift(snap *model.BookSnapshot) float64 {
	sumSq := 0.0
	sumAbs := 0.0
	n := 0

	measure := func(current []model.Level, incoming []model.Level) {
		max := len(current)
		if len(incoming) > max {
			max = len(incoming)
		}
		for i := 0; i < max; i++ {
			var oldNotional, newNotional float64
			if i < len(current) {
				oldNotional = current[i].Price.Mul(current[i].Quantity).Float64()
			}
			if i < len(incoming) {
				newNotional = incoming[i].Price.Mul(incoming[i].Quantity).Float64()
			}
			diff := oldNotional - newNotional
			sumSq += diff * diff
			sumAbs += math.Abs(newNotional)
			n++
		}
	}
	measure(e.bids.top(e.cfg.Depth), snap.Bids)
	measure(e.asks.top(e.cfg.Depth), snap.Asks)

	if n == 0 {
		return 0
	}
	rms := math.Sqrt(sumSq / float64(n))
	meanAbs := sumAbs / float64(n)
	if meanAbs == 0 {
		return 0
	}
	return rms / meanAbs
}

func (e *Engine) applyDelta(ev model.UnifiedEvent) (model.EnrichedEvent, error) {
	delta := ev.Raw.Delta

	if delta.UpdateID <= e.lastAppliedUpdateID {
		e.counters.DuplicateDeltaCount++
		e.advanceClock(delta.OriginTime)
		return model.EnrichedEvent{
			Unified: ev,
			Post: model.PostState{
				Bids:    e.bids.top(e.cfg.Depth),
				Asks:    e.asks.top(e.cfg.Depth),
				Tainted: e.tainted,
			},
		}, nil
	}

	// The first delta applied after a snapshot sets the sequence baseline.
	if e.lastAppliedUpdateID > 0 && delta.UpdateID > e.lastAppliedUpdateID+1 {
		gap := uint64(delta.UpdateID - e.lastAppliedUpdateID - 1)
		e.counters.GapCount++
		e.counters.GapSizeSum += gap
		e.tainted = true
		e.logger.Warn("delta sequence gap detected",
			zap.String("symbol", e.symbol),
			zap.Int64("last_applied", e.lastAppliedUpdateID),
			zap.Int64("update_id", delta.UpdateID),
			zap.Uint64("gap", gap))
	}

	side := &e.bids
	if delta.Side == model.SideAsk {
		side = &e.asks
	}
	side.set(delta.Price, delta.NewQuantity)
	e.trimOverflow()

	e.lastAppliedUpdateID = delta.UpdateID
	e.advanceClock(delta.OriginTime)

	return model.EnrichedEvent{
		Unified: ev,
		Post: model.PostState{
			Bids:    e.bids.top(e.cfg.Depth),
			Asks:    e.asks.top(e.cfg.Depth),
			Tainted: e.tainted,
		},
	}, nil
}

func (e *Engine) applyTrade(ev model.UnifiedEvent) (model.EnrichedEvent, error) {
	trade := ev.Raw.Trade

	// The aggressor's side tells us which book side absorbs the trade:
	// a BUY aggressor lifts the offer (consumes asks), a SELL aggressor
	// hits the bid (consumes bids).
	side := &e.asks
	if trade.Side == model.TradeSell {
		side = &e.bids
	}

	limit := e.cfg.Depth
	if e.cfg.ConsumeOverflowOnTrade {
		limit = len(side.levels)
	}
	consumed := side.consume(trade.Quantity, limit)

	var hiddenPtr *decimalx.Decimal
	remainder := trade.Quantity.Sub(consumed)
	if remainder.IsPositive() {
		e.counters.HiddenLiquidityConsumed = e.counters.HiddenLiquidityConsumed.Add(remainder)
		hiddenPtr = &remainder
	}

	e.advanceClock(trade.OriginTime)

	return model.EnrichedEvent{
		Unified: ev,
		Post: model.PostState{
			Bids:                    e.bids.top(e.cfg.Depth),
			Asks:                    e.asks.top(e.cfg.Depth),
			HiddenLiquidityConsumed: hiddenPtr,
			Tainted:                 e.tainted,
		},
	}, nil
}

// trimOverflow enforces OverflowStoreCapacity beyond Depth on both
// sides, evicting the level farthest from the current mid-quote first.
func (e *Engine) trimOverflow() {
	mid := e.midQuote()
	e.trimSide(&e.bids, mid)
	e.trimSide(&e.asks, mid)
}

func (e *Engine) midQuote() decimalx.Decimal {
	switch {
	case len(e.bids.levels) > 0 && len(e.asks.levels) > 0:
		return e.bids.levels[0].Price.Add(e.asks.levels[0].Price).Mul(decimalx.NewFromInt64Pips(5, 1))
	case len(e.bids.levels) > 0:
		return e.bids.levels[0].Price
	case len(e.asks.levels) > 0:
		return e.asks.levels[0].Price
	default:
		return decimalx.Zero
	}
}

func (e *Engine) trimSide(s *bookSide, mid decimalx.Decimal) {
	limit := e.cfg.Depth + e.cfg.OverflowStoreCapacity
	for len(s.levels) > limit {
		farIdx := e.cfg.Depth
		farDist := s.levels[farIdx].Price.Sub(mid).Abs()
		for i := e.cfg.Depth + 1; i < len(s.levels); i++ {
			d := s.levels[i].Price.Sub(mid).Abs()
			if d.Cmp(farDist) > 0 {
				farDist = d
				farIdx = i
			}
		}
		s.levels = append(s.levels[:farIdx], s.levels[farIdx+1:]...)
	}
}

// SnapshotTopN returns the current top-N levels per side without
// mutating state (spec §4.3's snapshot_topN).
func (e *Engine) SnapshotTopN(n int) (bids, asks model.BookLevels) {
	return e.bids.top(n), e.asks.top(n)
}

// EngineState is the full book state captured by a checkpoint,
// including the overflow levels a Post-state top-N view discards
// (spec §4.6: "book state (both sides, including overflow)").
type EngineState struct {
	Symbol              string
	Lifecycle           State
	Bids                []model.Level
	Asks                []model.Level
	LastAppliedUpdateID  int64
	LastEventTimestamp   int64
	Tainted              bool
	Counters             Counters
	ArrivalCounter       uint64
}

// ExportState captures a copy-on-write snapshot of the engine suitable
// for the checkpoint service to serialize asynchronously without
// blocking subsequent Apply calls — the slices are copied so later
// mutation of e.bids/e.asks cannot race with the snapshot's encoder.
func (e *Engine) ExportState() EngineState {
	return EngineState{
		Symbol:              e.symbol,
		Lifecycle:           e.state,
		Bids:                append([]model.Level(nil), e.bids.levels...),
		Asks:                append([]model.Level(nil), e.asks.levels...),
		LastAppliedUpdateID: e.lastAppliedUpdateID,
		LastEventTimestamp:  e.lastEventTimestamp,
		Tainted:             e.tainted,
		Counters:            e.counters,
		ArrivalCounter:      e.arrivalCounter,
	}
}

// RestoreState reinstates an engine from a checkpointed EngineState,
// used on worker restart before WAL replay resumes (spec §4.6 recovery
// procedure step 2).
func (e *Engine) RestoreState(s EngineState) {
	e.symbol = s.Symbol
	e.state = s.Lifecycle
	e.bids.resetFrom(s.Bids)
	e.asks.resetFrom(s.Asks)
	e.lastAppliedUpdateID = s.LastAppliedUpdateID
	e.lastEventTimestamp = s.LastEventTimestamp
	e.tainted = s.Tainted
	e.counters = s.Counters
	e.arrivalCounter = s.ArrivalCounter
	e.pending = nil
}

// Drain transitions the engine to Draining; no further events may be
// applied once in this state (the Replayer flushes Sink/WAL/checkpoint
// around this transition).
func (e *Engine) Drain() {
	e.state = StateDraining
}

// Close transitions the engine to its terminal state.
func (e *Engine) Close() {
	e.state = StateClosed
}
