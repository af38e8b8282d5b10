// Package model defines the raw input records, the unified event
// schema, and the order-book state types shared by every stage of the
// reconstruction pipeline (spec §3).
package model

import (
	"github.com/abdoElHodaky/rlx-reconstruct/internal/decimalx"
)

// Side is an order-book side.
type Side int8

const (
	SideBid Side = iota
	SideAsk
)

func (s Side) String() string {
	if s == SideBid {
		return "BID"
	}
	return "ASK"
}

// TradeSide is the aggressor direction of a trade.
type TradeSide int8

const (
	TradeBuy TradeSide = iota
	TradeSell
)

func (s TradeSide) String() string {
	if s == TradeBuy {
		return "BUY"
	}
	return "SELL"
}

// EventKind tags which of the three input streams a record came from,
// and doubles as the Unifier's tie-break priority: lower value sorts
// first for equal (origin_time, update_id).
type EventKind int8

const (
	KindBookSnapshot EventKind = iota
	KindBookDelta
	KindTrade
)

func (k EventKind) String() string {
	switch k {
	case KindBookSnapshot:
		return "BOOK_SNAPSHOT"
	case KindBookDelta:
		return "BOOK_DELTA"
	case KindTrade:
		return "TRADE"
	default:
		return "UNKNOWN"
	}
}

// Level is a single (price, quantity) pair.
type Level struct {
	Price    decimalx.Decimal
	Quantity decimalx.Decimal
}

// Trade is a raw trade record (spec §3).
type Trade struct {
	OriginTime int64 // ns since epoch
	Price      decimalx.Decimal
	Quantity   decimalx.Decimal
	Side       TradeSide
	TradeID    string // empty when absent
}

// BookSnapshot is a raw wide-format L2 snapshot, up to 20 levels/side.
type BookSnapshot struct {
	OriginTime int64
	Bids       []Level
	Asks       []Level
}

// BookDelta is a raw differential update to a single price level.
// NewQuantity == 0 means "remove this level".
type BookDelta struct {
	OriginTime  int64
	UpdateID    int64
	Side        Side
	Price       decimalx.Decimal
	NewQuantity decimalx.Decimal
}

// RawEvent wraps exactly one of Trade, BookSnapshot, or BookDelta along
// with the metadata the Unifier needs to order it: its kind (for the
// tie-break) and its arrival index within its own source (for the
// stable tie-break once origin_time and update_id both tie).
type RawEvent struct {
	Kind         EventKind
	ArrivalIndex uint64
	Trade        *Trade
	Snapshot     *BookSnapshot
	Delta        *BookDelta
}

// OriginTime returns the event's master clock value regardless of kind.
func (e RawEvent) OriginTime() int64 {
	switch e.Kind {
	case KindTrade:
		return e.Trade.OriginTime
	case KindBookSnapshot:
		return e.Snapshot.OriginTime
	case KindBookDelta:
		return e.Delta.OriginTime
	}
	return 0
}

// UpdateID returns the delta's update_id, or 0 for kinds without one.
// 0 is a valid sentinel here because update_id is only used as a sort
// key among events of the same kind in the same (origin_time) bucket;
// it is never compared across kinds.
func (e RawEvent) UpdateID() int64 {
	if e.Kind == KindBookDelta {
		return e.Delta.UpdateID
	}
	return 0
}

// UnifiedEvent is a RawEvent after Unifier normalization, still without
// post-state; the Order-Book Engine enriches it into an EnrichedEvent.
type UnifiedEvent struct {
	EventTimestamp int64
	EventType      EventKind
	UpdateID       int64 // present (non-zero-meaningful) only for deltas
	Raw            RawEvent
}

// BookLevels is the top-N snapshot of one side of the book, sorted best
// first (descending price for bids, ascending price for asks).
type BookLevels []Level

// PostState is the enriched post-application view of the book attached
// to every emitted event (spec §3, "Unified event").
type PostState struct {
	Bids BookLevels
	Asks BookLevels

	// Drift is populated only on BOOK_SNAPSHOT events; nil otherwise.
	Drift *float64

	// HiddenLiquidityConsumed is populated only on TRADE events where
	// the book's visible depth could not absorb the full trade quantity.
	HiddenLiquidityConsumed *decimalx.Decimal

	// Tainted reports whether the book was in a tainted (post-gap,
	// pre-resync) state immediately after this event was applied.
	Tainted bool
}

// EnrichedEvent is a UnifiedEvent plus the book's post-application
// state: the row written to WAL and Sink.
type EnrichedEvent struct {
	Unified   UnifiedEvent
	Post      PostState
	ReplayPos uint64 // monotonic position in this worker's unified stream
}
