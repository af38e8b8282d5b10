package book

import (
	"testing"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/decimalx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
)

func dec(t *testing.T, s string) decimalx.Decimal {
	t.Helper()
	v, err := decimalx.NewFromString(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func lvl(t *testing.T, price, qty string) model.Level {
	return model.Level{Price: dec(t, price), Quantity: dec(t, qty)}
}

func snapshotEvent(t *testing.T, ts int64, bids, asks []model.Level) model.UnifiedEvent {
	snap := &model.BookSnapshot{OriginTime: ts, Bids: bids, Asks: asks}
	return model.UnifiedEvent{
		EventTimestamp: ts,
		EventType:      model.KindBookSnapshot,
		Raw:            model.RawEvent{Kind: model.KindBookSnapshot, Snapshot: snap},
	}
}

func deltaEvent(t *testing.T, ts, updateID int64, side model.Side, price, qty string) model.UnifiedEvent {
	d := &model.BookDelta{OriginTime: ts, UpdateID: updateID, Side: side, Price: dec(t, price), NewQuantity: dec(t, qty)}
	return model.UnifiedEvent{
		EventTimestamp: ts,
		EventType:      model.KindBookDelta,
		UpdateID:       updateID,
		Raw:            model.RawEvent{Kind: model.KindBookDelta, Delta: d},
	}
}

func tradeEvent(t *testing.T, ts int64, side model.TradeSide, price, qty string) model.UnifiedEvent {
	tr := &model.Trade{OriginTime: ts, Price: dec(t, price), Quantity: dec(t, qty), Side: side}
	return model.UnifiedEvent{
		EventTimestamp: ts,
		EventType:      model.KindTrade,
		Raw:            model.RawEvent{Kind: model.KindTrade, Trade: tr},
	}
}

func assertLevels(t *testing.T, got model.BookLevels, want []model.Level) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d levels, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i].Price.Cmp(want[i].Price) != 0 || got[i].Quantity.Cmp(want[i].Quantity) != 0 {
			t.Fatalf("level %d: got (%s,%s) want (%s,%s)", i, got[i].Price, got[i].Quantity, want[i].Price, want[i].Quantity)
		}
	}
}

// Scenario A — Snapshot-only cold start.
func TestScenarioASnapshotColdStart(t *testing.T) {
	e := New("BTC-USD", DefaultConfig(), zap.NewNop())

	ev := snapshotEvent(t, 1_000_000,
		[]model.Level{lvl(t, "100.00", "1"), lvl(t, "99.99", "2")},
		[]model.Level{lvl(t, "100.01", "3"), lvl(t, "100.02", "4")})

	out, err := e.Apply(ev)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 enriched event, got %d", len(out))
	}
	if out[0].Post.Drift != nil {
		t.Fatalf("expected no drift on cold start, got %v", *out[0].Post.Drift)
	}
	assertLevels(t, out[0].Post.Bids, []model.Level{lvl(t, "100.00", "1"), lvl(t, "99.99", "2")})
	assertLevels(t, out[0].Post.Asks, []model.Level{lvl(t, "100.01", "3"), lvl(t, "100.02", "4")})
	if e.State() != StateRunning {
		t.Fatalf("expected Running state, got %s", e.State())
	}
}

// Scenario B — Snapshot, delta, trade, snapshot.
func TestScenarioBFullCycle(t *testing.T) {
	e := New("BTC-USD", DefaultConfig(), zap.NewNop())

	out, err := e.Apply(snapshotEvent(t, 1, []model.Level{lvl(t, "100", "1")}, []model.Level{lvl(t, "101", "1")}))
	if err != nil {
		t.Fatalf("snapshot 1: %v", err)
	}
	assertLevels(t, out[0].Post.Bids, []model.Level{lvl(t, "100", "1")})
	assertLevels(t, out[0].Post.Asks, []model.Level{lvl(t, "101", "1")})

	out, err = e.Apply(deltaEvent(t, 2, 10, model.SideBid, "100", "3"))
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	assertLevels(t, out[0].Post.Bids, []model.Level{lvl(t, "100", "3")})
	assertLevels(t, out[0].Post.Asks, []model.Level{lvl(t, "101", "1")})

	out, err = e.Apply(tradeEvent(t, 3, model.TradeBuy, "101", "2"))
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	assertLevels(t, out[0].Post.Bids, []model.Level{lvl(t, "100", "3")})
	assertLevels(t, out[0].Post.Asks, []model.Level{})
	if out[0].Post.HiddenLiquidityConsumed == nil {
		t.Fatal("expected hidden liquidity consumed")
	}
	if out[0].Post.HiddenLiquidityConsumed.Cmp(dec(t, "1")) != 0 {
		t.Fatalf("expected hidden liquidity 1, got %s", out[0].Post.HiddenLiquidityConsumed)
	}

	out, err = e.Apply(snapshotEvent(t, 4, []model.Level{lvl(t, "100", "3")}, nil))
	if err != nil {
		t.Fatalf("snapshot 2: %v", err)
	}
	assertLevels(t, out[0].Post.Bids, []model.Level{lvl(t, "100", "3")})
	assertLevels(t, out[0].Post.Asks, []model.Level{})
	if out[0].Post.Drift == nil {
		t.Fatal("expected drift to be computed on resync")
	}
}

// Scenario C — Delta gap then snapshot.
func TestScenarioCGapTainting(t *testing.T) {
	e := New("BTC-USD", DefaultConfig(), zap.NewNop())

	_, err := e.Apply(snapshotEvent(t, 1, []model.Level{lvl(t, "100", "1")}, []model.Level{lvl(t, "101", "1")}))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	_, err = e.Apply(deltaEvent(t, 2, 5, model.SideBid, "100", "2"))
	if err != nil {
		t.Fatalf("delta 5: %v", err)
	}
	_, err = e.Apply(deltaEvent(t, 3, 6, model.SideBid, "100", "3"))
	if err != nil {
		t.Fatalf("delta 6: %v", err)
	}
	out, err := e.Apply(deltaEvent(t, 4, 9, model.SideBid, "100", "4"))
	if err != nil {
		t.Fatalf("delta 9: %v", err)
	}
	if !out[0].Post.Tainted {
		t.Fatal("expected book tainted after gap")
	}
	if e.Counters().GapCount != 1 {
		t.Fatalf("expected GapCount 1, got %d", e.Counters().GapCount)
	}
	if e.Counters().GapSizeSum != 2 {
		t.Fatalf("expected gap size 2, got %d", e.Counters().GapSizeSum)
	}

	out, err = e.Apply(snapshotEvent(t, 10, []model.Level{lvl(t, "100", "4")}, []model.Level{lvl(t, "101", "1")}))
	if err != nil {
		t.Fatalf("resync snapshot: %v", err)
	}
	if out[0].Post.Tainted {
		t.Fatal("expected taint cleared by resync")
	}
}

// Scenario E — Duplicate delta.
func TestScenarioEDuplicateDelta(t *testing.T) {
	e := New("BTC-USD", DefaultConfig(), zap.NewNop())

	_, err := e.Apply(snapshotEvent(t, 1, []model.Level{lvl(t, "100", "1")}, []model.Level{lvl(t, "101", "1")}))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	first, err := e.Apply(deltaEvent(t, 2, 100, model.SideBid, "100", "5"))
	if err != nil {
		t.Fatalf("first delta: %v", err)
	}
	second, err := e.Apply(deltaEvent(t, 3, 100, model.SideBid, "100", "99"))
	if err != nil {
		t.Fatalf("duplicate delta: %v", err)
	}

	if e.Counters().DuplicateDeltaCount != 1 {
		t.Fatalf("expected DuplicateDeltaCount 1, got %d", e.Counters().DuplicateDeltaCount)
	}
	assertLevels(t, second[0].Post.Bids, first[0].Post.Bids)
}

func TestInitializationOverflowIsFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PendingQueueCapacity = 2
	e := New("BTC-USD", cfg, zap.NewNop())

	_, err := e.Apply(tradeEvent(t, 1, model.TradeBuy, "100", "1"))
	if err != nil {
		t.Fatalf("buffer 1: %v", err)
	}
	_, err = e.Apply(tradeEvent(t, 2, model.TradeBuy, "100", "1"))
	if err != nil {
		t.Fatalf("buffer 2: %v", err)
	}
	_, err = e.Apply(tradeEvent(t, 3, model.TradeBuy, "100", "1"))
	if err == nil {
		t.Fatal("expected InitializationOverflow once pending queue is full")
	}
}

func TestNoCrossedBookAfterSnapshot(t *testing.T) {
	e := New("BTC-USD", DefaultConfig(), zap.NewNop())
	out, err := e.Apply(snapshotEvent(t, 1,
		[]model.Level{lvl(t, "100", "1")},
		[]model.Level{lvl(t, "101", "1")}))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	bestBid := out[0].Post.Bids[0].Price
	bestAsk := out[0].Post.Asks[0].Price
	if bestBid.Cmp(bestAsk) >= 0 {
		t.Fatalf("crossed book: bid %s >= ask %s", bestBid, bestAsk)
	}
}
