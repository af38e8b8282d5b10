package model

import (
	"testing"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/decimalx"
)

func TestRawEventOriginTimeAndUpdateID(t *testing.T) {
	delta := RawEvent{
		Kind: KindBookDelta,
		Delta: &BookDelta{
			OriginTime: 42,
			UpdateID:   7,
			Side:       SideBid,
		},
	}
	if delta.OriginTime() != 42 {
		t.Fatalf("expected origin time 42, got %d", delta.OriginTime())
	}
	if delta.UpdateID() != 7 {
		t.Fatalf("expected update id 7, got %d", delta.UpdateID())
	}

	price, _ := decimalx.NewFromString("100.00")
	qty, _ := decimalx.NewFromString("1")
	trade := RawEvent{
		Kind: KindTrade,
		Trade: &Trade{
			OriginTime: 99,
			Price:      price,
			Quantity:   qty,
			Side:       TradeBuy,
		},
	}
	if trade.OriginTime() != 99 {
		t.Fatalf("expected origin time 99, got %d", trade.OriginTime())
	}
	if trade.UpdateID() != 0 {
		t.Fatalf("expected update id 0 for trade, got %d", trade.UpdateID())
	}
}

func TestEventKindStringsMatchWireVocabulary(t *testing.T) {
	cases := map[EventKind]string{
		KindBookSnapshot: "BOOK_SNAPSHOT",
		KindBookDelta:    "BOOK_DELTA",
		KindTrade:        "TRADE",
	}
	for kind, want := range cases {
		if kind.String() != want {
			t.Errorf("kind %d: got %s, want %s", kind, kind.String(), want)
		}
	}
}
