package unify

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
)

// sliceSource replays a fixed slice of RawEvents, stamping ArrivalIndex
// in slice order, mimicking a single ingestion partition.
type sliceSource struct {
	events []model.RawEvent
	pos    int
}

func newSliceSource(events []model.RawEvent) *sliceSource {
	for i := range events {
		events[i].ArrivalIndex = uint64(i)
	}
	return &sliceSource{events: events}
}

func (s *sliceSource) Next(ctx context.Context) (model.RawEvent, bool, error) {
	if s.pos >= len(s.events) {
		return model.RawEvent{}, false, nil
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, true, nil
}

func trade(ot int64) model.RawEvent {
	return model.RawEvent{Kind: model.KindTrade, Trade: &model.Trade{OriginTime: ot}}
}

func snap(ot int64) model.RawEvent {
	return model.RawEvent{Kind: model.KindBookSnapshot, Snapshot: &model.BookSnapshot{OriginTime: ot}}
}

func delta(ot int64, updateID int64) model.RawEvent {
	return model.RawEvent{Kind: model.KindBookDelta, Delta: &model.BookDelta{OriginTime: ot, UpdateID: updateID}}
}

func TestUnifierMergesByOriginTime(t *testing.T) {
	trades := newSliceSource([]model.RawEvent{trade(3), trade(5)})
	snaps := newSliceSource([]model.RawEvent{snap(1), snap(4)})
	deltas := newSliceSource([]model.RawEvent{delta(2, 10)})

	u := New([]Source{trades, snaps, deltas}, DropWithLog, zap.NewNop())

	var got []int64
	for {
		ev, ok, err := u.Next(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, ev.EventTimestamp)
	}

	want := []int64{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %d want %d (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestUnifierTieBreakSnapshotBeforeDeltaBeforeTrade(t *testing.T) {
	trades := newSliceSource([]model.RawEvent{trade(1)})
	snaps := newSliceSource([]model.RawEvent{snap(1)})
	deltas := newSliceSource([]model.RawEvent{delta(1, 1)})

	u := New([]Source{trades, snaps, deltas}, DropWithLog, zap.NewNop())

	var kinds []model.EventKind
	for {
		ev, ok, err := u.Next(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		kinds = append(kinds, ev.EventType)
	}

	want := []model.EventKind{model.KindBookSnapshot, model.KindBookDelta, model.KindTrade}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("position %d: got %s want %s", i, kinds[i], want[i])
		}
	}
}

func TestUnifierDeltaMissingUpdateIDIsFatal(t *testing.T) {
	deltas := newSliceSource([]model.RawEvent{delta(1, 0)})
	u := New([]Source{deltas}, DropWithLog, zap.NewNop())

	_, _, err := u.Next(context.Background())
	if err == nil {
		t.Fatal("expected fatal schema error for delta missing update_id")
	}
}

func TestUnifierOutOfOrderDroppedByDefault(t *testing.T) {
	trades := newSliceSource([]model.RawEvent{trade(5), trade(4), trade(6)})
	u := New([]Source{trades}, DropWithLog, zap.NewNop())

	var got []int64
	for {
		ev, ok, err := u.Next(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, ev.EventTimestamp)
	}

	want := []int64{5, 6}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %d want %d", i, got[i], want[i])
		}
	}
	if u.OutOfOrderCount != 1 {
		t.Fatalf("expected 1 out-of-order event, got %d", u.OutOfOrderCount)
	}
}
