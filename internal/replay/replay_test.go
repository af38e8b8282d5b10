package replay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/checkpoint"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/decimalx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/sink"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/telemetry"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/unify"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/wal"
)

// sliceSource replays a fixed slice of raw events, then reports EOF —
// a stand-in for a real ingest.Reader in these tests.
type sliceSource struct {
	events []model.RawEvent
	idx    int
}

func (s *sliceSource) Next(ctx context.Context) (model.RawEvent, bool, error) {
	if s.idx >= len(s.events) {
		return model.RawEvent{}, false, nil
	}
	ev := s.events[s.idx]
	ev.ArrivalIndex = uint64(s.idx)
	s.idx++
	return ev, true, nil
}

func mustDecimal(t *testing.T, s string) decimalx.Decimal {
	t.Helper()
	d, err := decimalx.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func sampleEvents(t *testing.T) []model.RawEvent {
	t.Helper()
	return []model.RawEvent{
		{
			Kind: model.KindBookSnapshot,
			Snapshot: &model.BookSnapshot{
				OriginTime: 1_000,
				Bids:       []model.Level{{Price: mustDecimal(t, "100"), Quantity: mustDecimal(t, "2")}},
				Asks:       []model.Level{{Price: mustDecimal(t, "101"), Quantity: mustDecimal(t, "2")}},
			},
		},
		{
			Kind: model.KindBookDelta,
			Delta: &model.BookDelta{
				OriginTime:  1_001,
				UpdateID:    1,
				Side:        model.SideBid,
				Price:       mustDecimal(t, "100"),
				NewQuantity: mustDecimal(t, "3"),
			},
		},
		{
			Kind: model.KindTrade,
			Trade: &model.Trade{
				OriginTime: 1_002,
				Price:      mustDecimal(t, "101"),
				Quantity:   mustDecimal(t, "1"),
				Side:       model.TradeBuy,
			},
		},
	}
}

func newHarness(t *testing.T, symbol string, events []model.RawEvent) (*Replayer, string) {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	walPath := wal.SegmentPath(dir, symbol, 0)
	walWriter, err := wal.NewWriter(walPath, wal.Header{Symbol: symbol, StartTimestamp: 0}, 500, time.Hour, logger)
	if err != nil {
		t.Fatalf("wal writer: %v", err)
	}

	sinkWriter, err := sink.NewWriter(filepath.Join(dir, "out"), symbol, 2, logger)
	if err != nil {
		t.Fatalf("sink writer: %v", err)
	}

	checkpoints := checkpoint.NewManager(filepath.Join(dir, "checkpoints"), 3, 2, logger)

	u := unify.New([]unify.Source{&sliceSource{events: events}}, unify.DropWithLog, logger)

	cfg := DefaultConfig(symbol)
	cfg.OutRoot = filepath.Join(dir, "out")
	cfg.WALSegmentPath = walPath
	cfg.CheckpointEveryEvents = 1 // checkpoint after every emitted event, to exercise the trigger deterministically
	cfg.CheckpointEveryPeriod = time.Hour

	r := New(cfg, u, walWriter, sinkWriter, checkpoints, telemetry.New(), logger)
	return r, dir
}

func TestRunProcessesFullStreamAndCheckpoints(t *testing.T) {
	r, dir := newHarness(t, "BTC-USD", sampleEvents(t))

	resume, err := r.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if resume != 0 {
		t.Fatalf("expected a fresh worker to resume from 0, got %d", resume)
	}

	if err := r.Run(context.Background(), resume); err != nil {
		t.Fatalf("run: %v", err)
	}
	r.checkpoints.Wait()

	if got := r.engine.LastAppliedUpdateID(); got != 1 {
		t.Fatalf("expected last applied update_id 1, got %d", got)
	}

	cp, ok, err := r.checkpoints.Latest("BTC-USD")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if !ok {
		t.Fatal("expected at least one checkpoint to have been taken")
	}
	if cp.ReplayPosition == 0 {
		t.Fatal("expected a non-zero replay position in the final checkpoint")
	}

	_ = dir
}

func TestRecoverOnFreshWorkerReturnsZero(t *testing.T) {
	r, _ := newHarness(t, "ETH-USD", sampleEvents(t))
	resume, err := r.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if resume != 0 {
		t.Fatalf("expected 0, got %d", resume)
	}
}

// TestRecoverAfterCheckpointSkipsAlreadyAppliedEvents simulates a crash
// and restart: a second Replayer, sharing only the on-disk checkpoint
// and sink directories with the first, must restore the exact engine
// state and resume position spec §4.6 recovery promises — without
// re-applying events to the Engine from WAL.
func TestRecoverAfterCheckpointSkipsAlreadyAppliedEvents(t *testing.T) {
	dir := t.TempDir()
	symbol := "BTC-USD"
	logger := zap.NewNop()
	outRoot := filepath.Join(dir, "out")
	checkpointDir := filepath.Join(dir, "checkpoints")

	walPath := wal.SegmentPath(dir, symbol, 0)
	walWriter, err := wal.NewWriter(walPath, wal.Header{Symbol: symbol}, 500, time.Hour, logger)
	if err != nil {
		t.Fatalf("wal writer: %v", err)
	}
	sinkWriter, err := sink.NewWriter(outRoot, symbol, 2, logger)
	if err != nil {
		t.Fatalf("sink writer: %v", err)
	}
	checkpoints := checkpoint.NewManager(checkpointDir, 3, 2, logger)

	u := unify.New([]unify.Source{&sliceSource{events: sampleEvents(t)}}, unify.DropWithLog, logger)
	cfg := DefaultConfig(symbol)
	cfg.OutRoot = outRoot
	cfg.WALSegmentPath = walPath
	cfg.CheckpointEveryEvents = 1

	r := New(cfg, u, walWriter, sinkWriter, checkpoints, telemetry.New(), logger)
	if _, err := r.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if err := r.Run(context.Background(), 0); err != nil {
		t.Fatalf("run: %v", err)
	}
	firstRunLastApplied := r.engine.LastAppliedUpdateID()

	// A fresh process: new Replayer, new wal.Writer for new records, new
	// checkpoint.Manager instance, but pointed at the same on-disk
	// checkpoint/sink directories a restarted worker would reattach to.
	walPath2 := wal.SegmentPath(dir, symbol, 1)
	walWriter2, err := wal.NewWriter(walPath2, wal.Header{Symbol: symbol}, 500, time.Hour, logger)
	if err != nil {
		t.Fatalf("wal writer 2: %v", err)
	}
	sinkWriter2, err := sink.NewWriter(outRoot, symbol, 2, logger)
	if err != nil {
		t.Fatalf("sink writer 2: %v", err)
	}
	checkpoints2 := checkpoint.NewManager(checkpointDir, 3, 2, logger)
	u2 := unify.New([]unify.Source{&sliceSource{events: sampleEvents(t)}}, unify.DropWithLog, logger)
	cfg2 := cfg
	cfg2.WALSegmentPath = walPath2

	r2 := New(cfg2, u2, walWriter2, sinkWriter2, checkpoints2, telemetry.New(), logger)
	resume2, err := r2.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover after restart: %v", err)
	}
	if resume2 == 0 {
		t.Fatal("expected recovery to resume past the events already applied before the simulated crash")
	}
	if r2.engine.LastAppliedUpdateID() != firstRunLastApplied {
		t.Fatalf("expected restored engine state to match the pre-crash state, got %d want %d",
			r2.engine.LastAppliedUpdateID(), firstRunLastApplied)
	}
}

func TestRunDrainsAndClosesEngine(t *testing.T) {
	r, _ := newHarness(t, "BTC-USD", sampleEvents(t))
	if _, err := r.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if err := r.Run(context.Background(), 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	if r.engine.State().String() != "closed" {
		t.Fatalf("expected engine to be closed after Drain, got %s", r.engine.State())
	}
}
