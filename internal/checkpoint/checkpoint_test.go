package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/book"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/decimalx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
)

func sampleState(t *testing.T, symbol string) book.EngineState {
	t.Helper()
	price, err := decimalx.NewFromString("100")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	qty, err := decimalx.NewFromString("5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return book.EngineState{
		Symbol:              symbol,
		Lifecycle:           book.StateRunning,
		Bids:                []model.Level{{Price: price, Quantity: qty}},
		LastAppliedUpdateID: 42,
		LastEventTimestamp:  1000,
	}
}

func waitForFile(t *testing.T, dir string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(dir)
		if len(entries) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for checkpoint file in %s", dir)
}

func TestSaveAsyncThenLatestRoundTrips(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 3, 2, zap.NewNop())

	cp := Checkpoint{
		Symbol:            "BTC-USD",
		Engine:            sampleState(t, "BTC-USD"),
		ReplayPosition:    7,
		WALSegmentPath:    "wal/BTC-USD/00000000000000000001.wal.zst",
		WALHighWaterMark:  128,
		SinkHighWaterMark: "partition-2026070100",
	}
	m.SaveAsync(cp)
	m.Wait()

	waitForFile(t, filepath.Join(dir, "BTC-USD"), time.Second)

	got, ok, err := m.Latest("BTC-USD")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !ok {
		t.Fatal("expected a checkpoint to be found")
	}
	if got.ReplayPosition != 7 || got.SinkHighWaterMark != "partition-2026070100" {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}
	if got.FormatVersion != FormatVersion {
		t.Fatalf("expected format version %s, got %s", FormatVersion, got.FormatVersion)
	}
	if got.Engine.LastAppliedUpdateID != 42 {
		t.Fatalf("expected engine state to round-trip, got %+v", got.Engine)
	}
}

func TestLatestOnEmptyDirReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 3, 2, zap.NewNop())

	_, ok, err := m.Latest("ETH-USD")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if ok {
		t.Fatal("expected no checkpoint for a symbol with none saved")
	}
}

func TestRetentionPrunesOldestCheckpoints(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 2, 2, zap.NewNop())

	for i := 0; i < 4; i++ {
		cp := Checkpoint{Symbol: "BTC-USD", Engine: sampleState(t, "BTC-USD"), ReplayPosition: uint64(i)}
		m.SaveAsync(cp)
		m.Wait()
		time.Sleep(2 * time.Millisecond) // ensure distinct timestamp-prefixed filenames
	}

	files, err := m.listFiles("BTC-USD")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected retention to keep 2 checkpoints, found %d: %v", len(files), files)
	}

	got, ok, err := m.Latest("BTC-USD")
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if got.ReplayPosition != 3 {
		t.Fatalf("expected the newest checkpoint (replay_pos=3) to survive, got %d", got.ReplayPosition)
	}
}

func TestCorruptedCheckpointIsDetected(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 3, 2, zap.NewNop())

	cp := Checkpoint{Symbol: "BTC-USD", Engine: sampleState(t, "BTC-USD")}
	m.SaveAsync(cp)
	m.Wait()

	files, err := m.listFiles("BTC-USD")
	if err != nil || len(files) != 1 {
		t.Fatalf("expected exactly one checkpoint file, got %v (err=%v)", files, err)
	}

	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)-2] ^= 0xFF
	if err := os.WriteFile(files[0], data, 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if _, err := m.load(files[0]); err == nil {
		t.Fatal("expected the corrupted checkpoint to be rejected")
	}
}
