package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
)

func writeFixture(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "partition.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	return path
}

func TestReaderDecodesTradesInOrder(t *testing.T) {
	path := writeFixture(t,
		`{"origin_time":1,"price":"100.50","quantity":"2","side":"BUY","trade_id":"t1"}`,
		`{"origin_time":2,"price":"100.60","quantity":"1","side":"SELL","trade_id":"t2"}`,
	)
	r, err := NewJSONLReader(path, model.KindTrade, Config{BatchSize: 1}, zap.NewNop())
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	var got []int64
	for {
		ev, ok, err := r.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, ev.Trade.OriginTime)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected trades: %v", got)
	}
}

func TestReaderAssignsIncrementingArrivalIndex(t *testing.T) {
	path := writeFixture(t,
		`{"origin_time":1,"update_id":10,"side":"BID","price":"100","new_quantity":"1"}`,
		`{"origin_time":2,"update_id":11,"side":"BID","price":"100","new_quantity":"2"}`,
		`{"origin_time":3,"update_id":12,"side":"BID","price":"100","new_quantity":"3"}`,
	)
	r, err := NewJSONLReader(path, model.KindBookDelta, Config{BatchSize: 2}, zap.NewNop())
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	var indices []uint64
	for {
		ev, ok, err := r.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		indices = append(indices, ev.ArrivalIndex)
	}
	want := []uint64{0, 1, 2}
	if len(indices) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(indices))
	}
	for i := range want {
		if indices[i] != want[i] {
			t.Fatalf("index %d: got %d want %d", i, indices[i], want[i])
		}
	}
}

func TestReaderSkipsMalformedRowsAsDecodeErrors(t *testing.T) {
	path := writeFixture(t,
		`{"origin_time":1,"price":"not-a-number","quantity":"2","side":"BUY"}`,
		`{"origin_time":2,"price":"100","quantity":"2","side":"BUY"}`,
	)
	r, err := NewJSONLReader(path, model.KindTrade, Config{BatchSize: 10}, zap.NewNop())
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	ev, ok, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !ok {
		t.Fatal("expected the one valid row to survive")
	}
	if ev.Trade.OriginTime != 2 {
		t.Fatalf("expected the valid row (origin_time=2), got %d", ev.Trade.OriginTime)
	}

	_, ok, err = r.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ok {
		t.Fatal("expected end of stream")
	}
}

func TestReaderDeltaMissingUpdateIDIsSchemaError(t *testing.T) {
	path := writeFixture(t,
		`{"origin_time":1,"update_id":0,"side":"BID","price":"100","new_quantity":"1"}`,
	)
	r, err := NewJSONLReader(path, model.KindBookDelta, Config{BatchSize: 10}, zap.NewNop())
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()

	_, ok, err := r.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ok {
		t.Fatal("expected the malformed delta to be dropped, not fatal at the reader level")
	}
}

func TestReaderUnknownPartitionFileIsIoError(t *testing.T) {
	_, err := NewJSONLReader(filepath.Join(t.TempDir(), "missing.jsonl"), model.KindTrade, Config{}, zap.NewNop())
	if err == nil {
		t.Fatal("expected IoError opening a missing partition")
	}
}
