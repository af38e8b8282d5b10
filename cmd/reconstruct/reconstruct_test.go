package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/abdoElHodaky/rlx-reconstruct/internal/errorsx"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/ingest"
	"github.com/abdoElHodaky/rlx-reconstruct/internal/model"
)

func TestExitCodeForInterruptIsAlwaysDetectedFirst(t *testing.T) {
	if code := exitCodeFor(context.Canceled); code != 130 {
		t.Fatalf("exitCodeFor(context.Canceled) = %d, want 130", code)
	}
	wrapped := errorsx.Wrap(context.Canceled, errorsx.IoError, "worker stopped")
	if code := exitCodeFor(wrapped); code != 130 {
		t.Fatalf("exitCodeFor(wrapped context.Canceled) = %d, want 130", code)
	}
}

func TestExitCodeForClassifiesErrorsxCodes(t *testing.T) {
	cases := []struct {
		code errorsx.Code
		want int
	}{
		{errorsx.ConfigError, 1},
		{errorsx.IoError, 3},
		{errorsx.CorruptWal, 2},
		{errorsx.CorruptCheckpoint, 2},
		{errorsx.OverflowError, 2},
		{errorsx.InitializationOverflow, 2},
		{errorsx.SchemaError, 2},
		{errorsx.DecodeError, 2},
	}
	for _, c := range cases {
		err := errorsx.New(c.code, "boom")
		if got := exitCodeFor(err); got != c.want {
			t.Errorf("exitCodeFor(%s) = %d, want %d", c.code, got, c.want)
		}
	}
}

func TestExitCodeForDefaultsToOneForUnclassifiedErrors(t *testing.T) {
	if code := exitCodeFor(errors.New("unexpected")); code != 1 {
		t.Fatalf("exitCodeFor(plain error) = %d, want 1", code)
	}
}

func TestExitCodeForNilIsZero(t *testing.T) {
	if code := exitCodeFor(nil); code != 0 {
		t.Fatalf("exitCodeFor(nil) = %d, want 0", code)
	}
}

func TestPartitionFileNamesOneFilePerKindUnderSymbolDir(t *testing.T) {
	root := "/data/in"
	cases := map[model.EventKind]string{
		model.KindBookSnapshot: filepath.Join(root, "BTC-USD", "snapshots.jsonl"),
		model.KindBookDelta:    filepath.Join(root, "BTC-USD", "deltas.jsonl"),
		model.KindTrade:        filepath.Join(root, "BTC-USD", "trades.jsonl"),
	}
	for kind, want := range cases {
		if got := partitionFile(root, "BTC-USD", kind); got != want {
			t.Errorf("partitionFile(%s) = %s, want %s", kind, got, want)
		}
	}
}

func TestBuildSourcesErrorsWhenNoPartitionsExist(t *testing.T) {
	dir := t.TempDir()
	_, err := buildSources(dir, "BTC-USD", ingest.Config{BatchSize: 10}, zap.NewNop())
	if err == nil {
		t.Fatal("expected an error when no input partitions exist")
	}
	if !errorsx.Is(err, errorsx.ConfigError) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
