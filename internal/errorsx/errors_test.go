package errorsx

import (
	"fmt"
	"testing"
)

func TestSeverityClassification(t *testing.T) {
	cases := []struct {
		code Code
		want Severity
	}{
		{ConfigError, SeverityFatal},
		{OverflowError, SeverityFatal},
		{CorruptWal, SeverityFatal},
		{CorruptCheckpoint, SeverityFatal},
		{InitializationOverflow, SeverityPartition},
		{SchemaError, SeverityWarning},
		{DecodeError, SeverityWarning},
		{OutOfOrderWarning, SeverityInfo},
		{DuplicateDelta, SeverityInfo},
		{GapDetected, SeverityInfo},
		{HighDriftWarning, SeverityInfo},
		{IoError, SeverityWorker},
	}
	for _, c := range cases {
		got := New(c.code, "test").Severity
		if got != c.want {
			t.Errorf("severityFor(%s) = %s, want %s", c.code, got, c.want)
		}
	}
}

func TestWrapUnwrapIsAs(t *testing.T) {
	root := fmt.Errorf("disk full")
	wrapped := Wrap(root, IoError, "flush failed").WithDetail("path", "/data/seg-1.wal")

	var target *Error
	if !As(wrapped, &target) {
		t.Fatal("expected As to find wrapped *Error")
	}
	if target.Code != IoError {
		t.Fatalf("got code %s, want %s", target.Code, IoError)
	}
	if target.Details["path"] != "/data/seg-1.wal" {
		t.Fatalf("detail not preserved: %v", target.Details)
	}
	if !Is(wrapped, IoError) {
		t.Fatal("Is should match IoError")
	}
	if Is(wrapped, CorruptWal) {
		t.Fatal("Is should not match CorruptWal")
	}
}

func TestIsFatalAndRetryable(t *testing.T) {
	if !IsFatal(New(ConfigError, "bad config")) {
		t.Fatal("ConfigError must be fatal")
	}
	if IsFatal(New(GapDetected, "gap")) {
		t.Fatal("GapDetected must not be fatal")
	}
	if !IsRetryable(New(IoError, "timeout")) {
		t.Fatal("IoError must be retryable")
	}
	if IsRetryable(New(SchemaError, "bad column")) {
		t.Fatal("SchemaError must not be retryable")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(nil, IoError, "noop") != nil {
		t.Fatal("Wrap(nil, ...) must return nil")
	}
}
