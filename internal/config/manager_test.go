package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewManagerDefaults(t *testing.T) {
	m, err := NewManager("")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	cfg := m.Current()
	if cfg.Ingest.BatchSize != 1000 {
		t.Fatalf("expected default batch size 1000, got %d", cfg.Ingest.BatchSize)
	}
	if cfg.Book.PendingQueueCapacity != 4096 {
		t.Fatalf("expected default pending queue 4096, got %d", cfg.Book.PendingQueueCapacity)
	}
}

func TestNewManagerLoadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "environment: production\ningest:\n  batch_size: 500\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	cfg := m.Current()
	if cfg.Environment != "production" {
		t.Fatalf("expected environment production, got %s", cfg.Environment)
	}
	if cfg.Ingest.BatchSize != 500 {
		t.Fatalf("expected batch size 500, got %d", cfg.Ingest.BatchSize)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("data_root: /from/file\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RLX_DATA_ROOT", "/from/env")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if m.Current().DataRoot != "/from/env" {
		t.Fatalf("expected env override, got %s", m.Current().DataRoot)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.Ingest.BatchSize = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected validation error for zero batch size")
	}
}

func TestOnChangeFiresOnReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("environment: development\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	done := make(chan struct{}, 1)
	m.OnChange(func(cfg *Config) {
		if cfg.Environment == "staging" {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	if err := os.WriteFile(path, []byte("environment: staging\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnChange callback to fire after file rewrite")
	}
}
