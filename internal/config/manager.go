// Package config loads and hot-reloads the reconstruction engine's
// runtime knobs: everything that is not a per-event decision but a
// per-run policy (batch sizes, checkpoint cadence, queue capacities,
// drift tolerance).
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables read from file, env, and defaults.
type Config struct {
	Environment string `yaml:"environment"`

	// Paths. Overridden by RLX_DATA_ROOT / RLX_OUT_ROOT.
	DataRoot string `yaml:"data_root"`
	OutRoot  string `yaml:"out_root"`

	// Logging. Overridden by RLX_LOG_LEVEL.
	LogLevel string `yaml:"log_level"`

	Ingest struct {
		BatchSize      int           `yaml:"batch_size"`
		RetryMaxAttempt int          `yaml:"retry_max_attempts"`
		BackoffInitial time.Duration `yaml:"backoff_initial"`
		RateLimitPerSec float64      `yaml:"rate_limit_per_sec"`
	} `yaml:"ingest"`

	Book struct {
		PendingQueueCapacity int     `yaml:"pending_queue_capacity"`
		DriftThreshold       float64 `yaml:"drift_threshold"`
		ConsumeOverflowOnTrade bool  `yaml:"consume_overflow_on_trade"`
		OverflowStoreCapacity int    `yaml:"overflow_store_capacity"`
	} `yaml:"book"`

	Checkpoint struct {
		EveryEvents int           `yaml:"every_events"`
		EveryPeriod time.Duration `yaml:"every_period"`
		Retain      int           `yaml:"retain"`
	} `yaml:"checkpoint"`

	WAL struct {
		SegmentMaxBytes int64         `yaml:"segment_max_bytes"`
		FlushInterval   time.Duration `yaml:"flush_interval"`
		FlushMaxBatch   int           `yaml:"flush_max_batch"`
	} `yaml:"wal"`

	Sink struct {
		PartitionInterval time.Duration `yaml:"partition_interval"`
		RowGroupSize      int           `yaml:"row_group_size"`
	} `yaml:"sink"`

	Supervisor struct {
		WorkerQueueCapacity int           `yaml:"worker_queue_capacity"`
		ShutdownDeadline    time.Duration `yaml:"shutdown_deadline"`
		PoolSize            int           `yaml:"pool_size"`
	} `yaml:"supervisor"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

func defaultConfig() *Config {
	c := &Config{
		Environment: "development",
		DataRoot:    "./data",
		OutRoot:     "./out",
		LogLevel:    "info",
	}
	c.Ingest.BatchSize = 1000
	c.Ingest.RetryMaxAttempt = 3
	c.Ingest.BackoffInitial = 100 * time.Millisecond
	c.Ingest.RateLimitPerSec = 0 // 0 disables pacing

	c.Book.PendingQueueCapacity = 4096
	c.Book.DriftThreshold = 1e-3
	c.Book.ConsumeOverflowOnTrade = false
	c.Book.OverflowStoreCapacity = 500

	c.Checkpoint.EveryEvents = 1_000_000
	c.Checkpoint.EveryPeriod = 60 * time.Second
	c.Checkpoint.Retain = 3

	c.WAL.SegmentMaxBytes = 256 << 20
	c.WAL.FlushInterval = 50 * time.Millisecond
	c.WAL.FlushMaxBatch = 500

	c.Sink.PartitionInterval = time.Hour
	c.Sink.RowGroupSize = 128 * 1024

	c.Supervisor.WorkerQueueCapacity = 1000
	c.Supervisor.ShutdownDeadline = 30 * time.Second
	c.Supervisor.PoolSize = 64

	c.Metrics.Addr = ":9090"
	return c
}

// Manager loads Config from an optional YAML file, layers environment
// overrides on top, and hot-reloads on file change.
type Manager struct {
	viper      *viper.Viper
	configPath string

	current atomic.Value // *Config

	watcher    *fsnotify.Watcher
	reloadChan chan struct{}

	cbMu      sync.RWMutex
	callbacks []func(*Config)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager loads configPath (if it exists), applies RLX_* environment
// overrides, and starts watching configPath's directory for changes.
// An empty configPath skips the file source entirely.
func NewManager(configPath string) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		viper:      viper.New(),
		configPath: configPath,
		reloadChan: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	m.viper.SetEnvPrefix("RLX")
	m.viper.AutomaticEnv()
	for _, key := range []string{"data_root", "out_root", "log_level"} {
		if err := m.viper.BindEnv(key); err != nil {
			cancel()
			return nil, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	if err := m.load(); err != nil {
		cancel()
		return nil, err
	}

	if configPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("config: create watcher: %w", err)
		}
		m.watcher = watcher
		if err := watcher.Add(filepath.Dir(configPath)); err != nil {
			cancel()
			watcher.Close()
			return nil, fmt.Errorf("config: watch directory: %w", err)
		}
		m.wg.Add(1)
		go m.watchLoop()
	}

	return m, nil
}

func (m *Manager) load() error {
	cfg := defaultConfig()

	if m.configPath != "" {
		if data, err := os.ReadFile(m.configPath); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return fmt.Errorf("config: parse %s: %w", m.configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("config: read %s: %w", m.configPath, err)
		}
	}

	if v := m.viper.GetString("data_root"); v != "" {
		cfg.DataRoot = v
	}
	if v := m.viper.GetString("out_root"); v != "" {
		cfg.OutRoot = v
	}
	if v := m.viper.GetString("log_level"); v != "" {
		cfg.LogLevel = v
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	m.current.Store(cfg)
	m.notify(cfg)
	return nil
}

func (m *Manager) watchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Name == m.configPath && (event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create) {
				select {
				case m.reloadChan <- struct{}{}:
				default:
				}
			}
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		case <-m.reloadChan:
			time.Sleep(100 * time.Millisecond)
			_ = m.load()
		}
	}
}

// Current returns the most recently loaded Config.
func (m *Manager) Current() *Config {
	return m.current.Load().(*Config)
}

// OnChange registers a callback invoked (in its own goroutine) every
// time a config reload succeeds.
func (m *Manager) OnChange(cb func(*Config)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

func (m *Manager) notify(cfg *Config) {
	m.cbMu.RLock()
	defer m.cbMu.RUnlock()
	for _, cb := range m.callbacks {
		go cb(cfg)
	}
}

// Close stops the watcher and any in-flight reload goroutine.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// Validate rejects a Config with out-of-range knobs before it is stored.
func Validate(cfg *Config) error {
	if cfg.Ingest.BatchSize <= 0 {
		return fmt.Errorf("config: ingest.batch_size must be positive, got %d", cfg.Ingest.BatchSize)
	}
	if cfg.Book.PendingQueueCapacity <= 0 {
		return fmt.Errorf("config: book.pending_queue_capacity must be positive, got %d", cfg.Book.PendingQueueCapacity)
	}
	if cfg.Book.DriftThreshold <= 0 {
		return fmt.Errorf("config: book.drift_threshold must be positive, got %f", cfg.Book.DriftThreshold)
	}
	if cfg.Checkpoint.EveryEvents <= 0 && cfg.Checkpoint.EveryPeriod <= 0 {
		return fmt.Errorf("config: checkpoint must trigger on events or period")
	}
	if cfg.Supervisor.WorkerQueueCapacity <= 0 {
		return fmt.Errorf("config: supervisor.worker_queue_capacity must be positive, got %d", cfg.Supervisor.WorkerQueueCapacity)
	}
	return nil
}
