// Package config is the engine's programmatic construction surface:
// a tagged struct loadable from YAML with sane defaults, mirroring
// the pack's tagged-struct-plus-defaults shape (grounded on
// codeready-toolchain-tarsy's pkg/config). Flag parsing and a CLI
// front-end are out of scope (spec.md §1); callers build a Config by
// hand or via Load and pass it to internal/engine.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete set of tunables the engine needs to run.
// Every field except DebugEndpoint has a matching Default* constant;
// Load fills in zero values with those defaults after parsing.
type Config struct {
	// DataRoot is the directory under which session_YYYY-MM-DD_HHMMSS/
	// directories are created (spec.md §6).
	DataRoot string `yaml:"data_root,omitempty"`

	// DebugEndpoint is the browser's debugging websocket URL. A real
	// deployment resolves this via the external launcher collaborator
	// (spec.md §6); tests and fixed deployments can set it directly.
	DebugEndpoint string `yaml:"debug_endpoint,omitempty"`

	MaxSessions int `yaml:"max_sessions,omitempty"`

	MemorySampleInterval time.Duration `yaml:"memory_sample_interval,omitempty"`
	MemorySemaphore      int           `yaml:"memory_semaphore,omitempty"`
	ListenerGrowthDeltaTrigger int     `yaml:"listener_growth_delta_trigger,omitempty"`

	HeapSamplingInterval time.Duration `yaml:"heap_sampling_interval,omitempty"`
	HeapSamplingBytes    int           `yaml:"heap_sampling_bytes,omitempty"`

	StorageQuotaPollInterval time.Duration `yaml:"storage_quota_poll_interval,omitempty"`
	StorageValueTruncateLen  int           `yaml:"storage_value_truncate_len,omitempty"`

	NetworkRateLimitPerSecond float64 `yaml:"network_rate_limit_per_second,omitempty"`
	ConsoleRateLimitPerSecond float64 `yaml:"console_rate_limit_per_second,omitempty"`

	WriterQueueSize int           `yaml:"writer_queue_size,omitempty"`
	WriterMaxSize   int64         `yaml:"writer_max_size,omitempty"`
	WriterMaxAge    time.Duration `yaml:"writer_max_age,omitempty"`

	CallTimeout      time.Duration `yaml:"call_timeout,omitempty"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace,omitempty"`
}

// Defaults, one per tunable above, named directly after spec.md's
// stated values so a reader can match each constant back to its
// paragraph.
const (
	DefaultDataRoot = "~/BrowserFairyData"

	DefaultMaxSessions = 50

	DefaultMemorySampleInterval       = 5 * time.Second
	DefaultMemorySemaphore            = 8
	DefaultListenerGrowthDeltaTrigger = 20

	DefaultHeapSamplingInterval = 60 * time.Second
	DefaultHeapSamplingBytes    = 64 * 1024

	DefaultStorageQuotaPollInterval = 30 * time.Second
	DefaultStorageValueTruncateLen  = 2048

	DefaultNetworkRateLimitPerSecond = 50
	DefaultConsoleRateLimitPerSecond = 10

	DefaultWriterQueueSize = 1024
	DefaultWriterMaxSize   = 50 * 1024 * 1024
	DefaultWriterMaxAge    = 24 * time.Hour

	DefaultCallTimeout   = 10 * time.Second
	DefaultShutdownGrace = 10 * time.Second
)

// WithDefaults returns a copy of c with every zero-valued field set to
// its documented default.
func (c Config) WithDefaults() Config {
	if c.DataRoot == "" {
		c.DataRoot = DefaultDataRoot
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.MemorySampleInterval == 0 {
		c.MemorySampleInterval = DefaultMemorySampleInterval
	}
	if c.MemorySemaphore == 0 {
		c.MemorySemaphore = DefaultMemorySemaphore
	}
	if c.ListenerGrowthDeltaTrigger == 0 {
		c.ListenerGrowthDeltaTrigger = DefaultListenerGrowthDeltaTrigger
	}
	if c.HeapSamplingInterval == 0 {
		c.HeapSamplingInterval = DefaultHeapSamplingInterval
	}
	if c.HeapSamplingBytes == 0 {
		c.HeapSamplingBytes = DefaultHeapSamplingBytes
	}
	if c.StorageQuotaPollInterval == 0 {
		c.StorageQuotaPollInterval = DefaultStorageQuotaPollInterval
	}
	if c.StorageValueTruncateLen == 0 {
		c.StorageValueTruncateLen = DefaultStorageValueTruncateLen
	}
	if c.NetworkRateLimitPerSecond == 0 {
		c.NetworkRateLimitPerSecond = DefaultNetworkRateLimitPerSecond
	}
	if c.ConsoleRateLimitPerSecond == 0 {
		c.ConsoleRateLimitPerSecond = DefaultConsoleRateLimitPerSecond
	}
	if c.WriterQueueSize == 0 {
		c.WriterQueueSize = DefaultWriterQueueSize
	}
	if c.WriterMaxSize == 0 {
		c.WriterMaxSize = DefaultWriterMaxSize
	}
	if c.WriterMaxAge == 0 {
		c.WriterMaxAge = DefaultWriterMaxAge
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// Load reads a YAML document from path and fills in defaults for any
// field the document leaves unset.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c.WithDefaults(), nil
}
