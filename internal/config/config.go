// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/layers/internal/core"
	"firestige.xyz/layers/internal/log"
)

const (
	// DefaultPath is where `layers start` looks for its configuration.
	DefaultPath = "/etc/layers/config.yaml"
	// DefaultSocket is the control socket of a running engine.
	DefaultSocket = "/var/run/layers.sock"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `layers:` root key in YAML.
type GlobalConfig struct {
	Capture    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	Decoder    DecoderConfig    `mapstructure:"decoder" yaml:"decoder"`
	Workers    WorkersConfig    `mapstructure:"workers" yaml:"workers"`
	Flow       FlowConfig       `mapstructure:"flow" yaml:"flow"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Dissectors DissectorsConfig `mapstructure:"dissectors" yaml:"dissectors"`
	Events     EventsConfig     `mapstructure:"events" yaml:"events"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Control    ControlConfig    `mapstructure:"control" yaml:"control"`
	Log        log.Config       `mapstructure:"log" yaml:"log"`
	Workspace  string           `mapstructure:"workspace" yaml:"workspace"`
}

// ControlConfig exposes the running engine on a Unix socket for the status
// and stop commands.
type ControlConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Socket  string `mapstructure:"socket" yaml:"socket"`
}

// ─── Capture ───

// CaptureConfig selects and tunes the packet source.
type CaptureConfig struct {
	Source       string `mapstructure:"source" yaml:"source"` // afpacket | file
	Interface    string `mapstructure:"interface" yaml:"interface"`
	File         string `mapstructure:"file" yaml:"file"`
	SnapLen      int    `mapstructure:"snap_len" yaml:"snap_len"`
	BufferSizeMB int    `mapstructure:"buffer_size_mb" yaml:"buffer_size_mb"`
	TimeoutMs    int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	FanoutID     int    `mapstructure:"fanout_id" yaml:"fanout_id"` // 0 = no fanout
	BPFFilter    string `mapstructure:"bpf_filter" yaml:"bpf_filter"`
}

// ─── Decoder ───

type DecoderConfig struct {
	DisableIPv6 bool         `mapstructure:"disable_ipv6" yaml:"disable_ipv6"`
	Defrag      DefragConfig `mapstructure:"defrag" yaml:"defrag"`
}

// DefragConfig controls IPv4 fragment reassembly ahead of dispatch.
type DefragConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxFragments    int           `mapstructure:"max_fragments" yaml:"max_fragments"`
	MaxDatagramSize int           `mapstructure:"max_datagram_size" yaml:"max_datagram_size"`
	MaxFragsPerIP   int           `mapstructure:"max_frags_per_ip" yaml:"max_frags_per_ip"` // 0 = unlimited
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window" yaml:"rate_limit_window"`
}

// ─── Workers ───

// WorkersConfig sizes the dispatcher.
type WorkersConfig struct {
	Count         int           `mapstructure:"count" yaml:"count"` // 0 = GOMAXPROCS
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size"`
	Backpressure  string        `mapstructure:"backpressure" yaml:"backpressure"` // drop | block
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// ─── Flow ───

// FlowConfig tunes the per-worker flow tables.
type FlowConfig struct {
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxDetectAttempts int           `mapstructure:"max_detect_attempts" yaml:"max_detect_attempts"`
	ReorderWindow     int           `mapstructure:"reorder_window" yaml:"reorder_window"`
}

// ─── Classifier ───

type ClassifierConfig struct {
	GuessCacheTTL     time.Duration `mapstructure:"guess_cache_ttl" yaml:"guess_cache_ttl"`
	GuessCacheCleanup time.Duration `mapstructure:"guess_cache_cleanup" yaml:"guess_cache_cleanup"`
}

// ─── Dissectors ───

// DissectorsConfig lists enabled dissectors. Options holds one free-form map
// per dissector, decoded by the dissector itself.
type DissectorsConfig struct {
	Enabled []string                  `mapstructure:"enabled" yaml:"enabled"`
	Options map[string]map[string]any `mapstructure:"options" yaml:"options"`
}

// ─── Events ───

type EventsConfig struct {
	Sink  string          `mapstructure:"sink" yaml:"sink"` // log | kafka | discard
	Kafka KafkaSinkConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaSinkConfig configures the Kafka event sink.
type KafkaSinkConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	Compression  string        `mapstructure:"compression" yaml:"compression"` // none | gzip | snappy | lz4 | zstd
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `layers: ...`.
type configRoot struct {
	Layers GlobalConfig `mapstructure:"layers"`
}

// Load loads configuration from file.
// Env vars override file values through the key replacer, e.g. key
// "layers.workers.count" maps to LAYERS_WORKERS_COUNT.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Layers

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values. All keys use the "layers." prefix to match
// the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Capture defaults
	v.SetDefault("layers.capture.source", "afpacket")
	v.SetDefault("layers.capture.interface", "any")
	v.SetDefault("layers.capture.snap_len", 65535)
	v.SetDefault("layers.capture.buffer_size_mb", 8)
	v.SetDefault("layers.capture.timeout_ms", 100)
	v.SetDefault("layers.capture.fanout_id", 0)
	v.SetDefault("layers.capture.bpf_filter", "")

	v.SetDefault("layers.decoder.disable_ipv6", false)
	v.SetDefault("layers.decoder.defrag.enabled", true)
	v.SetDefault("layers.decoder.defrag.timeout", "30s")
	v.SetDefault("layers.decoder.defrag.max_fragments", 100)
	v.SetDefault("layers.decoder.defrag.max_datagram_size", 65535)
	v.SetDefault("layers.decoder.defrag.max_frags_per_ip", 0)
	v.SetDefault("layers.decoder.defrag.rate_limit_window", "10s")

	// Worker defaults
	v.SetDefault("layers.workers.count", 0)
	v.SetDefault("layers.workers.queue_size", 4096)
	v.SetDefault("layers.workers.backpressure", "drop")
	v.SetDefault("layers.workers.sweep_interval", "1s")

	// Flow defaults
	v.SetDefault("layers.flow.idle_timeout", "30s")
	v.SetDefault("layers.flow.max_detect_attempts", 10)
	v.SetDefault("layers.flow.reorder_window", 16)

	// Classifier defaults
	v.SetDefault("layers.classifier.guess_cache_ttl", "10m")
	v.SetDefault("layers.classifier.guess_cache_cleanup", "1m")

	v.SetDefault("layers.dissectors.enabled", []string{"http", "dns", "sip"})

	// Event defaults
	v.SetDefault("layers.events.sink", "log")
	v.SetDefault("layers.events.kafka.compression", "snappy")
	v.SetDefault("layers.events.kafka.batch_size", 100)
	v.SetDefault("layers.events.kafka.batch_timeout", "1s")

	// Metrics defaults
	v.SetDefault("layers.metrics.enabled", true)
	v.SetDefault("layers.metrics.listen", ":9091")
	v.SetDefault("layers.metrics.path", "/metrics")

	v.SetDefault("layers.control.enabled", true)
	v.SetDefault("layers.control.socket", DefaultSocket)

	// Log defaults
	v.SetDefault("layers.log.level", "info")
	v.SetDefault("layers.log.pattern", log.DefaultPattern)
	v.SetDefault("layers.log.time", log.DefaultTime)
	v.SetDefault("layers.log.file.enabled", false)
	v.SetDefault("layers.log.file.filename", "/var/log/layers/layers.log")
	v.SetDefault("layers.log.file.max_size", 100)
	v.SetDefault("layers.log.file.max_backups", 5)
	v.SetDefault("layers.log.file.max_age", 30)
	v.SetDefault("layers.log.file.compress", true)

	v.SetDefault("layers.workspace", "/var/lib/layers")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// ValidateAndApplyDefaults validates configuration and fills runtime defaults
// that cannot be expressed as static viper defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("log level %q (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Filename == "" {
		return invalid("log.file.filename is required when log.file.enabled=true")
	}

	// ── Capture ──
	switch cfg.Capture.Source {
	case "afpacket":
		if cfg.Capture.Interface == "" {
			return invalid("capture.interface is required for source afpacket")
		}
	case "file":
		if cfg.Capture.File == "" {
			return invalid("capture.file is required for source file")
		}
	default:
		return invalid("capture.source %q (must be afpacket/file)", cfg.Capture.Source)
	}
	if cfg.Capture.SnapLen <= 0 {
		return invalid("capture.snap_len must be positive")
	}

	// ── Decoder ──
	if d := cfg.Decoder.Defrag; d.Enabled {
		if d.Timeout <= 0 {
			return invalid("decoder.defrag.timeout must be positive")
		}
		if d.MaxFragments <= 0 {
			return invalid("decoder.defrag.max_fragments must be positive")
		}
		if d.MaxDatagramSize <= 0 || d.MaxDatagramSize > 65535 {
			return invalid("decoder.defrag.max_datagram_size must be within 1..65535")
		}
		if d.MaxFragsPerIP < 0 {
			return invalid("decoder.defrag.max_frags_per_ip must not be negative")
		}
	}

	// ── Workers ──
	if cfg.Workers.Count < 0 {
		return invalid("workers.count must not be negative")
	}
	if cfg.Workers.Count == 0 {
		cfg.Workers.Count = runtime.GOMAXPROCS(0)
	}
	if cfg.Workers.QueueSize <= 0 {
		return invalid("workers.queue_size must be positive")
	}
	if cfg.Workers.Backpressure != "drop" && cfg.Workers.Backpressure != "block" {
		return invalid("workers.backpressure %q (must be drop/block)", cfg.Workers.Backpressure)
	}
	if cfg.Workers.SweepInterval <= 0 {
		return invalid("workers.sweep_interval must be positive")
	}

	// ── Flow ──
	if cfg.Flow.IdleTimeout <= 0 {
		return invalid("flow.idle_timeout must be positive")
	}
	if cfg.Flow.MaxDetectAttempts <= 0 {
		return invalid("flow.max_detect_attempts must be positive")
	}
	if cfg.Flow.ReorderWindow < 0 {
		return invalid("flow.reorder_window must not be negative")
	}

	// ── Events ──
	switch cfg.Events.Sink {
	case "log", "discard":
	case "kafka":
		if len(cfg.Events.Kafka.Brokers) == 0 {
			return invalid("events.kafka.brokers is required when events.sink=kafka")
		}
		if cfg.Events.Kafka.Topic == "" {
			return invalid("events.kafka.topic is required when events.sink=kafka")
		}
	default:
		return invalid("events.sink %q (must be log/kafka/discard)", cfg.Events.Sink)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return invalid("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Control.Enabled && cfg.Control.Socket == "" {
		return invalid("control.socket is required when control.enabled=true")
	}
	return nil
}
