package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/layers/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
layers:
  capture:
    source: file
    file: /tmp/trace.pcap
  workers:
    count: 4
    queue_size: 128
    backpressure: block
  flow:
    idle_timeout: 45s
    max_detect_attempts: 3
  dissectors:
    enabled: [http, dns]
    options:
      http:
        max_buffer: 1024
  events:
    sink: kafka
    kafka:
      brokers: ["localhost:9092"]
      topic: layers-events
  log:
    level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Capture.Source)
	assert.Equal(t, "/tmp/trace.pcap", cfg.Capture.File)
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, 128, cfg.Workers.QueueSize)
	assert.Equal(t, "block", cfg.Workers.Backpressure)
	assert.Equal(t, 45*time.Second, cfg.Flow.IdleTimeout)
	assert.Equal(t, 3, cfg.Flow.MaxDetectAttempts)
	assert.Equal(t, 16, cfg.Flow.ReorderWindow)
	assert.Equal(t, []string{"http", "dns"}, cfg.Dissectors.Enabled)
	assert.EqualValues(t, 1024, cfg.Dissectors.Options["http"]["max_buffer"])
	assert.Equal(t, []string{"localhost:9092"}, cfg.Events.Kafka.Brokers)
	assert.Equal(t, "snappy", cfg.Events.Kafka.Compression)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
layers:
  capture:
    interface: eth0
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "afpacket", cfg.Capture.Source)
	assert.Equal(t, 65535, cfg.Capture.SnapLen)
	assert.Equal(t, runtime.GOMAXPROCS(0), cfg.Workers.Count)
	assert.Equal(t, "drop", cfg.Workers.Backpressure)
	assert.Equal(t, time.Second, cfg.Workers.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.Flow.IdleTimeout)
	assert.Equal(t, 10, cfg.Flow.MaxDetectAttempts)
	assert.True(t, cfg.Decoder.Defrag.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Decoder.Defrag.Timeout)
	assert.Equal(t, 65535, cfg.Decoder.Defrag.MaxDatagramSize)
	assert.Equal(t, 10*time.Minute, cfg.Classifier.GuessCacheTTL)
	assert.Equal(t, []string{"http", "dns", "sip"}, cfg.Dissectors.Enabled)
	assert.Equal(t, "log", cfg.Events.Sink)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9091", cfg.Metrics.Listen)
	assert.True(t, cfg.Control.Enabled)
	assert.Equal(t, DefaultSocket, cfg.Control.Socket)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "/var/lib/layers", cfg.Workspace)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
layers:
  capture:
    interface: eth0
`)
	t.Setenv("LAYERS_WORKERS_COUNT", "7")
	t.Setenv("LAYERS_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Workers.Count)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "layers:\n  log:\n    level: loud\n"},
		{"capture source", "layers:\n  capture:\n    source: xdp\n"},
		{"file without path", "layers:\n  capture:\n    source: file\n"},
		{"defrag timeout", "layers:\n  decoder:\n    defrag:\n      timeout: 0s\n"},
		{"defrag datagram size", "layers:\n  decoder:\n    defrag:\n      max_datagram_size: 70000\n"},
		{"backpressure", "layers:\n  workers:\n    backpressure: spill\n"},
		{"idle timeout", "layers:\n  flow:\n    idle_timeout: 0s\n"},
		{"detect attempts", "layers:\n  flow:\n    max_detect_attempts: 0\n"},
		{"reorder window", "layers:\n  flow:\n    reorder_window: -1\n"},
		{"kafka without brokers", "layers:\n  events:\n    sink: kafka\n"},
		{"sink", "layers:\n  events:\n    sink: syslog\n"},
		{"control socket", "layers:\n  control:\n    socket: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrConfigInvalid), "got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrConfigInvalid))
}
