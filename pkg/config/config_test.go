package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blez/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "system", cfg.Bus)
	assert.Equal(t, "hci0", cfg.Adapter)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 20*time.Second, cfg.DiscoveryTimeout)
	assert.Equal(t, 10*time.Second, cfg.OperationTimeout)
	assert.Equal(t, uint32(256), cfg.CallbackQueueSize)
	assert.Equal(t, 1024, cfg.SignalBuffer)
	assert.False(t, cfg.KeepKnownDevices)
	assert.Equal(t, 20, cfg.UARTChunkSize)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", expected: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", expected: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", expected: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", expected: logrus.ErrorLevel},
		{name: "unknown level falls back to info", logLevel: "chatty", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfig_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blez.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
bus: session
adapter: hci1
scan_timeout: 3s
connect_timeout: 1m
callback_queue_size: 16
keep_known_devices: true
output_format: json
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, bus.SessionBus, cfg.BusKind())
	assert.Equal(t, "hci1", cfg.Adapter)
	assert.Equal(t, 3*time.Second, cfg.ScanTimeout)
	assert.Equal(t, time.Minute, cfg.ConnectTimeout)
	assert.Equal(t, uint32(16), cfg.CallbackQueueSize)
	assert.True(t, cfg.KeepKnownDevices)
	assert.Equal(t, "json", cfg.OutputFormat)

	// untouched fields keep their defaults
	assert.Equal(t, 20*time.Second, cfg.DiscoveryTimeout)
	assert.Equal(t, 20, cfg.UARTChunkSize)
}

func TestConfig_LoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("log_level: [\n"), 0o600))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "parsing config file")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("bus: tcp\n"), 0o600))
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "bus must be")
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "chatty" }, errMsg: "log_level"},
		{name: "unknown bus", mutate: func(c *Config) { c.Bus = "tcp" }, errMsg: "bus must be"},
		{name: "empty adapter", mutate: func(c *Config) { c.Adapter = "" }, errMsg: "adapter"},
		{name: "zero connect timeout", mutate: func(c *Config) { c.ConnectTimeout = 0 }, errMsg: "connect_timeout"},
		{name: "zero queue size", mutate: func(c *Config) { c.CallbackQueueSize = 0 }, errMsg: "callback_queue_size"},
		{name: "zero signal buffer", mutate: func(c *Config) { c.SignalBuffer = 0 }, errMsg: "signal_buffer"},
		{name: "zero chunk size", mutate: func(c *Config) { c.UARTChunkSize = 0 }, errMsg: "uart_chunk_size"},
		{name: "unknown format", mutate: func(c *Config) { c.OutputFormat = "xml" }, errMsg: "output_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestConfig_ComponentOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Adapter = "hci2"
	cfg.KeepKnownDevices = true
	cfg.ConnectTimeout = 5 * time.Second
	cfg.CallbackQueueSize = 8

	mopts := cfg.ManagerOptions()
	assert.Equal(t, "hci2", mopts.Adapter)
	assert.True(t, mopts.KeepKnownDevices)
	assert.Equal(t, 5*time.Second, mopts.Device.ConnectTimeout)
	assert.Equal(t, 100*time.Millisecond, mopts.Device.ResolvePollInterval)

	assert.Equal(t, uint32(8), cfg.DispatchOptions().QueueSize)
}

func BenchmarkConfig_NewLogger(b *testing.B) {
	cfg := DefaultConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cfg.NewLogger()
	}
}
