package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blez/internal/bus"
	"github.com/srg/blez/internal/device"
	"github.com/srg/blez/internal/dispatch"
	"github.com/srg/blez/internal/manager"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level" default:"info"`
	Bus      string `yaml:"bus" json:"bus" default:"system"` // system, session
	Adapter  string `yaml:"adapter" json:"adapter" default:"hci0"`

	ScanTimeout      time.Duration `yaml:"scan_timeout" json:"scan_timeout" default:"10s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" json:"connect_timeout" default:"30s"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" json:"discovery_timeout" default:"20s"`
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout" default:"10s"`

	CallbackQueueSize uint32 `yaml:"callback_queue_size" json:"callback_queue_size" default:"256"`
	SignalBuffer      int    `yaml:"signal_buffer" json:"signal_buffer" default:"1024"`
	KeepKnownDevices  bool   `yaml:"keep_known_devices" json:"keep_known_devices"`
	UARTChunkSize     int    `yaml:"uart_chunk_size" json:"uart_chunk_size" default:"20"`

	OutputFormat string `yaml:"output_format" json:"output_format" default:"table"` // table, json
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file. Fields the file leaves out keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	switch bus.Kind(c.Bus) {
	case bus.SystemBus, bus.SessionBus:
	default:
		return fmt.Errorf("bus must be \"system\" or \"session\", got %q", c.Bus)
	}

	if c.Adapter == "" {
		return fmt.Errorf("adapter must not be empty")
	}

	for name, d := range map[string]time.Duration{
		"scan_timeout":      c.ScanTimeout,
		"connect_timeout":   c.ConnectTimeout,
		"discovery_timeout": c.DiscoveryTimeout,
		"operation_timeout": c.OperationTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", name, d)
		}
	}

	if c.CallbackQueueSize == 0 {
		return fmt.Errorf("callback_queue_size must be > 0")
	}
	if c.SignalBuffer <= 0 {
		return fmt.Errorf("signal_buffer must be > 0")
	}
	if c.UARTChunkSize <= 0 {
		return fmt.Errorf("uart_chunk_size must be > 0")
	}

	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("output_format must be \"table\" or \"json\", got %q", c.OutputFormat)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// BusKind returns the message bus to connect to.
func (c *Config) BusKind() bus.Kind { return bus.Kind(c.Bus) }

// DeviceOptions returns the bounded waits for device operations.
func (c *Config) DeviceOptions() device.Options {
	opts := device.DefaultOptions()
	opts.ConnectTimeout = c.ConnectTimeout
	opts.DiscoveryTimeout = c.DiscoveryTimeout
	opts.OperationTimeout = c.OperationTimeout
	return opts
}

// ManagerOptions returns the device manager settings.
func (c *Config) ManagerOptions() manager.Options {
	opts := manager.DefaultOptions()
	opts.Adapter = c.Adapter
	opts.KeepKnownDevices = c.KeepKnownDevices
	opts.Device = c.DeviceOptions()
	return opts
}

// DispatchOptions returns the callback dispatcher settings.
func (c *Config) DispatchOptions() dispatch.Options {
	return dispatch.Options{QueueSize: c.CallbackQueueSize}
}
