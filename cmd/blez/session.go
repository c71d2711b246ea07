package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blez/internal/device"
	"github.com/srg/blez/internal/manager"
	"github.com/srg/blez/pkg/central"
	"github.com/srg/blez/pkg/config"
)

// session is the per-command view of the process-wide central.
type session struct {
	cfg     *config.Config
	logger  *logrus.Logger
	central *central.Central
}

// loadConfig reads --config when given and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if adapter, _ := cmd.Flags().GetString("adapter"); adapter != "" {
		cfg.Adapter = adapter
	}
	if timeout, _ := cmd.Flags().GetDuration("scan-timeout"); timeout > 0 {
		cfg.ScanTimeout = timeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newSession configures and opens the central for one command run. tweaks
// adjust the config before the central is created.
func newSession(cmd *cobra.Command, tweaks ...func(*config.Config)) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	central.Configure(cfg, logger)
	c, err := central.Instance()
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, central: c}, nil
}

func (s *session) manager() *manager.Manager { return s.central.Manager() }

// Close disconnects whatever the command left connected and releases the bus.
func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OperationTimeout)
	defer cancel()
	if err := central.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("Shutdown failed")
	}
}

// findDevice scans for id (an address, object path or name) unless an earlier
// scan in this process already registered it.
func (s *session) findDevice(ctx context.Context, id string, progress manager.ProgressCallback) (*device.Device, error) {
	mgr := s.manager()
	if dev, err := mgr.FindDevice(id); err == nil {
		return dev, nil
	}

	opts := manager.DefaultScanOptions()
	opts.Duration = s.cfg.ScanTimeout
	if _, err := mgr.ScanWithOptions(ctx, opts, progress); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mgr.FindDevice(id)
}

// connect finds id, connects and discovers its services.
func (s *session) connect(ctx context.Context, id string, progress *ProgressPrinter) (*device.Device, error) {
	dev, err := s.findDevice(ctx, id, progress.Callback())
	if err != nil {
		return nil, err
	}

	progress.SetPhase("Connecting")
	if err := dev.Connect(ctx); err != nil && !device.IsInformational(err) {
		return nil, err
	}

	progress.SetPhase("Discovering services")
	if _, err := dev.DiscoverServices(ctx); err != nil {
		return nil, err
	}
	return dev, nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// interrupted reports whether err only means the user stopped the command.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
