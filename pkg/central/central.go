// Package central is the entry point of the library: one process-wide
// connection to the Bluetooth daemon with its device manager and callback
// dispatcher.
//
// Basic usage:
//
//	mgr, err := central.GetInstance()
//	devices, err := mgr.Scan(ctx, 10*time.Second)
//	dev, err := mgr.GetDeviceByName("FIRMATA")
//	err = dev.Connect(ctx)
//	_, err = dev.DiscoverServices(ctx)
//	err = central.RegisterReadCallback(dev, "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
//		func(value []byte, err error) int { ...; return 0 })
//	defer central.Shutdown(ctx)
package central

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blez/internal/bus"
	"github.com/srg/blez/internal/device"
	"github.com/srg/blez/internal/dispatch"
	"github.com/srg/blez/internal/manager"
	"github.com/srg/blez/pkg/config"
)

// Callback signatures. Return values are advisory and ignored.
type (
	ReadCallback     = dispatch.ReadHandler
	StateCallback    = dispatch.StateHandler
	PropertyCallback = dispatch.PropertyHandler
	PropertyEvent    = dispatch.PropertyEvent
)

var (
	// ErrNilDevice is returned when a callback is registered without a device.
	ErrNilDevice = errors.New("device is nil")
	// ErrUnknownDevice is returned for a device this central does not manage.
	ErrUnknownDevice = errors.New("device is not managed by this central")
	// ErrClosed is returned by a Central after Close.
	ErrClosed = errors.New("central closed")
)

// BusFactory opens the daemon connection. Tests replace it with an in-memory bus.
var BusFactory = func(cfg *config.Config, logger *logrus.Logger) (bus.Conn, error) {
	return bus.Connect(cfg.BusKind(), cfg.SignalBuffer, logger)
}

// Central ties a bus connection, a device manager and a callback dispatcher together.
type Central struct {
	cfg        *config.Config
	logger     *logrus.Logger
	conn       bus.Conn
	manager    *manager.Manager
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher

	closeOnce sync.Once
	closed    chan struct{}
}

// New connects through BusFactory and starts dispatching daemon signals.
func New(cfg *config.Config, logger *logrus.Logger) (*Central, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}

	conn, err := BusFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	mgr := manager.New(conn, cfg.ManagerOptions(), logger)
	registry := dispatch.NewRegistry()
	dispatcher := dispatch.New(conn, mgr, registry, cfg.DispatchOptions(), logger)
	if err := dispatcher.Start(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to start signal dispatcher: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"bus":     cfg.Bus,
		"adapter": cfg.Adapter,
	}).Debug("Central initialized")

	return &Central{
		cfg:        cfg,
		logger:     logger,
		conn:       conn,
		manager:    mgr,
		registry:   registry,
		dispatcher: dispatcher,
		closed:     make(chan struct{}),
	}, nil
}

func (c *Central) Manager() *manager.Manager { return c.manager }
func (c *Central) Config() *config.Config    { return c.cfg }

// Metrics returns the dispatcher counters.
func (c *Central) Metrics() dispatch.MetricsSnapshot { return c.dispatcher.Metrics() }

func (c *Central) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// checkDevice makes sure dev belongs to this central's registry.
func (c *Central) checkDevice(dev *device.Device) error {
	if c.isClosed() {
		return ErrClosed
	}
	if dev == nil {
		return ErrNilDevice
	}
	if known, ok := c.manager.DeviceForPath(dev.Path()); !ok || known != dev {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, dev.Address())
	}
	return nil
}

// ----------------------------
// Callback registration
// ----------------------------

// RegisterReadCallback installs cb for value changes of the characteristic
// uuid on dev, replacing any earlier callback. Notifications are enabled on a
// best-effort basis; a device that is not connected yet keeps the
// registration and delivers once notifications flow. A nil cb unregisters.
func (c *Central) RegisterReadCallback(dev *device.Device, uuid string, cb ReadCallback) error {
	if err := c.checkDevice(dev); err != nil {
		return err
	}
	normalized, err := device.NormalizeUUID(uuid)
	if err != nil {
		return err
	}
	if cb == nil {
		return c.UnregisterReadCallback(dev, normalized)
	}

	c.registry.RegisterRead(dev.Address(), normalized, cb)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OperationTimeout)
	defer cancel()
	if err := dev.StartNotify(ctx, normalized); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"address": dev.Address(),
			"uuid":    normalized,
		}).Debug("StartNotify failed, callback stays registered")
	}
	return nil
}

// UnregisterReadCallback removes the read callback and disables notifications
// on a best-effort basis.
func (c *Central) UnregisterReadCallback(dev *device.Device, uuid string) error {
	if err := c.checkDevice(dev); err != nil {
		return err
	}
	normalized, err := device.NormalizeUUID(uuid)
	if err != nil {
		return err
	}
	c.registry.UnregisterRead(dev.Address(), normalized)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OperationTimeout)
	defer cancel()
	_ = dev.StopNotify(ctx, normalized)
	return nil
}

// RegisterStateChangeCallback installs cb for connection changes of dev. A nil cb unregisters.
func (c *Central) RegisterStateChangeCallback(dev *device.Device, cb StateCallback) error {
	if err := c.checkDevice(dev); err != nil {
		return err
	}
	c.registry.RegisterState(dev.Address(), cb)
	return nil
}

// RegisterPropertyChangeCallback installs cb for pairing, trust and connection
// property changes of dev. A nil cb unregisters.
func (c *Central) RegisterPropertyChangeCallback(dev *device.Device, cb PropertyCallback) error {
	if err := c.checkDevice(dev); err != nil {
		return err
	}
	c.registry.RegisterProperty(dev.Address(), cb)
	return nil
}

// Close stops signal dispatch, disconnects devices that are still connected
// and closes the bus. Later calls return nil.
func (c *Central) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.dispatcher.Stop()
		if cerr := c.manager.Close(ctx); cerr != nil {
			err = cerr
		}
		c.registry.Clear()
		if cerr := c.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		c.logger.Debug("Central closed")
	})
	return err
}
