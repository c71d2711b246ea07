package central

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blez/internal/device"
	"github.com/srg/blez/internal/manager"
	"github.com/srg/blez/pkg/config"
)

var (
	instanceMu sync.Mutex
	instance   *Central

	configured       *config.Config
	configuredLogger *logrus.Logger
)

// Configure sets the config and logger used by the next initialization. It
// does not affect an instance that already exists.
func Configure(cfg *config.Config, logger *logrus.Logger) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	configured = cfg
	configuredLogger = logger
}

// Instance returns the process-wide Central, creating it on first use.
// A failed initialization is not remembered; the next call tries again.
func Instance() (*Central, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		return instance, nil
	}
	c, err := New(configured, configuredLogger)
	if err != nil {
		return nil, err
	}
	instance = c
	return instance, nil
}

// GetInstance returns the device manager of the process-wide Central.
func GetInstance() (*manager.Manager, error) {
	c, err := Instance()
	if err != nil {
		return nil, err
	}
	return c.Manager(), nil
}

// Shutdown closes the process-wide Central. The next Instance call starts over.
func Shutdown(ctx context.Context) error {
	instanceMu.Lock()
	c := instance
	instance = nil
	instanceMu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close(ctx)
}

func RegisterReadCallback(dev *device.Device, uuid string, cb ReadCallback) error {
	c, err := Instance()
	if err != nil {
		return err
	}
	return c.RegisterReadCallback(dev, uuid, cb)
}

func UnregisterReadCallback(dev *device.Device, uuid string) error {
	c, err := Instance()
	if err != nil {
		return err
	}
	return c.UnregisterReadCallback(dev, uuid)
}

func RegisterStateChangeCallback(dev *device.Device, cb StateCallback) error {
	c, err := Instance()
	if err != nil {
		return err
	}
	return c.RegisterStateChangeCallback(dev, cb)
}

func RegisterPropertyChangeCallback(dev *device.Device, cb PropertyCallback) error {
	c, err := Instance()
	if err != nil {
		return err
	}
	return c.RegisterPropertyChangeCallback(dev, cb)
}
