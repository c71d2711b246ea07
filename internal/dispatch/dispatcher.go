// Package dispatch turns the daemon's signal stream into device updates and
// user callbacks.
//
// A single listener goroutine consumes signals in bus order, so per-device
// state changes are applied in the order the daemon emitted them. Callbacks
// never run on the listener: each callback key (device+characteristic for
// reads, device for state and property handlers) has its own mailbox and
// worker, which keeps per-key order while a slow handler stalls only its key.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"github.com/srg/blez/internal/bus"
	"github.com/srg/blez/internal/device"
	"github.com/srg/blez/internal/groutine"
)

// DefaultQueueSize is the per-key mailbox bound.
const DefaultQueueSize = 256

var (
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrStopped        = errors.New("dispatcher stopped")
)

// Router resolves and maintains devices on behalf of the dispatcher.
// The device manager implements it.
type Router interface {
	// DeviceForPath returns the registered device at a device object path.
	DeviceForPath(path dbus.ObjectPath) (*device.Device, bool)
	// DeviceAdded reports a Device1 object that appeared in the daemon's tree.
	DeviceAdded(path dbus.ObjectPath, props map[string]dbus.Variant)
	// DeviceRemoved reports that the daemon dropped a device object.
	DeviceRemoved(path dbus.ObjectPath)
	// DaemonRestarted reports that the daemon left the bus; every device is gone.
	DaemonRestarted()
}

// Metrics counts dispatcher activity. Counters are safe for concurrent use.
type Metrics struct {
	Signals     *xsync.Counter // signals received from the bus
	Malformed   *xsync.Counter // signals or values that failed to decode
	Delivered   *xsync.Counter // handler invocations that returned normally
	Overwritten *xsync.Counter // deliveries lost to mailbox overflow
	Dropped     *xsync.Counter // deliveries the mailbox refused
	Panics      *xsync.Counter // recovered panics in routing or handlers
}

func newMetrics() *Metrics {
	return &Metrics{
		Signals:     xsync.NewCounter(),
		Malformed:   xsync.NewCounter(),
		Delivered:   xsync.NewCounter(),
		Overwritten: xsync.NewCounter(),
		Dropped:     xsync.NewCounter(),
		Panics:      xsync.NewCounter(),
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Signals     int64 `json:"signals"`
	Malformed   int64 `json:"malformed"`
	Delivered   int64 `json:"delivered"`
	Overwritten int64 `json:"overwritten"`
	Dropped     int64 `json:"dropped"`
	Panics      int64 `json:"panics"`
}

// Options configures a Dispatcher.
type Options struct {
	QueueSize uint32 // per-key mailbox bound; 0 means DefaultQueueSize
}

type Dispatcher struct {
	conn     bus.Conn
	router   Router
	registry *Registry
	logger   *logrus.Logger
	metrics  *Metrics
	boxes    *mailboxes

	mu      sync.Mutex
	started bool
	stopped bool
	release func()
	stop    chan struct{}
	done    chan struct{}
}

func New(conn bus.Conn, router Router, registry *Registry, opts Options, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = DefaultQueueSize
	}

	d := &Dispatcher{
		conn:     conn,
		router:   router,
		registry: registry,
		logger:   logger,
		metrics:  newMetrics(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.boxes = newMailboxes(opts.QueueSize, logger, d.metrics, d.onPanic)
	return d
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

func (d *Dispatcher) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Signals:     d.metrics.Signals.Value(),
		Malformed:   d.metrics.Malformed.Value(),
		Delivered:   d.metrics.Delivered.Value(),
		Overwritten: d.metrics.Overwritten.Value(),
		Dropped:     d.metrics.Dropped.Value(),
		Panics:      d.metrics.Panics.Value(),
	}
}

// Start subscribes to the bus and starts the listener. The listener exits on
// Stop, when ctx is done, or when the bus closes the signal channel.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.stopped:
		return ErrStopped
	case d.started:
		return ErrAlreadyStarted
	}

	sigs, release, err := d.conn.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe to daemon signals: %w", err)
	}
	d.release = release
	d.started = true

	groutine.GoSafe(ctx, "blez-signal-listener", func(ctx context.Context) {
		defer close(d.done)
		d.listen(ctx, sigs)
	}, d.onPanic)

	d.logger.Debug("Dispatcher started")
	return nil
}

// Stop unsubscribes, stops every mailbox worker and waits for running handlers.
// Pending deliveries are discarded. Stop is idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	started := d.started
	release := d.release
	close(d.stop)
	d.mu.Unlock()

	if release != nil {
		release()
	}
	if started {
		<-d.done
	}
	d.boxes.close()

	d.logger.WithFields(logrus.Fields{
		"signals":   d.metrics.Signals.Value(),
		"delivered": d.metrics.Delivered.Value(),
	}).Debug("Dispatcher stopped")
}

func (d *Dispatcher) listen(ctx context.Context, sigs <-chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case sig, ok := <-sigs:
			if !ok {
				d.logger.Debug("Signal channel closed")
				return
			}
			d.metrics.Signals.Inc()
			groutine.Call("route", func() { d.handle(sig) }, d.onPanic)
		}
	}
}

func (d *Dispatcher) onPanic(name string, r interface{}, stack []byte) {
	d.metrics.Panics.Inc()
	d.logger.WithFields(logrus.Fields{
		"where": name,
		"panic": r,
		"stack": string(stack),
	}).Error("Recovered panic in dispatcher")
}

func (d *Dispatcher) handle(sig *dbus.Signal) {
	ev, err := bus.DecodeSignal(sig)
	if err != nil {
		if errors.Is(err, bus.ErrMalformedSignal) {
			d.metrics.Malformed.Inc()
			d.logger.WithError(err).Warn("Dropping malformed signal")
		}
		return
	}

	switch e := ev.(type) {
	case *bus.PropertiesChanged:
		switch e.Interface {
		case bus.GattCharacteristicInterface:
			d.onValueChanged(e)
		case bus.DeviceInterface:
			d.onDeviceProperties(e)
		}

	case *bus.InterfacesAdded:
		if props, ok := e.Interfaces[bus.DeviceInterface]; ok {
			d.router.DeviceAdded(e.Path, props)
		}

	case *bus.InterfacesRemoved:
		if e.Has(bus.DeviceInterface) {
			d.router.DeviceRemoved(e.Path)
			// A device object that comes back is a new device; its handlers start over.
			if address, ok := bus.AddressFromPath(e.Path); ok {
				d.registry.ClearDevice(address)
			}
		}

	case *bus.DaemonOwnerChanged:
		if e.OldOwner != "" {
			fields := logrus.Fields{"old_owner": e.OldOwner, "new_owner": e.NewOwner}
			if e.Gone() {
				d.logger.WithFields(fields).Warn("Bluetooth daemon left the bus")
			} else {
				d.logger.WithFields(fields).Warn("Bluetooth daemon replaced")
			}
			d.router.DaemonRestarted()
			d.registry.Clear()
		}
		if e.NewOwner != "" {
			d.logger.WithField("owner", e.NewOwner).Info("Bluetooth daemon available")
		}
	}
}

func (d *Dispatcher) onValueChanged(e *bus.PropertiesChanged) {
	value, present, err := bus.ValueProp(e.Changed)
	if err != nil {
		d.metrics.Malformed.Inc()
		d.logger.WithError(err).WithField("path", e.Path).Warn("Dropping malformed value")
		return
	}
	if !present {
		return
	}

	devPath, ok := bus.DevicePathOf(e.Path)
	if !ok {
		return
	}
	dev, ok := d.router.DeviceForPath(devPath)
	if !ok {
		d.logger.WithField("path", e.Path).Debug("Value for unknown device")
		return
	}
	uuid, ok := dev.HandleValueChanged(string(e.Path), value)
	if !ok {
		d.logger.WithField("path", e.Path).Debug("Value for characteristic outside the current session")
		return
	}

	h, ok := d.registry.ReadHandler(dev.Address(), uuid)
	if !ok {
		return
	}
	d.boxes.post("read:"+dev.Address()+"/"+uuid, func() { h(value, nil) })
}

func (d *Dispatcher) onDeviceProperties(e *bus.PropertiesChanged) {
	dev, ok := d.router.DeviceForPath(e.Path)
	if !ok {
		return
	}
	delta := dev.ApplyProperties(e.Changed, e.Invalidated)
	if delta.Empty() {
		return
	}
	address := dev.Address()

	if delta.Connected != nil {
		connected := *delta.Connected
		if h, ok := d.registry.StateHandler(address); ok {
			d.boxes.post("state:"+address, func() { h(connected) })
		}
	}

	h, ok := d.registry.PropertyHandler(address)
	if !ok {
		return
	}
	for _, ev := range classifyDelta(address, delta) {
		ev := ev
		d.boxes.post("prop:"+address, func() { h(ev) })
	}
}

// classifyDelta expands a property delta into events, in a fixed order.
func classifyDelta(address string, delta device.PropertyDelta) []PropertyEvent {
	var out []PropertyEvent
	if delta.Paired != nil {
		kind := PropertyUnpair
		if *delta.Paired {
			kind = PropertyPair
		}
		out = append(out, PropertyEvent{Address: address, Kind: kind, Property: "Paired"})
	}
	if delta.Trusted != nil {
		kind := PropertyUntrusted
		if *delta.Trusted {
			kind = PropertyTrusted
		}
		out = append(out, PropertyEvent{Address: address, Kind: kind, Property: "Trusted"})
	}
	if delta.Connected != nil {
		kind := PropertyDisconnect
		if *delta.Connected {
			kind = PropertyConnect
		}
		out = append(out, PropertyEvent{Address: address, Kind: kind, Property: "Connected"})
	}
	for _, name := range delta.Other {
		out = append(out, PropertyEvent{Address: address, Kind: PropertyOther, Property: name})
	}
	return out
}
