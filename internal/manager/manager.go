// Package manager keeps the registry of known devices and drives scanning.
//
// The registry is keyed by daemon object path. It changes only when a scan
// runs and when the daemon reports a device removed (or goes away entirely);
// lookups never block and are safe while a scan is in progress.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/cskr/pubsub/v2"
	"github.com/godbus/dbus/v5"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blez/internal/bus"
	"github.com/srg/blez/internal/device"
	"golang.org/x/sync/singleflight"
)

// ErrScanFailed is returned when the daemon refuses to start discovery.
var ErrScanFailed = errors.New("scan failed")

// ErrClosed is returned by operations on a closed Manager.
var ErrClosed = errors.New("device manager closed")

const (
	scanKey     = "scan"
	deviceTopic = "device"
)

// EventType marks what happened to a device
type EventType int

const (
	EventAdded EventType = iota
	EventRemoved
	EventStateChanged
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventStateChanged:
		return "state"
	default:
		return "unknown"
	}
}

// Event is published on every registry change and device state transition.
type Event struct {
	Type   EventType
	Device *device.Device
	State  device.State
}

type entry struct {
	dev *device.Device
	seq uint64
}

// Manager is the registry of devices known on one adapter.
type Manager struct {
	conn    bus.Conn
	logger  *logrus.Logger
	opts    Options
	adapter dbus.ObjectPath

	devices *hashmap.Map[string, *entry]
	seq     atomic.Uint64
	filter  atomic.Pointer[scanFilter] // non-nil while a scan runs
	group   singleflight.Group

	eventsMu sync.RWMutex
	events   *pubsub.PubSub[string, Event]
	closed   bool
}

// New creates a Manager on top of conn.
func New(conn bus.Conn, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	return &Manager{
		conn:    conn,
		logger:  logger,
		opts:    opts,
		adapter: bus.AdapterPath(opts.Adapter),
		devices: hashmap.New[string, *entry](),
		events:  pubsub.New[string, Event](opts.EventBuffer),
	}
}

// Adapter returns the object path of the adapter the manager scans on.
func (m *Manager) Adapter() dbus.ObjectPath { return m.adapter }

// Scanning reports whether a scan is in progress.
func (m *Manager) Scanning() bool { return m.filter.Load() != nil }

// ----------------------------
// Scanning
// ----------------------------

// Scan discovers devices for timeout (DefaultScanOptions when zero) and
// returns the registry in discovery order. A scan that finds nothing returns
// an empty slice and no error.
func (m *Manager) Scan(ctx context.Context, timeout time.Duration) ([]*device.Device, error) {
	opts := DefaultScanOptions()
	if timeout > 0 {
		opts.Duration = timeout
	}
	return m.ScanWithOptions(ctx, opts, nil)
}

// ScanWithOptions performs discovery with the provided options.
//
// Concurrent calls share one in-flight scan, whatever their options; the
// scan runs on the first caller's context. Every caller stops waiting when
// its own ctx ends and then gets the registry as it stands.
func (m *Manager) ScanWithOptions(ctx context.Context, opts *ScanOptions, progress ProgressCallback) ([]*device.Device, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progress == nil {
		progress = func(string) {}
	}
	filter, err := newScanFilter(opts)
	if err != nil {
		return nil, fmt.Errorf("invalid scan options: %w", err)
	}

	ch := m.group.DoChan(scanKey, func() (interface{}, error) {
		return m.runScan(ctx, opts.Duration, filter, progress)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			m.logger.Debug("Joined in-flight scan")
		}
		return res.Val.([]*device.Device), nil
	case <-ctx.Done():
		m.logger.WithError(ctx.Err()).Debug("Stopped waiting for scan")
		return m.Devices(), nil
	}
}

func (m *Manager) runScan(ctx context.Context, duration time.Duration, filter *scanFilter, progress ProgressCallback) ([]*device.Device, error) {
	log := m.logger.WithFields(logrus.Fields{
		"adapter":  m.opts.Adapter,
		"duration": duration,
	})

	if !m.opts.KeepKnownDevices {
		m.dropIdleDevices()
	}

	m.filter.Store(filter)
	defer m.filter.Store(nil)

	log.Info("Starting BLE scan...")
	progress("Scanning")

	m.setDiscoveryFilter(ctx, filter)

	ownDiscovery := true
	if _, err := m.conn.Call(ctx, m.adapter, bus.MethodStartDiscovery); err != nil {
		switch {
		case errors.Is(err, bus.ErrInProgress):
			// Someone else is already discovering on this adapter; ride along.
			log.Debug("Discovery already active")
			ownDiscovery = false
		case errors.Is(err, bus.ErrDaemonUnavailable):
			return nil, &device.Error{Kind: device.KindDaemonUnavailable, Msg: "start discovery", Err: err}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return m.Devices(), nil
		default:
			return nil, fmt.Errorf("%w: %w", ErrScanFailed, err)
		}
	}

	timer := time.NewTimer(duration)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		log.WithError(ctx.Err()).Debug("Scan cancelled")
	}

	progress("Processing results")

	// The caller's context may be gone; cleanup gets its own bound.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), m.operationTimeout())
	defer cancel()

	if ownDiscovery {
		if _, err := m.conn.Call(cleanupCtx, m.adapter, bus.MethodStopDiscovery); err != nil {
			log.WithError(err).Debug("StopDiscovery failed")
		}
	}

	if err := m.reconcile(cleanupCtx, filter); err != nil {
		log.WithError(err).Warn("Failed to reconcile with daemon object tree")
	}

	devices := m.Devices()
	log.WithField("device_count", len(devices)).Info("BLE scan completed")
	return devices, nil
}

// setDiscoveryFilter restricts discovery to LE (and to the filter's services).
// Adapters that reject the filter still scan, so failures are only logged.
func (m *Manager) setDiscoveryFilter(ctx context.Context, filter *scanFilter) {
	args := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	if uuids := filter.serviceUUIDs(); len(uuids) > 0 {
		args["UUIDs"] = dbus.MakeVariant(uuids)
	}
	if _, err := m.conn.Call(ctx, m.adapter, bus.MethodSetDiscoveryFilter, args); err != nil {
		m.logger.WithError(err).Debug("SetDiscoveryFilter failed")
	}
}

// reconcile registers devices whose InterfacesAdded was missed and drops
// registry entries the daemon no longer has.
func (m *Manager) reconcile(ctx context.Context, filter *scanFilter) error {
	objects, err := m.conn.ManagedObjects(ctx)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(objects))
	for path, ifaces := range objects {
		if _, ok := ifaces[bus.DeviceInterface]; ok && bus.IsDescendant(path, m.adapter) {
			paths = append(paths, string(path))
		}
	}
	// Daemon order is arbitrary; register in a stable order.
	sort.Strings(paths)

	for _, p := range paths {
		path := dbus.ObjectPath(p)
		props := objects[path][bus.DeviceInterface]
		if e, ok := m.devices.Get(p); ok {
			e.dev.ApplyProperties(props, nil)
			continue
		}
		m.register(path, props, filter)
	}

	var gone []dbus.ObjectPath
	m.devices.Range(func(key string, _ *entry) bool {
		if _, ok := objects[dbus.ObjectPath(key)]; !ok {
			gone = append(gone, dbus.ObjectPath(key))
		}
		return true
	})
	for _, path := range gone {
		m.DeviceRemoved(path)
	}
	return nil
}

// dropIdleDevices starts a new scan session. Devices with a live or pending
// connection stay.
func (m *Manager) dropIdleDevices() {
	var idle []string
	m.devices.Range(func(key string, e *entry) bool {
		switch e.dev.State() {
		case device.StateConnecting, device.StateConnected, device.StateDisconnecting:
		default:
			idle = append(idle, key)
		}
		return true
	})
	for _, key := range idle {
		if e, ok := m.devices.Get(key); ok && m.devices.Del(key) {
			e.dev.SetStateObserver(nil)
			m.publish(Event{Type: EventRemoved, Device: e.dev, State: e.dev.State()})
		}
	}
	if len(idle) > 0 {
		m.logger.WithField("count", len(idle)).Debug("Dropped devices from previous scan")
	}
}

// register adds a device found during a scan if it passes the filter.
func (m *Manager) register(path dbus.ObjectPath, props map[string]dbus.Variant, filter *scanFilter) *device.Device {
	address, ok := bus.StringProp(props, "Address")
	if !ok {
		address, _ = bus.AddressFromPath(path)
	}
	uuids, _ := bus.StringsProp(props, "UUIDs")
	if filter != nil && !filter.includes(address, uuids) {
		return nil
	}

	dev := device.New(m.conn, path, props, m.opts.Device, m.logger)
	dev.SetStateObserver(m.onStateChange)

	e, loaded := m.devices.GetOrInsert(string(path), &entry{dev: dev, seq: m.seq.Add(1)})
	if loaded {
		dev.SetStateObserver(nil)
		e.dev.ApplyProperties(props, nil)
		return e.dev
	}

	m.logger.WithFields(logrus.Fields{
		"device":  dev.Name(),
		"address": dev.Address(),
		"rssi":    dev.GetProperties().RSSI,
	}).Info("Discovered new device")

	m.publish(Event{Type: EventAdded, Device: dev, State: dev.State()})
	return dev
}

// ----------------------------
// Lookups
// ----------------------------

// Devices returns a snapshot of the registry in discovery order.
func (m *Manager) Devices() []*device.Device {
	entries := make([]*entry, 0, m.devices.Len())
	m.devices.Range(func(_ string, e *entry) bool {
		entries = append(entries, e)
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	devs := make([]*device.Device, len(entries))
	for i, e := range entries {
		devs[i] = e.dev
	}
	return devs
}

// GetDeviceByName returns the earliest discovered device whose name matches exactly.
func (m *Manager) GetDeviceByName(name string) (*device.Device, error) {
	var found *entry
	m.devices.Range(func(_ string, e *entry) bool {
		if e.dev.Name() == name && (found == nil || e.seq < found.seq) {
			found = e
		}
		return true
	})
	if found == nil {
		return nil, &device.NotFoundError{Resource: "device", Keys: []string{name}}
	}
	return found.dev, nil
}

// GetDeviceByAddress looks a device up by hardware address, ignoring case.
func (m *Manager) GetDeviceByAddress(address string) (*device.Device, error) {
	address = strings.ToUpper(strings.TrimSpace(address))
	if e, ok := m.devices.Get(string(bus.DevicePathFor(m.adapter, address))); ok {
		return e.dev, nil
	}

	var found *device.Device
	m.devices.Range(func(_ string, e *entry) bool {
		if e.dev.Address() == address {
			found = e.dev
			return false
		}
		return true
	})
	if found == nil {
		return nil, &device.NotFoundError{Resource: "device", Keys: []string{address}}
	}
	return found, nil
}

// GetDeviceByPath looks a device up by its daemon object path.
func (m *Manager) GetDeviceByPath(path dbus.ObjectPath) (*device.Device, error) {
	if e, ok := m.devices.Get(string(path)); ok {
		return e.dev, nil
	}
	return nil, &device.NotFoundError{Resource: "device", Keys: []string{string(path)}}
}

// FindDevice resolves an address, object path or name, in that order.
func (m *Manager) FindDevice(id string) (*device.Device, error) {
	if strings.HasPrefix(id, "/") {
		return m.GetDeviceByPath(dbus.ObjectPath(id))
	}
	if dev, err := m.GetDeviceByAddress(id); err == nil {
		return dev, nil
	}
	if dev, err := m.GetDeviceByName(id); err == nil {
		return dev, nil
	}
	return nil, &device.NotFoundError{Resource: "device", Keys: []string{id}}
}

// ----------------------------
// Dispatcher hooks
// ----------------------------

// DeviceForPath returns the registered device at path.
func (m *Manager) DeviceForPath(path dbus.ObjectPath) (*device.Device, bool) {
	e, ok := m.devices.Get(string(path))
	if !ok {
		return nil, false
	}
	return e.dev, true
}

// DeviceAdded registers a new device while a scan runs. Outside a scan only
// devices already in the registry are refreshed.
func (m *Manager) DeviceAdded(path dbus.ObjectPath, props map[string]dbus.Variant) {
	if !bus.IsDescendant(path, m.adapter) {
		return
	}
	if e, ok := m.devices.Get(string(path)); ok {
		e.dev.ApplyProperties(props, nil)
		return
	}
	filter := m.filter.Load()
	if filter == nil {
		m.logger.WithField("path", path).Debug("Ignoring device outside a scan")
		return
	}
	m.register(path, props, filter)
}

// DeviceRemoved drops a device the daemon no longer knows. Its state becomes Lost.
func (m *Manager) DeviceRemoved(path dbus.ObjectPath) {
	e, ok := m.devices.Get(string(path))
	if !ok || !m.devices.Del(string(path)) {
		return
	}
	e.dev.MarkLost()
	e.dev.SetStateObserver(nil)

	m.logger.WithFields(logrus.Fields{
		"device":  e.dev.Name(),
		"address": e.dev.Address(),
	}).Info("Device removed")
	m.publish(Event{Type: EventRemoved, Device: e.dev, State: device.StateLost})
}

// DaemonRestarted marks every device Lost and empties the registry.
func (m *Manager) DaemonRestarted() {
	m.logger.Warn("Bluetooth daemon left the bus, dropping all devices")

	var paths []dbus.ObjectPath
	m.devices.Range(func(key string, _ *entry) bool {
		paths = append(paths, dbus.ObjectPath(key))
		return true
	})
	for _, path := range paths {
		m.DeviceRemoved(path)
	}
}

func (m *Manager) onStateChange(d *device.Device, state device.State) {
	m.logger.WithFields(logrus.Fields{
		"address": d.Address(),
		"state":   state.String(),
	}).Debug("Device state changed")
	m.publish(Event{Type: EventStateChanged, Device: d, State: state})
}

// ----------------------------
// Events
// ----------------------------

// Events subscribes to device events. A slow subscriber misses events rather
// than stalling the manager. Release the channel with Unsubscribe.
func (m *Manager) Events() chan Event {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	if m.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return m.events.Sub(deviceTopic)
}

// Unsubscribe releases a channel returned by Events and closes it.
func (m *Manager) Unsubscribe(ch chan Event) {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	if m.closed {
		return
	}
	m.events.Unsub(ch, deviceTopic)
}

func (m *Manager) publish(ev Event) {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	if m.closed {
		return
	}
	m.events.TryPub(ev, deviceTopic)
}

// ----------------------------
// Shutdown
// ----------------------------

// Close disconnects devices that are still connected (best effort), empties
// the registry and closes every event subscription.
func (m *Manager) Close(ctx context.Context) error {
	if m.isClosed() {
		return nil
	}

	for _, dev := range m.Devices() {
		if dev.State() != device.StateConnected {
			continue
		}
		if err := dev.Disconnect(ctx); err != nil && !device.IsInformational(err) {
			m.logger.WithError(err).WithField("address", dev.Address()).Warn("Failed to disconnect on shutdown")
		}
	}

	var keys []string
	m.devices.Range(func(key string, e *entry) bool {
		e.dev.SetStateObserver(nil)
		keys = append(keys, key)
		return true
	})
	for _, key := range keys {
		m.devices.Del(key)
	}

	m.eventsMu.Lock()
	m.closed = true
	m.events.Shutdown()
	m.eventsMu.Unlock()
	return nil
}

func (m *Manager) isClosed() bool {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	return m.closed
}

func (m *Manager) operationTimeout() time.Duration {
	if m.opts.Device.OperationTimeout > 0 {
		return m.opts.Device.OperationTimeout
	}
	return device.DefaultOptions().OperationTimeout
}
