package device

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blez/internal/bus"
)

// StateObserver is notified after every state transition, outside the device lock.
type StateObserver func(d *Device, state State)

// Device is one peripheral known to the daemon.
//
// Blocking calls snapshot what they need under the lock and talk to the daemon
// outside it, so operations on one device never stall lookups or other devices.
type Device struct {
	conn    bus.Conn
	logger  *logrus.Logger
	opts    Options
	path    dbus.ObjectPath
	address string

	mu          sync.RWMutex
	name        string
	state       State
	props       Properties
	session     uint64
	cache       *Cache
	invalidated bool // a session with a cache ended; lookups report Invalidated
	observer    StateObserver

	discoverMu sync.Mutex
}

// New creates a Device for the object at path using its Device1 properties.
func New(conn bus.Conn, path dbus.ObjectPath, props map[string]dbus.Variant, opts Options, logger *logrus.Logger) *Device {
	if logger == nil {
		logger = logrus.New()
	}

	address, ok := bus.StringProp(props, "Address")
	if !ok {
		address, _ = bus.AddressFromPath(path)
	}

	d := &Device{
		conn:    conn,
		logger:  logger,
		opts:    opts.withDefaults(),
		path:    path,
		address: strings.ToUpper(address),
		state:   StateDiscovered,
	}
	d.ApplyProperties(props, nil)
	return d
}

func (d *Device) Path() dbus.ObjectPath { return d.path }
func (d *Device) Address() string       { return d.address }

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// GetProperties returns the last daemon-reported property snapshot. It never blocks on the daemon.
func (d *Device) GetProperties() Properties {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.props
}

// SetStateObserver installs fn to be called on every state transition.
func (d *Device) SetStateObserver(fn StateObserver) {
	d.mu.Lock()
	d.observer = fn
	d.mu.Unlock()
}

func (d *Device) log() *logrus.Entry {
	return d.logger.WithFields(logrus.Fields{"address": d.address, "path": d.path})
}

// ----------------------------
// Connection lifecycle
// ----------------------------

// Connect establishes the link and blocks until the daemon confirms it or the
// connect timeout expires. Connecting a connected device returns ErrAlreadyConnected
// and leaves its GATT cache untouched. When only the daemon still holds the
// link, its AlreadyConnected reply is taken as the confirmation.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case StateConnected:
		d.mu.Unlock()
		return newError(KindAlreadyConnected, nil, "%s", d.address)
	case StateConnecting:
		d.mu.Unlock()
		return newError(KindConnectFailed, bus.ErrInProgress, "%s: connect already in progress", d.address)
	case StateDisconnecting:
		d.mu.Unlock()
		return newError(KindConnectFailed, bus.ErrInProgress, "%s: disconnect in progress", d.address)
	case StateLost:
		d.mu.Unlock()
		return newError(KindConnectFailed, nil, "%s: device is no longer known to the daemon", d.address)
	}
	d.state = StateConnecting
	observer := d.observer
	d.mu.Unlock()
	notify(observer, d, StateConnecting)

	d.log().Debug("Connecting")

	callCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	if _, err := d.conn.Call(callCtx, d.path, bus.MethodConnect); err != nil && !errors.Is(err, bus.ErrAlreadyExists) {
		d.transition(StateConnecting, StateDisconnected)
		d.log().WithError(err).Warn("Connect failed")
		return classify(KindConnectFailed, err, "connect %s", d.address)
	}

	// Refresh the snapshot from the daemon; signals may lag behind the reply.
	if props, err := d.conn.GetAll(callCtx, d.path, bus.DeviceInterface); err == nil {
		d.ApplyProperties(props, nil)
	} else {
		d.log().WithError(err).Debug("Property refresh after connect failed")
	}

	d.mu.Lock()
	if d.state != StateConnecting {
		state := d.state
		d.mu.Unlock()
		return newError(KindConnectFailed, nil, "%s: link dropped while connecting (state %s)", d.address, state)
	}
	d.state = StateConnected
	d.session++
	d.cache = nil
	d.invalidated = false
	observer = d.observer
	d.mu.Unlock()
	notify(observer, d, StateConnected)

	d.log().Info("Connected")
	return nil
}

// Disconnect tears the link down. It is safe from any state; on a device that
// is not connected it does nothing and returns nil. The GATT cache and every
// handle derived from it are invalidated before the daemon is asked.
//
// A device that looks disconnected locally while its snapshot still says
// Connected is checked against the daemon, and disconnected there if needed.
func (d *Device) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case StateDiscovered, StateDisconnected:
		state, stale := d.state, d.props.Connected
		d.mu.Unlock()
		if !stale || !d.daemonConnected(ctx) {
			d.log().WithField("state", state).Debug("Disconnect: already disconnected")
			return nil
		}
		// The refresh may already have moved the device to Connected.
		d.mu.Lock()
		if d.state == StateLost || d.state == StateDisconnecting {
			d.mu.Unlock()
			return nil
		}
	case StateLost, StateDisconnecting:
		state := d.state
		d.mu.Unlock()
		d.log().WithField("state", state).Debug("Disconnect: already disconnected")
		return nil
	}
	d.state = StateDisconnecting
	d.dropSessionLocked()
	observer := d.observer
	d.mu.Unlock()
	notify(observer, d, StateDisconnecting)

	callCtx, cancel := context.WithTimeout(ctx, d.opts.OperationTimeout)
	defer cancel()

	_, err := d.conn.Call(callCtx, d.path, bus.MethodDisconnect)
	d.transition(StateDisconnecting, StateDisconnected)

	if err != nil && !isLinkLoss(err) {
		d.log().WithError(err).Warn("Disconnect failed")
		return classify(KindConnectFailed, err, "disconnect %s", d.address)
	}

	d.log().Info("Disconnected")
	return nil
}

// Pair asks the daemon to pair with the device. Pairing an already paired
// device succeeds.
func (d *Device) Pair(ctx context.Context) error {
	if d.State() == StateLost {
		return newError(KindConnectFailed, nil, "%s: device is no longer known to the daemon", d.address)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	if _, err := d.conn.Call(callCtx, d.path, bus.MethodPair); err != nil {
		if errors.Is(err, bus.ErrAlreadyExists) {
			return nil
		}
		return classify(KindConnectFailed, err, "pair %s", d.address)
	}
	d.log().Info("Paired")
	return nil
}

// daemonConnected refreshes the snapshot and reports whether the daemon holds
// the link. A failed refresh counts as not connected.
func (d *Device) daemonConnected(ctx context.Context) bool {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.OperationTimeout)
	defer cancel()

	props, err := d.conn.GetAll(callCtx, d.path, bus.DeviceInterface)
	if err != nil {
		d.log().WithError(err).Debug("Link check failed")
		return false
	}
	d.ApplyProperties(props, nil)
	connected, _ := bus.BoolProp(props, "Connected")
	return connected
}

// CancelPairing aborts an in-flight pairing. Without one it is a no-op.
func (d *Device) CancelPairing(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.OperationTimeout)
	defer cancel()

	if _, err := d.conn.Call(callCtx, d.path, bus.MethodCancelPairing); err != nil {
		if errors.Is(err, bus.ErrUnknownObject) {
			return nil
		}
		return classify(KindConnectFailed, err, "cancel pairing %s", d.address)
	}
	return nil
}

// dropSessionLocked ends the current connection session. Callers hold d.mu.
func (d *Device) dropSessionLocked() {
	if d.cache != nil {
		d.cache.clearValues()
	}
	d.cache = nil
	d.invalidated = true
	d.session++
}

// transition moves from -> to only if the device is still in from.
func (d *Device) transition(from, to State) {
	d.mu.Lock()
	if d.state != from {
		d.mu.Unlock()
		return
	}
	d.state = to
	observer := d.observer
	d.mu.Unlock()
	notify(observer, d, to)
}

// handleLinkLoss is called when an I/O call finds the link gone. Only the
// session the call started in is dropped.
func (d *Device) handleLinkLoss(session uint64) {
	d.mu.Lock()
	if d.session != session || d.state != StateConnected {
		d.mu.Unlock()
		return
	}
	d.dropSessionLocked()
	d.state = StateDisconnected
	observer := d.observer
	d.mu.Unlock()

	d.log().Warn("Link lost")
	notify(observer, d, StateDisconnected)
}

// MarkLost records that the daemon removed the device object.
func (d *Device) MarkLost() {
	d.mu.Lock()
	if d.state == StateLost {
		d.mu.Unlock()
		return
	}
	if d.state == StateConnected || d.state == StateConnecting || d.state == StateDisconnecting {
		d.dropSessionLocked()
	}
	d.state = StateLost
	observer := d.observer
	d.mu.Unlock()

	d.log().Debug("Device lost")
	notify(observer, d, StateLost)
}

func notify(observer StateObserver, d *Device, state State) {
	if observer != nil {
		observer(d, state)
	}
}

// ----------------------------
// Daemon-driven updates
// ----------------------------

// ApplyProperties merges a Device1 property update into the snapshot. A
// Connected=false update while connected ends the session exactly as a local
// disconnect would.
func (d *Device) ApplyProperties(changed map[string]dbus.Variant, invalidated []string) PropertyDelta {
	var (
		delta    PropertyDelta
		newState *State
	)

	d.mu.Lock()
	keys := make([]string, 0, len(changed))
	for k := range changed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch k {
		case "Connected":
			v, ok := bus.BoolProp(changed, k)
			if !ok {
				continue
			}
			d.props.Connected = v
			delta.Connected = &v
			switch {
			case !v && d.state == StateConnected:
				d.dropSessionLocked()
				d.state = StateDisconnected
				delta.SessionDropped = true
				newState = stateRef(StateDisconnected)
			case !v && d.state == StateDisconnecting:
				d.state = StateDisconnected
				newState = stateRef(StateDisconnected)
			case v && (d.state == StateDiscovered || d.state == StateDisconnected):
				// Connected by someone else; start a session so discovery works.
				d.state = StateConnected
				d.session++
				d.cache = nil
				d.invalidated = false
				newState = stateRef(StateConnected)
			}
		case "Paired":
			if v, ok := bus.BoolProp(changed, k); ok {
				d.props.Paired = v
				delta.Paired = &v
			}
		case "Trusted":
			if v, ok := bus.BoolProp(changed, k); ok {
				d.props.Trusted = v
				delta.Trusted = &v
			}
		case "ServicesResolved":
			if v, ok := bus.BoolProp(changed, k); ok {
				d.props.ServicesResolved = v
				delta.Other = append(delta.Other, k)
			}
		case "Name":
			if v, ok := bus.StringProp(changed, k); ok {
				d.props.Name = v
				if d.name == "" {
					d.name = v
				}
				delta.Other = append(delta.Other, k)
			}
		case "RSSI":
			if v, ok := bus.Int16Prop(changed, k); ok {
				d.props.RSSI = v
				delta.Other = append(delta.Other, k)
			}
		default:
			delta.Other = append(delta.Other, k)
		}
	}
	for _, k := range invalidated {
		if k == "RSSI" {
			d.props.RSSI = 0
		}
	}
	observer := d.observer
	d.mu.Unlock()

	if newState != nil {
		notify(observer, d, *newState)
	}
	return delta
}

func stateRef(s State) *State { return &s }

// HandleValueChanged stores a notified value on the characteristic at path in
// the current cache and returns its UUID. ok is false when the path is not part
// of the current session.
func (d *Device) HandleValueChanged(path string, value []byte) (string, bool) {
	d.mu.RLock()
	cache := d.cache
	d.mu.RUnlock()
	if cache == nil {
		return "", false
	}
	ch, ok := cache.CharacteristicByPath(path)
	if !ok {
		return "", false
	}
	ch.setValue(value)
	return ch.uuid, true
}

// ----------------------------
// GATT discovery and lookup
// ----------------------------

// DiscoverServices walks the daemon's object tree under this device and
// replaces the GATT cache with the result. On any failure the previous cache
// stays as it was.
func (d *Device) DiscoverServices(ctx context.Context) ([]*Service, error) {
	d.discoverMu.Lock()
	defer d.discoverMu.Unlock()

	d.mu.RLock()
	state, session, invalidated := d.state, d.session, d.invalidated
	d.mu.RUnlock()

	if state != StateConnected {
		if invalidated {
			return nil, newError(KindInvalidated, nil, "%s: connection session ended", d.address)
		}
		return nil, newError(KindNotReady, nil, "%s: device is %s", d.address, state)
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.DiscoveryTimeout)
	defer cancel()

	if err := d.waitServicesResolved(ctx, session); err != nil {
		return nil, err
	}

	objects, err := d.conn.ManagedObjects(ctx)
	if err != nil {
		return nil, classify(KindDiscoveryFailed, err, "enumerate objects of %s", d.address)
	}

	cache, err := BuildCache(objects, d.path, session)
	if err != nil {
		d.log().WithError(err).Warn("Discarding inconsistent GATT tree")
		return nil, newError(KindDiscoveryFailed, err, "%s", d.address)
	}

	d.mu.Lock()
	if d.session != session || d.state != StateConnected {
		d.mu.Unlock()
		return nil, newError(KindInvalidated, nil, "%s: connection dropped during discovery", d.address)
	}
	if d.cache != nil {
		d.cache.clearValues()
	}
	d.cache = cache
	d.mu.Unlock()

	services := cache.Services()
	d.log().WithFields(logrus.Fields{
		"services":        len(services),
		"characteristics": len(cache.Characteristics()),
	}).Info("Services discovered")

	return services, nil
}

func (d *Device) waitServicesResolved(ctx context.Context, session uint64) error {
	for {
		d.mu.RLock()
		resolved := d.props.ServicesResolved
		current := d.session == session && d.state == StateConnected
		d.mu.RUnlock()

		if !current {
			return newError(KindInvalidated, nil, "%s: connection dropped during discovery", d.address)
		}
		if resolved {
			return nil
		}

		props, err := d.conn.GetAll(ctx, d.path, bus.DeviceInterface)
		if err != nil {
			return classify(KindDiscoveryFailed, err, "read properties of %s", d.address)
		}
		d.ApplyProperties(props, nil)
		if v, ok := bus.BoolProp(props, "ServicesResolved"); ok && v {
			continue // re-check the session before declaring success
		}

		select {
		case <-ctx.Done():
			return classify(KindDiscoveryFailed, ctx.Err(), "%s: services not resolved", d.address)
		case <-time.After(d.opts.ResolvePollInterval):
		}
	}
}

// Cache returns the current GATT cache, or NotReady / Invalidated.
func (d *Device) Cache() (*Cache, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.cache != nil {
		return d.cache, nil
	}
	if d.invalidated {
		return nil, newError(KindInvalidated, nil, "%s: connection session ended", d.address)
	}
	return nil, newError(KindNotReady, nil, "%s: services not discovered", d.address)
}

// Services returns the discovered services in path order.
func (d *Device) Services() ([]*Service, error) {
	cache, err := d.Cache()
	if err != nil {
		return nil, err
	}
	return cache.Services(), nil
}

func (d *Device) GetServiceByPath(path string) (*Service, error) {
	cache, err := d.Cache()
	if err != nil {
		return nil, err
	}
	if svc, ok := cache.ServiceByPath(path); ok {
		return svc, nil
	}
	return nil, &NotFoundError{Resource: "service", Keys: []string{path}}
}

// GetServiceByUUID returns the first service with the UUID; short forms are accepted.
func (d *Device) GetServiceByUUID(u string) (*Service, error) {
	cache, err := d.Cache()
	if err != nil {
		return nil, err
	}
	normalized, err := NormalizeUUID(u)
	if err != nil {
		return nil, newError(KindNotFound, err, "service")
	}
	if svc, ok := cache.ServiceByUUID(normalized); ok {
		return svc, nil
	}
	return nil, &NotFoundError{Resource: "service", Keys: []string{normalized}}
}

func (d *Device) GetCharacteristicByPath(path string) (*Characteristic, error) {
	cache, err := d.Cache()
	if err != nil {
		return nil, err
	}
	if ch, ok := cache.CharacteristicByPath(path); ok {
		return ch, nil
	}
	return nil, &NotFoundError{Resource: "characteristic", Keys: []string{path}}
}

// GetCharacteristicByUUID returns the first characteristic with the UUID across all services.
func (d *Device) GetCharacteristicByUUID(u string) (*Characteristic, error) {
	cache, err := d.Cache()
	if err != nil {
		return nil, err
	}
	normalized, err := NormalizeUUID(u)
	if err != nil {
		return nil, newError(KindNotFound, err, "characteristic")
	}
	if ch, ok := cache.CharacteristicByUUID(normalized); ok {
		return ch, nil
	}
	return nil, &NotFoundError{Resource: "characteristic", Keys: []string{normalized}}
}

// ResolveCharacteristic accepts an object path (leading "/") or a UUID.
func (d *Device) ResolveCharacteristic(id string) (*Characteristic, error) {
	if strings.HasPrefix(id, "/") {
		return d.GetCharacteristicByPath(id)
	}
	return d.GetCharacteristicByUUID(id)
}

// ----------------------------
// Characteristic I/O
// ----------------------------

// ReadCharacteristic reads the characteristic identified by path or UUID.
func (d *Device) ReadCharacteristic(ctx context.Context, id string) ([]byte, error) {
	ch, err := d.ResolveCharacteristic(id)
	if err != nil {
		return nil, err
	}
	return d.ReadValue(ctx, ch)
}

// WriteCharacteristic writes data to the characteristic identified by path or UUID.
func (d *Device) WriteCharacteristic(ctx context.Context, id string, data []byte) error {
	ch, err := d.ResolveCharacteristic(id)
	if err != nil {
		return err
	}
	return d.WriteValue(ctx, ch, data)
}

// liveHandle checks that ch belongs to the current session and returns the
// current cache's entry for its path.
func (d *Device) liveHandle(ch *Characteristic) (*Characteristic, uint64, error) {
	if ch == nil {
		return nil, 0, &NotFoundError{Resource: "characteristic"}
	}
	d.mu.RLock()
	cache, session := d.cache, d.session
	d.mu.RUnlock()

	if cache == nil || ch.session != session {
		return nil, 0, newError(KindInvalidated, nil, "characteristic %s belongs to an ended session", ch.path)
	}
	cur, ok := cache.CharacteristicByPath(ch.path)
	if !ok {
		return nil, 0, newError(KindInvalidated, nil, "characteristic %s is no longer present", ch.path)
	}
	return cur, session, nil
}

// ReadValue performs a one-shot read through a characteristic handle.
func (d *Device) ReadValue(ctx context.Context, ch *Characteristic) ([]byte, error) {
	cur, session, err := d.liveHandle(ch)
	if err != nil {
		return nil, err
	}
	if !cur.CanRead() {
		return nil, newError(KindNotReadable, nil, "characteristic %s", cur.uuid)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.OperationTimeout)
	defer cancel()

	body, err := d.conn.Call(callCtx, dbus.ObjectPath(cur.path), bus.MethodReadValue, map[string]dbus.Variant{})
	if err != nil {
		return nil, d.ioError(KindReadFailed, err, session, "read %s", cur.uuid)
	}
	if len(body) == 0 {
		return nil, newError(KindReadFailed, nil, "read %s: empty reply", cur.uuid)
	}
	value, ok := body[0].([]byte)
	if !ok {
		return nil, newError(KindReadFailed, nil, "read %s: unexpected reply type %T", cur.uuid, body[0])
	}

	cur.setValue(value)
	out := make([]byte, len(value))
	copy(out, value)

	d.log().WithFields(logrus.Fields{"uuid": cur.uuid, "bytes": len(out)}).Debug("Read characteristic")
	return out, nil
}

// WriteValue writes through a characteristic handle. Write requests are used
// when the characteristic supports them, write commands otherwise.
func (d *Device) WriteValue(ctx context.Context, ch *Characteristic, data []byte) error {
	cur, session, err := d.liveHandle(ch)
	if err != nil {
		return err
	}

	var writeType string
	switch {
	case cur.CanWrite():
		writeType = "request"
	case cur.CanWriteWithoutResponse():
		writeType = "command"
	default:
		return newError(KindNotWritable, nil, "characteristic %s", cur.uuid)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.OperationTimeout)
	defer cancel()

	payload := make([]byte, len(data))
	copy(payload, data)
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant(writeType)}

	if _, err := d.conn.Call(callCtx, dbus.ObjectPath(cur.path), bus.MethodWriteValue, payload, opts); err != nil {
		return d.ioError(KindWriteFailed, err, session, "write %s", cur.uuid)
	}

	d.log().WithFields(logrus.Fields{"uuid": cur.uuid, "bytes": len(payload), "type": writeType}).Debug("Wrote characteristic")
	return nil
}

// StartNotify enables notifications or indications on the characteristic.
func (d *Device) StartNotify(ctx context.Context, id string) error {
	return d.toggleNotify(ctx, id, bus.MethodStartNotify)
}

// StopNotify disables notifications on the characteristic.
func (d *Device) StopNotify(ctx context.Context, id string) error {
	return d.toggleNotify(ctx, id, bus.MethodStopNotify)
}

func (d *Device) toggleNotify(ctx context.Context, id, method string) error {
	ch, err := d.ResolveCharacteristic(id)
	if err != nil {
		return err
	}
	cur, session, err := d.liveHandle(ch)
	if err != nil {
		return err
	}
	if !cur.CanNotify() {
		return newError(KindNotSubscribable, nil, "characteristic %s", cur.uuid)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.OperationTimeout)
	defer cancel()

	if _, err := d.conn.Call(callCtx, dbus.ObjectPath(cur.path), method); err != nil {
		if errors.Is(err, bus.ErrInProgress) {
			return nil
		}
		return d.ioError(KindSubscribeFailed, err, session, "%s %s", method, cur.uuid)
	}
	return nil
}

// ioError classifies an I/O failure. NotConnected ends the session. An unknown
// object is either a dropped link or a GATT tree the daemon rebuilt under a live
// link (Service Changed); the daemon's Connected property tells them apart, and
// in the second case only the cache is dropped.
func (d *Device) ioError(kind ErrorKind, err error, session uint64, format string, args ...interface{}) error {
	cause := classify(kind, err, format, args...)
	switch {
	case errors.Is(err, bus.ErrNotConnected):
		d.handleLinkLoss(session)
	case errors.Is(err, bus.ErrUnknownObject):
		if !d.daemonConnected(context.Background()) {
			d.handleLinkLoss(session)
			return cause
		}
		d.invalidateCache(session)
		return newError(KindInvalidated, cause, "%s: GATT objects changed, discover services again", d.address)
	}
	return cause
}

// invalidateCache drops the GATT cache of a session whose link is still up.
func (d *Device) invalidateCache(session uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != session || d.state != StateConnected || d.cache == nil {
		return
	}
	d.cache.clearValues()
	d.cache = nil
	d.invalidated = true
	d.log().Warn("GATT objects changed, cache dropped")
}
