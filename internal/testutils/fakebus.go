package testutils

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blez/internal/bus"
)

// Call is one recorded method invocation on FakeBus.
type Call struct {
	Path   dbus.ObjectPath
	Method string
	Args   []interface{}
}

type fakePeripheral struct {
	cfg       PeripheralConfig
	path      dbus.ObjectPath
	visible   bool
	connected bool
	paired    bool
	gatt      []dbus.ObjectPath // object paths of services and characteristics, in handle order
}

// FakeBus is an in-memory BlueZ daemon implementing bus.Conn.
//
// Peripherals added with AddPeripheral stay hidden until StartDiscovery.
// Connect materializes the GATT tree and Disconnect tears it down, with the
// same signal sequence the daemon emits.
type FakeBus struct {
	logger  *logrus.Logger
	adapter dbus.ObjectPath

	mu          sync.Mutex
	objects     bus.ManagedObjects
	peripherals map[string]*fakePeripheral // by upper-case address
	discovering bool
	closed      bool
	sticky      map[string]string   // method -> D-Bus error name
	pending     map[string][]string // method -> one-shot error names
	delays      map[string]time.Duration
	calls       []Call
	writes      map[dbus.ObjectPath][][]byte
	notifying   map[dbus.ObjectPath]bool
	ownerSeq    int

	// emitMu is taken while mu is still held so signals leave in mutation order.
	emitMu sync.Mutex
	subsMu sync.Mutex
	subs   map[chan *dbus.Signal]struct{}
}

var _ bus.Conn = (*FakeBus)(nil)

func NewFakeBus(logger *logrus.Logger) *FakeBus {
	if logger == nil {
		logger = logrus.New()
	}
	fb := &FakeBus{
		logger:      logger,
		adapter:     bus.AdapterPath("hci0"),
		peripherals: make(map[string]*fakePeripheral),
		sticky:      make(map[string]string),
		pending:     make(map[string][]string),
		delays:      make(map[string]time.Duration),
		writes:      make(map[dbus.ObjectPath][][]byte),
		notifying:   make(map[dbus.ObjectPath]bool),
		subs:        make(map[chan *dbus.Signal]struct{}),
	}
	fb.resetTree()
	return fb
}

func (fb *FakeBus) resetTree() {
	fb.objects = bus.ManagedObjects{
		fb.adapter: {
			bus.AdapterInterface: {
				"Address":     dbus.MakeVariant("00:11:22:33:44:55"),
				"Powered":     dbus.MakeVariant(true),
				"Discovering": dbus.MakeVariant(false),
			},
		},
	}
}

// Adapter returns the simulated adapter's object path.
func (fb *FakeBus) Adapter() dbus.ObjectPath { return fb.adapter }

// ----------------------------
// Peripheral management
// ----------------------------

// AddPeripheral registers a peripheral. It enters the object tree on the next
// StartDiscovery, or immediately when cfg.Known is set.
func (fb *FakeBus) AddPeripheral(cfg PeripheralConfig) dbus.ObjectPath {
	fb.mu.Lock()
	address := strings.ToUpper(cfg.Address)
	p := &fakePeripheral{cfg: cfg, path: bus.DevicePathFor(fb.adapter, address)}
	fb.peripherals[address] = p

	var out []*dbus.Signal
	if cfg.Known {
		out = append(out, fb.revealLocked(p))
	}
	fb.unlockAndEmit(out)
	return p.path
}

// AddKnownPeripheral registers a peripheral that is already in the tree.
func (fb *FakeBus) AddKnownPeripheral(cfg PeripheralConfig) dbus.ObjectPath {
	cfg.Known = true
	return fb.AddPeripheral(cfg)
}

// RemovePeripheral drops the device object and everything below it, as the
// daemon does when a device ages out or is removed.
func (fb *FakeBus) RemovePeripheral(address string) {
	fb.mu.Lock()
	p, ok := fb.peripherals[strings.ToUpper(address)]
	if !ok {
		fb.mu.Unlock()
		return
	}
	var out []*dbus.Signal
	if p.connected {
		out = append(out, fb.teardownGATTLocked(p)...)
		p.connected = false
	}
	if p.visible {
		delete(fb.objects, p.path)
		p.visible = false
		out = append(out, interfacesRemoved(p.path, bus.DeviceInterface, bus.PropertiesInterface))
	}
	delete(fb.peripherals, strings.ToUpper(address))
	fb.unlockAndEmit(out)
}

// DropLink simulates the peripheral going out of range: the daemon reports
// Connected=false and removes the GATT objects.
func (fb *FakeBus) DropLink(address string) {
	fb.mu.Lock()
	p, ok := fb.peripherals[strings.ToUpper(address)]
	if !ok || !p.connected {
		fb.mu.Unlock()
		return
	}
	out := fb.teardownGATTLocked(p)
	p.connected = false
	out = append(out, fb.setDevicePropsLocked(p, map[string]dbus.Variant{
		"Connected":        dbus.MakeVariant(false),
		"ServicesResolved": dbus.MakeVariant(false),
	}))
	fb.unlockAndEmit(out)
}

// DropLinkSilently tears the link down without emitting anything, so the next
// call is the first to find out.
func (fb *FakeBus) DropLinkSilently(address string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	p, ok := fb.peripherals[strings.ToUpper(address)]
	if !ok || !p.connected {
		return
	}
	fb.teardownGATTLocked(p)
	p.connected = false
	props := fb.objects[p.path][bus.DeviceInterface]
	props["Connected"] = dbus.MakeVariant(false)
	props["ServicesResolved"] = dbus.MakeVariant(false)
}

// RestartDaemon simulates bluetoothd exiting and coming back with an empty tree.
func (fb *FakeBus) RestartDaemon() {
	fb.mu.Lock()
	for _, p := range fb.peripherals {
		p.visible = false
		p.connected = false
		p.paired = false
		p.gatt = nil
	}
	fb.resetTree()
	fb.discovering = false
	old := fmt.Sprintf(":1.%d", fb.ownerSeq)
	fb.ownerSeq++
	next := fmt.Sprintf(":1.%d", fb.ownerSeq)

	out := []*dbus.Signal{
		ownerChanged(old, ""),
		ownerChanged("", next),
	}
	fb.unlockAndEmit(out)
}

// CorruptGATT adds a characteristic that references a service which does not
// exist, leaving the peripheral's tree inconsistent.
func (fb *FakeBus) CorruptGATT(address string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	p, ok := fb.peripherals[strings.ToUpper(address)]
	if !ok {
		return
	}
	path := dbus.ObjectPath(fmt.Sprintf("%s/serviceffff/charfffe", p.path))
	fb.objects[path] = map[string]map[string]dbus.Variant{
		bus.GattCharacteristicInterface: {
			"UUID":    dbus.MakeVariant(fullUUID("2a00")),
			"Service": dbus.MakeVariant(dbus.ObjectPath(fmt.Sprintf("%s/serviceffff", p.path))),
			"Flags":   dbus.MakeVariant([]string{"read"}),
		},
	}
}

// RemoveCharacteristic drops the first characteristic with the UUID from a
// connected peripheral's tree while the link stays up, as after a Service
// Changed indication. The change lasts until the next connect.
func (fb *FakeBus) RemoveCharacteristic(address, uuid string) dbus.ObjectPath {
	fb.mu.Lock()
	path := fb.charPathLocked(strings.ToUpper(address), fullUUID(uuid))
	p, ok := fb.peripherals[strings.ToUpper(address)]
	if path == "" || !ok {
		fb.mu.Unlock()
		return ""
	}
	delete(fb.objects, path)
	delete(fb.notifying, path)
	for i, gp := range p.gatt {
		if gp == path {
			p.gatt = append(p.gatt[:i], p.gatt[i+1:]...)
			break
		}
	}
	fb.unlockAndEmit([]*dbus.Signal{interfacesRemoved(path, bus.GattCharacteristicInterface)})
	return path
}

// AddCharacteristic adds a characteristic under the first service with
// serviceUUID of a connected peripheral and returns its path.
func (fb *FakeBus) AddCharacteristic(address, serviceUUID string, cfg CharacteristicConfig) dbus.ObjectPath {
	fb.mu.Lock()
	p, ok := fb.peripherals[strings.ToUpper(address)]
	if !ok || !p.connected {
		fb.mu.Unlock()
		return ""
	}
	want := fullUUID(serviceUUID)
	var svcPath dbus.ObjectPath
	for _, gp := range p.gatt {
		if u, _ := bus.StringProp(fb.objects[gp][bus.GattServiceInterface], "UUID"); u == want {
			svcPath = gp
			break
		}
	}
	if svcPath == "" {
		fb.mu.Unlock()
		return ""
	}

	// Handles past the ones assigned at connect time.
	path := dbus.ObjectPath(fmt.Sprintf("%s/char%04x", svcPath, 0x0100+len(p.gatt)))
	props := map[string]dbus.Variant{
		"UUID":      dbus.MakeVariant(fullUUID(cfg.UUID)),
		"Service":   dbus.MakeVariant(svcPath),
		"Flags":     dbus.MakeVariant(parseCharacteristicFlags(cfg.Properties)),
		"Notifying": dbus.MakeVariant(false),
	}
	if cfg.Value != nil {
		props["Value"] = dbus.MakeVariant(append([]byte(nil), cfg.Value...))
	}
	ifaces := map[string]map[string]dbus.Variant{bus.GattCharacteristicInterface: props}
	fb.objects[path] = ifaces
	p.gatt = append(p.gatt, path)
	fb.unlockAndEmit([]*dbus.Signal{interfacesAdded(path, ifaces)})
	return path
}

// ----------------------------
// Fault injection
// ----------------------------

// SetError makes every call of method fail with the D-Bus error name until cleared.
func (fb *FakeBus) SetError(method, name string) {
	fb.mu.Lock()
	fb.sticky[method] = name
	fb.mu.Unlock()
}

// FailNext makes only the next call of method fail with the D-Bus error name.
func (fb *FakeBus) FailNext(method, name string) {
	fb.mu.Lock()
	fb.pending[method] = append(fb.pending[method], name)
	fb.mu.Unlock()
}

// SetDelay makes calls of method take d. Context cancellation is honored.
func (fb *FakeBus) SetDelay(method string, d time.Duration) {
	fb.mu.Lock()
	fb.delays[method] = d
	fb.mu.Unlock()
}

func (fb *FakeBus) ClearFaults() {
	fb.mu.Lock()
	fb.sticky = make(map[string]string)
	fb.pending = make(map[string][]string)
	fb.delays = make(map[string]time.Duration)
	fb.mu.Unlock()
}

// ----------------------------
// Inspection
// ----------------------------

func (fb *FakeBus) DevicePath(address string) dbus.ObjectPath {
	return bus.DevicePathFor(fb.adapter, address)
}

// CharacteristicPath returns the path of the first characteristic with uuid on
// a connected peripheral, or "" when there is none.
func (fb *FakeBus) CharacteristicPath(address, uuid string) dbus.ObjectPath {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.charPathLocked(strings.ToUpper(address), fullUUID(uuid))
}

func (fb *FakeBus) charPathLocked(address, uuid string) dbus.ObjectPath {
	p, ok := fb.peripherals[address]
	if !ok {
		return ""
	}
	for _, path := range p.gatt {
		props, ok := fb.objects[path][bus.GattCharacteristicInterface]
		if !ok {
			continue
		}
		if u, _ := bus.StringProp(props, "UUID"); u == uuid {
			return path
		}
	}
	return ""
}

// Calls returns recorded calls of method, or every call when method is "".
func (fb *FakeBus) Calls(method string) []Call {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []Call
	for _, c := range fb.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (fb *FakeBus) CallCount(method string) int {
	return len(fb.Calls(method))
}

// WrittenValues returns every payload written to the characteristic, in order.
func (fb *FakeBus) WrittenValues(address, uuid string) [][]byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	path := fb.charPathLocked(strings.ToUpper(address), fullUUID(uuid))
	out := make([][]byte, 0, len(fb.writes[path]))
	for _, v := range fb.writes[path] {
		out = append(out, append([]byte(nil), v...))
	}
	return out
}

func (fb *FakeBus) IsNotifying(address, uuid string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.notifying[fb.charPathLocked(strings.ToUpper(address), fullUUID(uuid))]
}

func (fb *FakeBus) IsConnected(address string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	p, ok := fb.peripherals[strings.ToUpper(address)]
	return ok && p.connected
}

func (fb *FakeBus) IsDiscovering() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.discovering
}

func (fb *FakeBus) SubscriberCount() int {
	fb.subsMu.Lock()
	defer fb.subsMu.Unlock()
	return len(fb.subs)
}

// ----------------------------
// Signal injection
// ----------------------------

// EmitValue updates a characteristic value and emits the notification.
func (fb *FakeBus) EmitValue(address, uuid string, value []byte) error {
	fb.mu.Lock()
	path := fb.charPathLocked(strings.ToUpper(address), fullUUID(uuid))
	if path == "" {
		fb.mu.Unlock()
		return fmt.Errorf("no characteristic %s on %s", uuid, address)
	}
	sig := fb.setValueLocked(path, value)
	fb.unlockAndEmit([]*dbus.Signal{sig})
	return nil
}

// EmitProperties emits a PropertiesChanged for iface on path without touching the tree.
func (fb *FakeBus) EmitProperties(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	fb.Emit(propertiesChanged(path, iface, changed))
}

// Emit delivers raw signals to every subscriber.
func (fb *FakeBus) Emit(sigs ...*dbus.Signal) {
	fb.emitMu.Lock()
	defer fb.emitMu.Unlock()
	fb.deliver(sigs)
}

func (fb *FakeBus) unlockAndEmit(sigs []*dbus.Signal) {
	fb.emitMu.Lock()
	fb.mu.Unlock()
	defer fb.emitMu.Unlock()
	fb.deliver(sigs)
}

func (fb *FakeBus) deliver(sigs []*dbus.Signal) {
	if len(sigs) == 0 {
		return
	}
	fb.subsMu.Lock()
	defer fb.subsMu.Unlock()
	for _, sig := range sigs {
		for ch := range fb.subs {
			select {
			case ch <- sig:
			case <-time.After(time.Second):
				fb.logger.WithField("signal", sig.Name).Warn("FakeBus: subscriber not draining, signal dropped")
			}
		}
	}
}

// ----------------------------
// bus.Conn
// ----------------------------

func (fb *FakeBus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error) {
	if err := fb.enter(ctx, path, method, args); err != nil {
		return nil, err
	}

	fb.mu.Lock()
	var (
		out  []*dbus.Signal
		body []interface{}
		err  error
	)
	switch method {
	case bus.MethodStartDiscovery:
		out, err = fb.startDiscoveryLocked(path)
	case bus.MethodStopDiscovery:
		out, err = fb.stopDiscoveryLocked(path)
	case bus.MethodSetDiscoveryFilter:
		if path != fb.adapter {
			err = daemonError("org.freedesktop.DBus.Error.UnknownObject")
		}
	case bus.MethodConnect:
		out, err = fb.connectLocked(path)
	case bus.MethodDisconnect:
		out, err = fb.disconnectLocked(path)
	case bus.MethodPair:
		out, err = fb.pairLocked(path)
	case bus.MethodCancelPairing:
		err = daemonError("org.bluez.Error.DoesNotExist")
	case bus.MethodReadValue:
		body, err = fb.readLocked(path)
	case bus.MethodWriteValue:
		out, err = fb.writeLocked(path, args)
	case bus.MethodStartNotify, bus.MethodStopNotify:
		out, err = fb.notifyLocked(path, method == bus.MethodStartNotify)
	default:
		err = daemonError("org.freedesktop.DBus.Error.UnknownMethod")
	}
	fb.unlockAndEmit(out)
	return body, err
}

func (fb *FakeBus) GetAll(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	if err := fb.enter(ctx, path, bus.MethodGetAll, []interface{}{iface}); err != nil {
		return nil, err
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	props, ok := fb.objects[path][iface]
	if !ok {
		return nil, daemonError("org.freedesktop.DBus.Error.UnknownObject")
	}
	return copyProps(props), nil
}

func (fb *FakeBus) ManagedObjects(ctx context.Context) (bus.ManagedObjects, error) {
	if err := fb.enter(ctx, "/", bus.MethodGetManagedObjects, nil); err != nil {
		return nil, err
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make(bus.ManagedObjects, len(fb.objects))
	for path, ifaces := range fb.objects {
		cp := make(map[string]map[string]dbus.Variant, len(ifaces))
		for name, props := range ifaces {
			cp[name] = copyProps(props)
		}
		out[path] = cp
	}
	return out, nil
}

func (fb *FakeBus) Subscribe() (<-chan *dbus.Signal, func(), error) {
	fb.mu.Lock()
	closed := fb.closed
	fb.mu.Unlock()
	if closed {
		return nil, nil, bus.NormalizeError(dbus.ErrClosed)
	}

	ch := make(chan *dbus.Signal, 256)
	fb.subsMu.Lock()
	fb.subs[ch] = struct{}{}
	fb.subsMu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			fb.subsMu.Lock()
			if _, ok := fb.subs[ch]; ok {
				delete(fb.subs, ch)
				close(ch)
			}
			fb.subsMu.Unlock()
		})
	}
	return ch, release, nil
}

// Close fails all later calls and closes subscriber channels, like a dropped bus connection.
func (fb *FakeBus) Close() error {
	fb.mu.Lock()
	fb.closed = true
	fb.mu.Unlock()

	fb.subsMu.Lock()
	for ch := range fb.subs {
		delete(fb.subs, ch)
		close(ch)
	}
	fb.subsMu.Unlock()
	return nil
}

// enter records the call and applies closed state, delays and injected errors.
func (fb *FakeBus) enter(ctx context.Context, path dbus.ObjectPath, method string, args []interface{}) error {
	fb.mu.Lock()
	fb.calls = append(fb.calls, Call{Path: path, Method: method, Args: args})
	closed := fb.closed
	delay := fb.delays[method]
	name := fb.sticky[method]
	if q := fb.pending[method]; len(q) > 0 {
		name = q[0]
		fb.pending[method] = q[1:]
	}
	fb.mu.Unlock()

	if closed {
		return bus.NormalizeError(dbus.ErrClosed)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return bus.NormalizeError(ctx.Err())
		case <-time.After(delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return bus.NormalizeError(err)
	}
	if name != "" {
		return daemonError(name)
	}
	return nil
}

// ----------------------------
// Daemon behavior
// ----------------------------

func (fb *FakeBus) startDiscoveryLocked(path dbus.ObjectPath) ([]*dbus.Signal, error) {
	if path != fb.adapter {
		return nil, daemonError("org.freedesktop.DBus.Error.UnknownObject")
	}
	if fb.discovering {
		return nil, daemonError("org.bluez.Error.InProgress")
	}
	fb.discovering = true
	fb.objects[fb.adapter][bus.AdapterInterface]["Discovering"] = dbus.MakeVariant(true)
	out := []*dbus.Signal{propertiesChanged(fb.adapter, bus.AdapterInterface, map[string]dbus.Variant{
		"Discovering": dbus.MakeVariant(true),
	})}
	for _, p := range fb.sortedPeripheralsLocked() {
		if !p.visible {
			out = append(out, fb.revealLocked(p))
		}
	}
	return out, nil
}

func (fb *FakeBus) stopDiscoveryLocked(path dbus.ObjectPath) ([]*dbus.Signal, error) {
	if path != fb.adapter {
		return nil, daemonError("org.freedesktop.DBus.Error.UnknownObject")
	}
	if !fb.discovering {
		return nil, daemonError("org.bluez.Error.Failed")
	}
	fb.discovering = false
	fb.objects[fb.adapter][bus.AdapterInterface]["Discovering"] = dbus.MakeVariant(false)
	return []*dbus.Signal{propertiesChanged(fb.adapter, bus.AdapterInterface, map[string]dbus.Variant{
		"Discovering": dbus.MakeVariant(false),
	})}, nil
}

func (fb *FakeBus) connectLocked(path dbus.ObjectPath) ([]*dbus.Signal, error) {
	p := fb.peripheralAtLocked(path)
	if p == nil {
		return nil, daemonError("org.freedesktop.DBus.Error.UnknownObject")
	}
	if p.connected {
		return nil, daemonError("org.bluez.Error.AlreadyConnected")
	}
	p.connected = true

	out := []*dbus.Signal{fb.setDevicePropsLocked(p, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)})}
	out = append(out, fb.buildGATTLocked(p)...)
	out = append(out, fb.setDevicePropsLocked(p, map[string]dbus.Variant{"ServicesResolved": dbus.MakeVariant(true)}))
	return out, nil
}

func (fb *FakeBus) disconnectLocked(path dbus.ObjectPath) ([]*dbus.Signal, error) {
	p := fb.peripheralAtLocked(path)
	if p == nil {
		return nil, daemonError("org.freedesktop.DBus.Error.UnknownObject")
	}
	if !p.connected {
		return nil, nil
	}
	out := fb.teardownGATTLocked(p)
	p.connected = false
	out = append(out, fb.setDevicePropsLocked(p, map[string]dbus.Variant{
		"Connected":        dbus.MakeVariant(false),
		"ServicesResolved": dbus.MakeVariant(false),
	}))
	return out, nil
}

func (fb *FakeBus) pairLocked(path dbus.ObjectPath) ([]*dbus.Signal, error) {
	p := fb.peripheralAtLocked(path)
	if p == nil {
		return nil, daemonError("org.freedesktop.DBus.Error.UnknownObject")
	}
	if p.paired {
		return nil, daemonError("org.bluez.Error.AlreadyExists")
	}
	p.paired = true
	return []*dbus.Signal{fb.setDevicePropsLocked(p, map[string]dbus.Variant{"Paired": dbus.MakeVariant(true)})}, nil
}

func (fb *FakeBus) readLocked(path dbus.ObjectPath) ([]interface{}, error) {
	props, err := fb.characteristicLocked(path)
	if err != nil {
		return nil, err
	}
	if !hasFlag(props, "read") {
		return nil, daemonError("org.bluez.Error.NotPermitted")
	}
	value, _, _ := bus.ValueProp(props)
	if value == nil {
		value = []byte{}
	}
	return []interface{}{value}, nil
}

func (fb *FakeBus) writeLocked(path dbus.ObjectPath, args []interface{}) ([]*dbus.Signal, error) {
	props, err := fb.characteristicLocked(path)
	if err != nil {
		return nil, err
	}
	if !hasFlag(props, "write") && !hasFlag(props, "write-without-response") {
		return nil, daemonError("org.bluez.Error.NotPermitted")
	}
	if len(args) == 0 {
		return nil, daemonError("org.bluez.Error.InvalidArguments")
	}
	data, ok := args[0].([]byte)
	if !ok {
		return nil, daemonError("org.bluez.Error.InvalidArguments")
	}
	data = append([]byte(nil), data...)
	fb.writes[path] = append(fb.writes[path], data)

	p := fb.peripheralAtLocked(path)
	if p != nil && p.cfg.Echo {
		return []*dbus.Signal{fb.setValueLocked(path, data)}, nil
	}
	return nil, nil
}

func (fb *FakeBus) notifyLocked(path dbus.ObjectPath, on bool) ([]*dbus.Signal, error) {
	props, err := fb.characteristicLocked(path)
	if err != nil {
		return nil, err
	}
	if !hasFlag(props, "notify") && !hasFlag(props, "indicate") {
		return nil, daemonError("org.bluez.Error.NotSupported")
	}
	if fb.notifying[path] == on {
		if on {
			return nil, daemonError("org.bluez.Error.InProgress")
		}
		return nil, nil
	}
	fb.notifying[path] = on
	props["Notifying"] = dbus.MakeVariant(on)
	return []*dbus.Signal{propertiesChanged(path, bus.GattCharacteristicInterface, map[string]dbus.Variant{
		"Notifying": dbus.MakeVariant(on),
	})}, nil
}

func (fb *FakeBus) characteristicLocked(path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	props, ok := fb.objects[path][bus.GattCharacteristicInterface]
	if !ok {
		return nil, daemonError("org.freedesktop.DBus.Error.UnknownObject")
	}
	if p := fb.peripheralAtLocked(path); p == nil || !p.connected {
		return nil, daemonError("org.bluez.Error.NotConnected")
	}
	return props, nil
}

func (fb *FakeBus) setValueLocked(path dbus.ObjectPath, value []byte) *dbus.Signal {
	value = append([]byte(nil), value...)
	if props, ok := fb.objects[path][bus.GattCharacteristicInterface]; ok {
		props["Value"] = dbus.MakeVariant(value)
	}
	return propertiesChanged(path, bus.GattCharacteristicInterface, map[string]dbus.Variant{
		"Value": dbus.MakeVariant(value),
	})
}

// ----------------------------
// Tree helpers
// ----------------------------

func (fb *FakeBus) peripheralAtLocked(path dbus.ObjectPath) *fakePeripheral {
	address, ok := bus.AddressFromPath(path)
	if !ok {
		return nil
	}
	p, ok := fb.peripherals[address]
	if !ok || !p.visible {
		return nil
	}
	return p
}

func (fb *FakeBus) sortedPeripheralsLocked() []*fakePeripheral {
	out := make([]*fakePeripheral, 0, len(fb.peripherals))
	for _, p := range fb.peripherals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

func (fb *FakeBus) revealLocked(p *fakePeripheral) *dbus.Signal {
	p.visible = true
	uuids := make([]string, 0, len(p.cfg.Services))
	for _, svc := range p.cfg.Services {
		uuids = append(uuids, fullUUID(svc.UUID))
	}
	props := map[string]dbus.Variant{
		"Address":          dbus.MakeVariant(strings.ToUpper(p.cfg.Address)),
		"Adapter":          dbus.MakeVariant(fb.adapter),
		"Paired":           dbus.MakeVariant(p.paired),
		"Trusted":          dbus.MakeVariant(false),
		"Connected":        dbus.MakeVariant(false),
		"ServicesResolved": dbus.MakeVariant(false),
		"RSSI":             dbus.MakeVariant(p.cfg.RSSI),
		"UUIDs":            dbus.MakeVariant(uuids),
	}
	if p.cfg.Name != "" {
		props["Name"] = dbus.MakeVariant(p.cfg.Name)
		props["Alias"] = dbus.MakeVariant(p.cfg.Name)
	}
	ifaces := map[string]map[string]dbus.Variant{bus.DeviceInterface: props}
	fb.objects[p.path] = ifaces
	return interfacesAdded(p.path, ifaces)
}

func (fb *FakeBus) setDevicePropsLocked(p *fakePeripheral, changed map[string]dbus.Variant) *dbus.Signal {
	if props, ok := fb.objects[p.path][bus.DeviceInterface]; ok {
		for k, v := range changed {
			props[k] = v
		}
	}
	return propertiesChanged(p.path, bus.DeviceInterface, changed)
}

// buildGATTLocked assigns attribute handles in declaration order and adds the objects.
func (fb *FakeBus) buildGATTLocked(p *fakePeripheral) []*dbus.Signal {
	var out []*dbus.Signal
	handle := 1
	p.gatt = nil
	for _, svc := range p.cfg.Services {
		svcPath := dbus.ObjectPath(fmt.Sprintf("%s/service%04x", p.path, handle))
		handle++
		svcIfaces := map[string]map[string]dbus.Variant{
			bus.GattServiceInterface: {
				"UUID":    dbus.MakeVariant(fullUUID(svc.UUID)),
				"Device":  dbus.MakeVariant(p.path),
				"Primary": dbus.MakeVariant(true),
			},
		}
		fb.objects[svcPath] = svcIfaces
		p.gatt = append(p.gatt, svcPath)
		out = append(out, interfacesAdded(svcPath, svcIfaces))

		for _, ch := range svc.Characteristics {
			charPath := dbus.ObjectPath(fmt.Sprintf("%s/char%04x", svcPath, handle))
			handle++
			props := map[string]dbus.Variant{
				"UUID":      dbus.MakeVariant(fullUUID(ch.UUID)),
				"Service":   dbus.MakeVariant(svcPath),
				"Flags":     dbus.MakeVariant(parseCharacteristicFlags(ch.Properties)),
				"Notifying": dbus.MakeVariant(false),
			}
			if ch.Value != nil {
				props["Value"] = dbus.MakeVariant(append([]byte(nil), ch.Value...))
			}
			charIfaces := map[string]map[string]dbus.Variant{bus.GattCharacteristicInterface: props}
			fb.objects[charPath] = charIfaces
			p.gatt = append(p.gatt, charPath)
			out = append(out, interfacesAdded(charPath, charIfaces))
		}
	}
	return out
}

func (fb *FakeBus) teardownGATTLocked(p *fakePeripheral) []*dbus.Signal {
	var out []*dbus.Signal
	for i := len(p.gatt) - 1; i >= 0; i-- {
		path := p.gatt[i]
		ifaces := fb.objects[path]
		delete(fb.objects, path)
		delete(fb.notifying, path)
		names := make([]string, 0, len(ifaces))
		for name := range ifaces {
			names = append(names, name)
		}
		out = append(out, interfacesRemoved(path, names...))
	}
	p.gatt = nil
	return out
}

func hasFlag(props map[string]dbus.Variant, flag string) bool {
	flags, _ := bus.StringsProp(props, "Flags")
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

func copyProps(props map[string]dbus.Variant) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func daemonError(name string) error {
	return bus.NormalizeError(dbus.Error{Name: name, Body: []interface{}{"simulated " + name}})
}

// ----------------------------
// Signal constructors
// ----------------------------

func propertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Sender: ":1.0",
		Path:   path,
		Name:   bus.PropertiesChangedSignal,
		Body:   []interface{}{iface, copyProps(changed), []string{}},
	}
}

func interfacesAdded(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) *dbus.Signal {
	cp := make(map[string]map[string]dbus.Variant, len(ifaces))
	for name, props := range ifaces {
		cp[name] = copyProps(props)
	}
	return &dbus.Signal{
		Sender: ":1.0",
		Path:   "/",
		Name:   bus.InterfacesAddedSignal,
		Body:   []interface{}{path, cp},
	}
}

func interfacesRemoved(path dbus.ObjectPath, ifaces ...string) *dbus.Signal {
	return &dbus.Signal{
		Sender: ":1.0",
		Path:   "/",
		Name:   bus.InterfacesRemovedSignal,
		Body:   []interface{}{path, ifaces},
	}
}

func ownerChanged(oldOwner, newOwner string) *dbus.Signal {
	return &dbus.Signal{
		Sender: bus.DBusInterface,
		Path:   "/org/freedesktop/DBus",
		Name:   bus.NameOwnerChangedSignal,
		Body:   []interface{}{bus.BluezService, oldOwner, newOwner},
	}
}
