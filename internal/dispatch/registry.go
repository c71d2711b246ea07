package dispatch

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/srg/blez/internal/device"
)

// ReadHandler receives characteristic values. err is reserved for delivery
// failures and is nil for every value the dispatcher routes. The return value
// is advisory and ignored.
type ReadHandler func(value []byte, err error) int

// StateHandler receives the device's Connected property on every change.
type StateHandler func(connected bool) int

// PropertyHandler receives classified device property changes.
type PropertyHandler func(ev PropertyEvent) int

// PropertyEventKind classifies a device property change.
type PropertyEventKind int

const (
	PropertyOther PropertyEventKind = iota
	PropertyPair
	PropertyUnpair
	PropertyTrusted
	PropertyUntrusted
	PropertyConnect
	PropertyDisconnect
)

func (k PropertyEventKind) String() string {
	switch k {
	case PropertyPair:
		return "pair"
	case PropertyUnpair:
		return "unpair"
	case PropertyTrusted:
		return "trusted"
	case PropertyUntrusted:
		return "untrusted"
	case PropertyConnect:
		return "connect"
	case PropertyDisconnect:
		return "disconnect"
	default:
		return "other"
	}
}

// PropertyEvent is one classified property change of one device.
type PropertyEvent struct {
	Address  string
	Kind     PropertyEventKind
	Property string // daemon property name, e.g. "Paired" or "RSSI"
}

type readKey struct {
	address string
	uuid    string
}

// Registry holds at most one handler per key. Registering again replaces the
// previous handler; registering nil removes it.
type Registry struct {
	reads  *xsync.MapOf[readKey, ReadHandler]
	states *xsync.MapOf[string, StateHandler]
	props  *xsync.MapOf[string, PropertyHandler]
}

func NewRegistry() *Registry {
	return &Registry{
		reads:  xsync.NewMapOf[readKey, ReadHandler](),
		states: xsync.NewMapOf[string, StateHandler](),
		props:  xsync.NewMapOf[string, PropertyHandler](),
	}
}

func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

func normalizeKeyUUID(u string) string {
	if n, err := device.NormalizeUUID(u); err == nil {
		return n
	}
	return strings.ToLower(u)
}

func (r *Registry) RegisterRead(address, uuid string, h ReadHandler) {
	key := readKey{normalizeAddress(address), normalizeKeyUUID(uuid)}
	if h == nil {
		r.reads.Delete(key)
		return
	}
	r.reads.Store(key, h)
}

func (r *Registry) UnregisterRead(address, uuid string) {
	r.RegisterRead(address, uuid, nil)
}

func (r *Registry) ReadHandler(address, uuid string) (ReadHandler, bool) {
	return r.reads.Load(readKey{normalizeAddress(address), normalizeKeyUUID(uuid)})
}

func (r *Registry) RegisterState(address string, h StateHandler) {
	if h == nil {
		r.states.Delete(normalizeAddress(address))
		return
	}
	r.states.Store(normalizeAddress(address), h)
}

func (r *Registry) UnregisterState(address string) {
	r.RegisterState(address, nil)
}

func (r *Registry) StateHandler(address string) (StateHandler, bool) {
	return r.states.Load(normalizeAddress(address))
}

func (r *Registry) RegisterProperty(address string, h PropertyHandler) {
	if h == nil {
		r.props.Delete(normalizeAddress(address))
		return
	}
	r.props.Store(normalizeAddress(address), h)
}

func (r *Registry) UnregisterProperty(address string) {
	r.RegisterProperty(address, nil)
}

func (r *Registry) PropertyHandler(address string) (PropertyHandler, bool) {
	return r.props.Load(normalizeAddress(address))
}

// ClearDevice drops every handler registered for address.
func (r *Registry) ClearDevice(address string) {
	address = normalizeAddress(address)
	r.reads.Range(func(k readKey, _ ReadHandler) bool {
		if k.address == address {
			r.reads.Delete(k)
		}
		return true
	})
	r.states.Delete(address)
	r.props.Delete(address)
}

// Clear drops every handler.
func (r *Registry) Clear() {
	r.reads.Clear()
	r.states.Clear()
	r.props.Clear()
}

// Len returns the number of registered handlers of all kinds.
func (r *Registry) Len() int {
	return r.reads.Size() + r.states.Size() + r.props.Size()
}
