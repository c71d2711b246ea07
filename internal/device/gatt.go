package device

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/srg/blez/internal/bus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ----------------------------
// GATT Characteristic
// ----------------------------

// Characteristic is a handle to one GATT characteristic of a connection session.
// Handles from a previous session are rejected with ErrInvalidated.
type Characteristic struct {
	path        string
	uuid        string
	servicePath string
	flags       []string
	session     uint64

	mu       sync.RWMutex
	value    []byte
	hasValue bool
}

func (c *Characteristic) Path() string        { return c.path }
func (c *Characteristic) UUID() string        { return c.uuid }
func (c *Characteristic) ServicePath() string { return c.servicePath }

// Flags returns the BlueZ capability flags ("read", "write", "notify", ...).
func (c *Characteristic) Flags() []string {
	out := make([]string, len(c.flags))
	copy(out, c.flags)
	return out
}

func (c *Characteristic) CanRead() bool {
	return c.hasAnyFlag("read", "encrypt-read", "encrypt-authenticated-read", "secure-read")
}

// CanWrite reports whether the characteristic accepts write requests (with response).
func (c *Characteristic) CanWrite() bool {
	return c.hasAnyFlag("write", "encrypt-write", "encrypt-authenticated-write", "secure-write", "authenticated-signed-writes")
}

func (c *Characteristic) CanWriteWithoutResponse() bool {
	return c.hasAnyFlag("write-without-response")
}

func (c *Characteristic) CanNotify() bool {
	return c.hasAnyFlag("notify", "indicate", "encrypt-notify", "encrypt-indicate",
		"encrypt-authenticated-notify", "encrypt-authenticated-indicate")
}

func (c *Characteristic) hasAnyFlag(names ...string) bool {
	for _, f := range c.flags {
		for _, n := range names {
			if f == n {
				return true
			}
		}
	}
	return false
}

// Value returns the last value read or notified, if any.
func (c *Characteristic) Value() ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasValue {
		return nil, false
	}
	out := make([]byte, len(c.value))
	copy(out, c.value)
	return out, true
}

func (c *Characteristic) setValue(v []byte) {
	buf := make([]byte, len(v))
	copy(buf, v)
	c.mu.Lock()
	c.value = buf
	c.hasValue = true
	c.mu.Unlock()
}

func (c *Characteristic) clearValue() {
	c.mu.Lock()
	c.value = nil
	c.hasValue = false
	c.mu.Unlock()
}

// ----------------------------
// GATT Service
// ----------------------------

// Service is a GATT service of a connection session. Its characteristics are
// ordered by object path, which follows the peripheral's attribute handles.
type Service struct {
	path            string
	uuid            string
	primary         bool
	session         uint64
	characteristics []*Characteristic
}

func (s *Service) Path() string  { return s.path }
func (s *Service) UUID() string  { return s.uuid }
func (s *Service) Primary() bool { return s.primary }

func (s *Service) Characteristics() []*Characteristic {
	out := make([]*Characteristic, len(s.characteristics))
	copy(out, s.characteristics)
	return out
}

// ----------------------------
// GATT Object Cache
// ----------------------------

// Cache is the immutable GATT view of one discovery pass. A new pass builds a
// new Cache and swaps it in whole; a Cache is never patched.
type Cache struct {
	devicePath string
	session    uint64
	services   *orderedmap.OrderedMap[string, *Service]
	chars      *orderedmap.OrderedMap[string, *Characteristic]
}

// BuildCache builds a cache from a managed-object snapshot, keeping only objects
// below devicePath. Any inconsistency fails the whole build.
func BuildCache(objects bus.ManagedObjects, devicePath dbus.ObjectPath, session uint64) (*Cache, error) {
	paths := make([]string, 0, len(objects))
	for p := range objects {
		if bus.IsDescendant(p, devicePath) {
			paths = append(paths, string(p))
		}
	}
	sort.Strings(paths)

	c := &Cache{
		devicePath: string(devicePath),
		session:    session,
		services:   orderedmap.New[string, *Service](),
		chars:      orderedmap.New[string, *Characteristic](),
	}

	for _, p := range paths {
		props, ok := objects[dbus.ObjectPath(p)][bus.GattServiceInterface]
		if !ok {
			continue
		}
		svc, err := newService(p, props, devicePath, session)
		if err != nil {
			return nil, err
		}
		c.services.Set(p, svc)
	}

	for _, p := range paths {
		props, ok := objects[dbus.ObjectPath(p)][bus.GattCharacteristicInterface]
		if !ok {
			continue
		}
		rawUUID, ok := bus.StringProp(props, "UUID")
		if !ok {
			return nil, fmt.Errorf("characteristic %s has no UUID", p)
		}
		u, err := NormalizeUUID(rawUUID)
		if err != nil {
			return nil, fmt.Errorf("characteristic %s: %w", p, err)
		}
		svcPath, ok := bus.PathProp(props, "Service")
		if !ok {
			return nil, fmt.Errorf("characteristic %s has no Service reference", p)
		}
		svc, ok := c.services.Get(string(svcPath))
		if !ok {
			return nil, fmt.Errorf("characteristic %s references unknown service %s", p, svcPath)
		}
		flags, _ := bus.StringsProp(props, "Flags")

		ch := &Characteristic{
			path:        p,
			uuid:        u,
			servicePath: string(svcPath),
			flags:       append([]string(nil), flags...),
			session:     session,
		}
		svc.characteristics = append(svc.characteristics, ch)
		c.chars.Set(p, ch)
	}

	return c, nil
}

func newService(path string, props map[string]dbus.Variant, devicePath dbus.ObjectPath, session uint64) (*Service, error) {
	rawUUID, ok := bus.StringProp(props, "UUID")
	if !ok {
		return nil, fmt.Errorf("service %s has no UUID", path)
	}
	u, err := NormalizeUUID(rawUUID)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", path, err)
	}
	if owner, ok := bus.PathProp(props, "Device"); ok && owner != devicePath {
		return nil, fmt.Errorf("service %s belongs to %s", path, owner)
	}
	primary, _ := bus.BoolProp(props, "Primary")
	return &Service{path: path, uuid: u, primary: primary, session: session}, nil
}

func (c *Cache) Session() uint64 { return c.session }

func (c *Cache) ServiceByPath(path string) (*Service, bool) {
	return c.services.Get(path)
}

// ServiceByUUID returns the first service with the given normalized UUID.
func (c *Cache) ServiceByUUID(u string) (*Service, bool) {
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.uuid == u {
			return pair.Value, true
		}
	}
	return nil, false
}

func (c *Cache) CharacteristicByPath(path string) (*Characteristic, bool) {
	return c.chars.Get(path)
}

// CharacteristicByUUID returns the first characteristic with the given normalized UUID.
func (c *Cache) CharacteristicByUUID(u string) (*Characteristic, bool) {
	for pair := c.chars.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.uuid == u {
			return pair.Value, true
		}
	}
	return nil, false
}

func (c *Cache) Services() []*Service {
	out := make([]*Service, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (c *Cache) Characteristics() []*Characteristic {
	out := make([]*Characteristic, 0, c.chars.Len())
	for pair := c.chars.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (c *Cache) clearValues() {
	for pair := c.chars.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.clearValue()
	}
}

// ServiceInfo and CharacteristicInfo are the serializable view of a cache.
type ServiceInfo struct {
	Path            string               `json:"path"`
	UUID            string               `json:"uuid"`
	Name            string               `json:"name,omitempty"`
	Primary         bool                 `json:"primary"`
	Characteristics []CharacteristicInfo `json:"characteristics"`
}

type CharacteristicInfo struct {
	Path  string   `json:"path"`
	UUID  string   `json:"uuid"`
	Name  string   `json:"name,omitempty"`
	Flags []string `json:"flags"`
	Value string   `json:"value,omitempty"` // hex
}

// Snapshot returns a serializable copy of the cache.
func (c *Cache) Snapshot() []ServiceInfo {
	out := make([]ServiceInfo, 0, c.services.Len())
	for _, svc := range c.Services() {
		si := ServiceInfo{
			Path:            svc.path,
			UUID:            svc.uuid,
			Name:            KnownServiceName(svc.uuid),
			Primary:         svc.primary,
			Characteristics: make([]CharacteristicInfo, 0, len(svc.characteristics)),
		}
		for _, ch := range svc.characteristics {
			ci := CharacteristicInfo{
				Path:  ch.path,
				UUID:  ch.uuid,
				Name:  KnownCharacteristicName(ch.uuid),
				Flags: ch.Flags(),
			}
			if v, ok := ch.Value(); ok {
				ci.Value = hex.EncodeToString(v)
			}
			si.Characteristics = append(si.Characteristics, ci)
		}
		out = append(out, si)
	}
	return out
}
