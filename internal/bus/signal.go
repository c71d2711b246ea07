package bus

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// ErrMalformedSignal is returned by DecodeSignal for signals whose body does not
// match the expected D-Bus signature.
var ErrMalformedSignal = errors.New("malformed signal")

// ErrUnhandledSignal is returned by DecodeSignal for signals the library does not consume.
var ErrUnhandledSignal = errors.New("unhandled signal")

// Event is a decoded daemon signal.
type Event interface {
	ObjectPath() dbus.ObjectPath
}

// PropertiesChanged reports property updates on one interface of one object.
type PropertiesChanged struct {
	Path        dbus.ObjectPath
	Interface   string
	Changed     map[string]dbus.Variant
	Invalidated []string
}

func (e *PropertiesChanged) ObjectPath() dbus.ObjectPath { return e.Path }

// InterfacesAdded reports a new object (device, service, characteristic...).
type InterfacesAdded struct {
	Path       dbus.ObjectPath
	Interfaces map[string]map[string]dbus.Variant
}

func (e *InterfacesAdded) ObjectPath() dbus.ObjectPath { return e.Path }

// InterfacesRemoved reports interfaces dropped from an object. When every
// interface goes, the object is gone.
type InterfacesRemoved struct {
	Path       dbus.ObjectPath
	Interfaces []string
}

func (e *InterfacesRemoved) ObjectPath() dbus.ObjectPath { return e.Path }

// DaemonOwnerChanged reports that org.bluez changed owner on the bus, i.e. the
// daemon exited, started or restarted.
type DaemonOwnerChanged struct {
	OldOwner string
	NewOwner string
}

func (e *DaemonOwnerChanged) ObjectPath() dbus.ObjectPath { return "/" }

// Gone reports whether the daemon left the bus.
func (e *DaemonOwnerChanged) Gone() bool { return e.NewOwner == "" }

// Has reports whether iface is among the removed interfaces.
func (e *InterfacesRemoved) Has(iface string) bool {
	for _, i := range e.Interfaces {
		if i == iface {
			return true
		}
	}
	return false
}

// DecodeSignal turns a raw bus signal into a typed Event.
func DecodeSignal(sig *dbus.Signal) (Event, error) {
	if sig == nil {
		return nil, fmt.Errorf("%w: nil signal", ErrMalformedSignal)
	}

	switch sig.Name {
	case PropertiesChangedSignal:
		if len(sig.Body) < 2 {
			return nil, malformed(sig, "expected at least 2 arguments")
		}
		iface, ok := sig.Body[0].(string)
		if !ok {
			return nil, malformed(sig, "interface name is not a string")
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return nil, malformed(sig, "changed properties are not a{sv}")
		}
		var invalidated []string
		if len(sig.Body) > 2 {
			invalidated, _ = sig.Body[2].([]string)
		}
		return &PropertiesChanged{Path: sig.Path, Interface: iface, Changed: changed, Invalidated: invalidated}, nil

	case InterfacesAddedSignal:
		if len(sig.Body) < 2 {
			return nil, malformed(sig, "expected 2 arguments")
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return nil, malformed(sig, "object path argument missing")
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return nil, malformed(sig, "interfaces are not a{sa{sv}}")
		}
		return &InterfacesAdded{Path: path, Interfaces: ifaces}, nil

	case InterfacesRemovedSignal:
		if len(sig.Body) < 2 {
			return nil, malformed(sig, "expected 2 arguments")
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return nil, malformed(sig, "object path argument missing")
		}
		ifaces, ok := sig.Body[1].([]string)
		if !ok {
			return nil, malformed(sig, "interfaces are not as")
		}
		return &InterfacesRemoved{Path: path, Interfaces: ifaces}, nil

	case NameOwnerChangedSignal:
		if len(sig.Body) < 3 {
			return nil, malformed(sig, "expected 3 arguments")
		}
		name, _ := sig.Body[0].(string)
		if name != BluezService {
			return nil, fmt.Errorf("%w: owner change for %q", ErrUnhandledSignal, name)
		}
		oldOwner, ok1 := sig.Body[1].(string)
		newOwner, ok2 := sig.Body[2].(string)
		if !ok1 || !ok2 {
			return nil, malformed(sig, "owner arguments are not strings")
		}
		return &DaemonOwnerChanged{OldOwner: oldOwner, NewOwner: newOwner}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnhandledSignal, sig.Name)
}

func malformed(sig *dbus.Signal, reason string) error {
	return fmt.Errorf("%w: %s from %s: %s", ErrMalformedSignal, sig.Name, sig.Path, reason)
}
