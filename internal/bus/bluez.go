// Package bus is the transport between the library and the BlueZ daemon.
//
// It wraps a godbus connection behind the small Conn interface, normalizes
// daemon errors into a handful of sentinels and decodes the raw signal stream
// into typed events. Nothing above this package talks D-Bus directly.
package bus

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// BlueZ well-known names and interfaces.
const (
	BluezService = "org.bluez"
	BluezRoot    = dbus.ObjectPath("/org/bluez")

	AdapterInterface            = "org.bluez.Adapter1"
	DeviceInterface             = "org.bluez.Device1"
	GattServiceInterface        = "org.bluez.GattService1"
	GattCharacteristicInterface = "org.bluez.GattCharacteristic1"

	PropertiesInterface    = "org.freedesktop.DBus.Properties"
	ObjectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	DBusInterface          = "org.freedesktop.DBus"
)

// Fully-qualified signal names as they appear in dbus.Signal.Name.
const (
	PropertiesChangedSignal = PropertiesInterface + ".PropertiesChanged"
	InterfacesAddedSignal   = ObjectManagerInterface + ".InterfacesAdded"
	InterfacesRemovedSignal = ObjectManagerInterface + ".InterfacesRemoved"
	NameOwnerChangedSignal  = DBusInterface + ".NameOwnerChanged"
)

// Method names used against BlueZ objects.
const (
	MethodStartDiscovery     = AdapterInterface + ".StartDiscovery"
	MethodStopDiscovery      = AdapterInterface + ".StopDiscovery"
	MethodSetDiscoveryFilter = AdapterInterface + ".SetDiscoveryFilter"

	MethodConnect       = DeviceInterface + ".Connect"
	MethodDisconnect    = DeviceInterface + ".Disconnect"
	MethodPair          = DeviceInterface + ".Pair"
	MethodCancelPairing = DeviceInterface + ".CancelPairing"

	MethodReadValue   = GattCharacteristicInterface + ".ReadValue"
	MethodWriteValue  = GattCharacteristicInterface + ".WriteValue"
	MethodStartNotify = GattCharacteristicInterface + ".StartNotify"
	MethodStopNotify  = GattCharacteristicInterface + ".StopNotify"

	MethodGetAll            = PropertiesInterface + ".GetAll"
	MethodGetManagedObjects = ObjectManagerInterface + ".GetManagedObjects"
)

const devicePrefix = "dev_"

// ManagedObjects is the reply of ObjectManager.GetManagedObjects:
// object path -> interface -> property -> value.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// AdapterPath returns the object path of a local adapter such as "hci0".
func AdapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/%s", BluezRoot, adapter))
}

// DevicePathFor builds the device object path BlueZ uses for address under adapter.
func DevicePathFor(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/%s%s", adapter, devicePrefix,
		strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}

// AddressFromPath extracts the hardware address from a device path
// (".../dev_AA_BB_CC_DD_EE_FF" -> "AA:BB:CC:DD:EE:FF"). Paths below the device
// (services, characteristics) resolve to their owning device's address.
func AddressFromPath(path dbus.ObjectPath) (string, bool) {
	devPath, ok := DevicePathOf(path)
	if !ok {
		return "", false
	}
	s := string(devPath)
	seg := s[strings.LastIndex(s, "/")+1:]
	return strings.ReplaceAll(strings.TrimPrefix(seg, devicePrefix), "_", ":"), true
}

// DevicePathOf returns the device object path that owns path, which may be the
// device itself or any service/characteristic/descriptor below it.
func DevicePathOf(path dbus.ObjectPath) (dbus.ObjectPath, bool) {
	parts := strings.Split(string(path), "/")
	for i, p := range parts {
		if strings.HasPrefix(p, devicePrefix) && len(p) > len(devicePrefix) {
			return dbus.ObjectPath(strings.Join(parts[:i+1], "/")), true
		}
	}
	return "", false
}

// IsDescendant reports whether path lies strictly below root.
func IsDescendant(path, root dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(root)+"/")
}
