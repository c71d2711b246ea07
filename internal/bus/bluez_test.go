package bus

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestPathHelpers(t *testing.T) {
	adapter := AdapterPath("hci0")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0"), adapter)

	devPath := DevicePathFor(adapter, "aa:bb:cc:dd:ee:ff")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), devPath)

	tests := []struct {
		name     string
		path     dbus.ObjectPath
		wantAddr string
		wantOK   bool
	}{
		{"device", "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", "AA:BB:CC:DD:EE:FF", true},
		{"service", "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000a", "AA:BB:CC:DD:EE:FF", true},
		{"characteristic", "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service000a/char000b", "AA:BB:CC:DD:EE:FF", true},
		{"adapter", "/org/bluez/hci0", "", false},
		{"bare prefix", "/org/bluez/hci0/dev_", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, ok := AddressFromPath(tt.path)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantAddr, addr)
		})
	}

	assert.True(t, IsDescendant("/org/bluez/hci0/dev_AA/service0001", "/org/bluez/hci0/dev_AA"))
	assert.False(t, IsDescendant("/org/bluez/hci0/dev_AAB/service0001", "/org/bluez/hci0/dev_AA"), "sibling with common prefix is not a descendant")
	assert.False(t, IsDescendant("/org/bluez/hci0/dev_AA", "/org/bluez/hci0/dev_AA"))
}
