package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// CharacteristicConfig describes one simulated GATT characteristic.
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig describes one simulated GATT service.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralConfig is everything FakeBus needs to simulate a peripheral.
type PeripheralConfig struct {
	Address  string          `json:"address"`
	Name     string          `json:"name,omitempty"`
	RSSI     int16           `json:"rssi,omitempty"`
	Services []ServiceConfig `json:"services"`

	// Known peripherals are in the daemon's tree before any discovery.
	Known bool `json:"known,omitempty"`
	// Echo makes writes show up as value notifications on the same characteristic.
	Echo bool `json:"echo,omitempty"`
}

// PeripheralBuilder builds a simulated peripheral with a fluent API.
type PeripheralBuilder struct {
	cfg PeripheralConfig
}

func NewPeripheral(address, name string) *PeripheralBuilder {
	return &PeripheralBuilder{cfg: PeripheralConfig{
		Address:  strings.ToUpper(address),
		Name:     name,
		RSSI:     -60,
		Services: []ServiceConfig{},
	}}
}

// WithService adds a service to the peripheral profile
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.cfg.Services = append(b.cfg.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	if len(b.cfg.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.cfg.Services) - 1
	b.cfg.Services[last].Characteristics = append(b.cfg.Services[last].Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

func (b *PeripheralBuilder) WithRSSI(rssi int16) *PeripheralBuilder {
	b.cfg.RSSI = rssi
	return b
}

// WithEcho turns every accepted write into a value notification.
func (b *PeripheralBuilder) WithEcho() *PeripheralBuilder {
	b.cfg.Echo = true
	return b
}

// Known places the peripheral in the daemon's tree from the start, as if it had
// been seen in an earlier session.
func (b *PeripheralBuilder) Known() *PeripheralBuilder {
	b.cfg.Known = true
	return b
}

// FromJSON replaces the GATT profile from JSON. Address and name are kept
// unless the JSON sets them.
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	cfg := b.cfg
	cfg.Services = nil
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	cfg.Address = strings.ToUpper(cfg.Address)
	b.cfg = cfg
	return b
}

func (b *PeripheralBuilder) Build() PeripheralConfig {
	cfg := b.cfg
	cfg.Services = make([]ServiceConfig, len(b.cfg.Services))
	for i, svc := range b.cfg.Services {
		cfg.Services[i] = ServiceConfig{
			UUID:            svc.UUID,
			Characteristics: append([]CharacteristicConfig(nil), svc.Characteristics...),
		}
	}
	return cfg
}

// parseCharacteristicFlags converts a property string to BlueZ flag names.
func parseCharacteristicFlags(props string) []string {
	if props == "" {
		return []string{"read", "write", "notify"}
	}
	var flags []string
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(strings.ToLower(p)) {
		case "read":
			flags = append(flags, "read")
		case "write":
			flags = append(flags, "write")
		case "write-without-response", "writenoresp", "command":
			flags = append(flags, "write-without-response")
		case "notify":
			flags = append(flags, "notify")
		case "indicate":
			flags = append(flags, "indicate")
		}
	}
	return flags
}

// fullUUID expands 16/32-bit forms the way the daemon reports UUIDs.
func fullUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch len(s) {
	case 4:
		return "0000" + s + bluetoothBaseSuffix
	case 8:
		return s + bluetoothBaseSuffix
	}
	return uuid.MustParse(s).String()
}
