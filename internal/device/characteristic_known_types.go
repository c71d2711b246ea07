package device

import (
	"encoding/binary"
	"fmt"
)

// Well-known GATT UUIDs (normalized 128-bit form).
var (
	ServiceGenericAccess     = MustNormalizeUUID("1800")
	ServiceDeviceInformation = MustNormalizeUUID("180a")
	ServiceHeartRate         = MustNormalizeUUID("180d")
	ServiceBattery           = MustNormalizeUUID("180f")
	ServiceNordicUART        = MustNormalizeUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")

	CharacteristicDeviceName           = MustNormalizeUUID("2a00")
	CharacteristicAppearance           = MustNormalizeUUID("2a01")
	CharacteristicBatteryLevel         = MustNormalizeUUID("2a19")
	CharacteristicManufacturerName     = MustNormalizeUUID("2a29")
	CharacteristicHeartRateMeasurement = MustNormalizeUUID("2a37")
	CharacteristicBodySensorLocation   = MustNormalizeUUID("2a38")
	CharacteristicUARTRX               = MustNormalizeUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	CharacteristicUARTTX               = MustNormalizeUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

var knownServices = map[string]string{
	ServiceGenericAccess:     "Generic Access",
	ServiceDeviceInformation: "Device Information",
	ServiceHeartRate:         "Heart Rate",
	ServiceBattery:           "Battery Service",
	ServiceNordicUART:        "Nordic UART Service",
}

var knownCharacteristics = map[string]string{
	CharacteristicDeviceName:           "Device Name",
	CharacteristicAppearance:           "Appearance",
	CharacteristicBatteryLevel:         "Battery Level",
	CharacteristicManufacturerName:     "Manufacturer Name String",
	CharacteristicHeartRateMeasurement: "Heart Rate Measurement",
	CharacteristicBodySensorLocation:   "Body Sensor Location",
	CharacteristicUARTRX:               "UART RX",
	CharacteristicUARTTX:               "UART TX",
}

// KnownServiceName returns a human-readable name for well-known service UUIDs, or "".
func KnownServiceName(u string) string { return knownServices[u] }

// KnownCharacteristicName returns a human-readable name for well-known characteristic UUIDs, or "".
func KnownCharacteristicName(u string) string { return knownCharacteristics[u] }

// CharacteristicParser is a function that parses a characteristic value
type CharacteristicParser func([]byte) (interface{}, error)

var characteristicParsers = map[string]CharacteristicParser{
	CharacteristicDeviceName:           parseUTF8,
	CharacteristicManufacturerName:     parseUTF8,
	CharacteristicAppearance:           parseAppearance,
	CharacteristicBatteryLevel:         parseBatteryLevel,
	CharacteristicHeartRateMeasurement: parseHeartRate,
}

func parseUTF8(value []byte) (interface{}, error) {
	return string(value), nil
}

// parseAppearance returns the raw 16-bit appearance code.
func parseAppearance(value []byte) (interface{}, error) {
	if len(value) != 2 {
		return nil, fmt.Errorf("appearance value must be 2 bytes, got %d", len(value))
	}
	return binary.LittleEndian.Uint16(value), nil
}

func parseBatteryLevel(value []byte) (interface{}, error) {
	if len(value) != 1 {
		return nil, fmt.Errorf("battery level must be 1 byte, got %d", len(value))
	}
	if value[0] > 100 {
		return nil, fmt.Errorf("battery level %d out of range", value[0])
	}
	return int(value[0]), nil
}

// parseHeartRate decodes the beats-per-minute field; bit 0 of the flags byte
// selects a uint8 or uint16 format.
func parseHeartRate(value []byte) (interface{}, error) {
	if len(value) < 2 {
		return nil, fmt.Errorf("heart rate measurement too short: %d bytes", len(value))
	}
	if value[0]&0x01 == 0 {
		return int(value[1]), nil
	}
	if len(value) < 3 {
		return nil, fmt.Errorf("heart rate measurement too short for uint16 format: %d bytes", len(value))
	}
	return int(binary.LittleEndian.Uint16(value[1:3])), nil
}

// IsParsableCharacteristic returns true if the characteristic UUID supports value parsing
func IsParsableCharacteristic(u string) bool {
	_, exists := characteristicParsers[u]
	return exists
}

// ParseCharacteristicValue decodes well-known characteristic values.
// Returns (nil, nil) for unknown UUIDs.
func ParseCharacteristicValue(u string, value []byte) (interface{}, error) {
	parser, exists := characteristicParsers[u]
	if !exists {
		return nil, nil
	}
	return parser(value)
}
