package bus

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Property accessors for the loosely typed a{sv} maps BlueZ sends. Each returns
// ok=false when the key is missing or holds an unexpected type.

func StringProp(props map[string]dbus.Variant, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

func BoolProp(props map[string]dbus.Variant, key string) (bool, bool) {
	v, ok := props[key]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}

func StringsProp(props map[string]dbus.Variant, key string) ([]string, bool) {
	v, ok := props[key]
	if !ok {
		return nil, false
	}
	s, ok := v.Value().([]string)
	return s, ok
}

func PathProp(props map[string]dbus.Variant, key string) (dbus.ObjectPath, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	p, ok := v.Value().(dbus.ObjectPath)
	return p, ok
}

func Int16Prop(props map[string]dbus.Variant, key string) (int16, bool) {
	v, ok := props[key]
	if !ok {
		return 0, false
	}
	n, ok := v.Value().(int16)
	return n, ok
}

// ValueProp extracts the characteristic "Value" property. present is false when
// the key is absent; a present value of the wrong type is an error.
func ValueProp(props map[string]dbus.Variant) (value []byte, present bool, err error) {
	v, ok := props["Value"]
	if !ok {
		return nil, false, nil
	}
	b, ok := v.Value().([]byte)
	if !ok {
		return nil, true, fmt.Errorf("%w: Value has type %s, want ay", ErrMalformedSignal, v.Signature())
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true, nil
}
