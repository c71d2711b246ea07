package device

import (
	"time"

	"github.com/mcuadros/go-defaults"
)

// State is the connection lifecycle state of a Device.
type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateLost
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Properties is the daemon-reported property snapshot of a device.
type Properties struct {
	Connected        bool   `json:"connected"`
	Paired           bool   `json:"paired"`
	Trusted          bool   `json:"trusted"`
	ServicesResolved bool   `json:"services_resolved"`
	Name             string `json:"name,omitempty"`
	RSSI             int16  `json:"rssi,omitempty"`
}

// PropertyDelta describes what a property update changed. Pointer fields are
// nil when the property was not part of the update.
type PropertyDelta struct {
	Connected *bool
	Paired    *bool
	Trusted   *bool
	// SessionDropped is set when the update ended the connection session.
	SessionDropped bool
	// Other lists the remaining updated property names, sorted.
	Other []string
}

// Empty reports whether the update carried nothing.
func (d PropertyDelta) Empty() bool {
	return d.Connected == nil && d.Paired == nil && d.Trusted == nil && len(d.Other) == 0
}

// Options bounds the waits of blocking device operations.
type Options struct {
	ConnectTimeout      time.Duration `default:"30s"`
	DiscoveryTimeout    time.Duration `default:"20s"`
	OperationTimeout    time.Duration `default:"10s"`
	ResolvePollInterval time.Duration `default:"100ms"`
}

// DefaultOptions returns Options with every field at its default.
func DefaultOptions() Options {
	opts := Options{}
	defaults.SetDefaults(&opts)
	return opts
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.ResolvePollInterval <= 0 {
		o.ResolvePollInterval = d.ResolvePollInterval
	}
	return o
}
