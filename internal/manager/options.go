package manager

import (
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/blez/internal/device"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// Options configures a Manager.
type Options struct {
	Adapter string `default:"hci0"`
	// KeepKnownDevices keeps devices from earlier scans in the registry when a
	// new scan starts.
	KeepKnownDevices bool
	// EventBuffer is the channel capacity of each Events subscription.
	EventBuffer int `default:"64"`
	Device      device.Options
}

// DefaultOptions returns Options with every field at its default.
func DefaultOptions() Options {
	opts := Options{}
	defaults.SetDefaults(&opts)
	return opts
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration     time.Duration `default:"10s"`
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	opts := &ScanOptions{}
	defaults.SetDefaults(opts)
	return opts
}

// scanFilter is the normalized form of ScanOptions used while a scan runs.
type scanFilter struct {
	uuids map[string]struct{}
	allow map[string]struct{}
	block map[string]struct{}
}

func newScanFilter(opts *ScanOptions) (*scanFilter, error) {
	f := &scanFilter{
		uuids: map[string]struct{}{},
		allow: map[string]struct{}{},
		block: map[string]struct{}{},
	}
	if len(opts.ServiceUUIDs) > 0 {
		uuids, err := device.ValidateUUID(opts.ServiceUUIDs...)
		if err != nil {
			return nil, err
		}
		for _, u := range uuids {
			f.uuids[u] = struct{}{}
		}
	}
	for _, a := range opts.AllowList {
		f.allow[strings.ToUpper(strings.TrimSpace(a))] = struct{}{}
	}
	for _, b := range opts.BlockList {
		f.block[strings.ToUpper(strings.TrimSpace(b))] = struct{}{}
	}
	return f, nil
}

func (f *scanFilter) serviceUUIDs() []string {
	out := make([]string, 0, len(f.uuids))
	for u := range f.uuids {
		out = append(out, u)
	}
	return out
}

// includes applies the block list first, then the allow list, then the
// advertised service filter.
func (f *scanFilter) includes(address string, advertised []string) bool {
	address = strings.ToUpper(address)

	if _, blocked := f.block[address]; blocked {
		return false
	}
	if len(f.allow) > 0 {
		if _, allowed := f.allow[address]; !allowed {
			return false
		}
	}
	if len(f.uuids) > 0 {
		for _, u := range advertised {
			if _, ok := f.uuids[strings.ToLower(u)]; ok {
				return true
			}
		}
		return false
	}
	return true
}
