package main

import (
	"context"
	"fmt"
	"testing"

	"github.com/srg/blez/internal/device"
	"github.com/srg/blez/internal/manager"
	"github.com/stretchr/testify/assert"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "nil",
			err:      nil,
			expected: "",
		},
		{
			name:     "plain error",
			err:      fmt.Errorf("boom"),
			expected: "boom",
		},
		{
			name:     "device not found",
			err:      &device.NotFoundError{Resource: "device", Keys: []string{"FIRMATA"}},
			expected: "hint: run 'blez scan' to list nearby devices",
		},
		{
			name:     "not writable",
			err:      fmt.Errorf("write: %w", &device.Error{Kind: device.KindNotWritable, Msg: "characteristic 2a19"}),
			expected: "hint: the characteristic does not support writes",
		},
		{
			name:     "subscribe failure",
			err:      &device.Error{Kind: device.KindSubscribeFailed, Msg: "StartNotify 2a37"},
			expected: "hint: the device refused to enable notifications",
		},
		{
			name:     "scan failure",
			err:      fmt.Errorf("%w: %w", manager.ErrScanFailed, context.DeadlineExceeded),
			expected: "hint: is the adapter powered on?",
		},
		{
			name:     "connection lost",
			err:      fmt.Errorf("%w: %s", ErrConnectionLost, "AA:BB:CC:DD:EE:FF"),
			expected: "connection lost: AA:BB:CC:DD:EE:FF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.expected)
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}
