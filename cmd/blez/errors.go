package main

import (
	"errors"
	"fmt"

	"github.com/Southclaws/fault/fmsg"
	"github.com/srg/blez/internal/device"
	"github.com/srg/blez/internal/manager"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link dropped while a streaming command
	// was running.
	ErrConnectionLost = errors.New("connection lost")
)

var kindHints = map[device.ErrorKind]string{
	device.KindNotFound:          "run 'blez scan' to list nearby devices, or raise --scan-timeout",
	device.KindNotReady:          "is the adapter powered on? try 'bluetoothctl power on'",
	device.KindConnectFailed:     "make sure the device is advertising and in range",
	device.KindDiscoveryFailed:   "the device did not finish service discovery; try again",
	device.KindNotReadable:       "the characteristic does not support reads",
	device.KindNotWritable:       "the characteristic does not support writes",
	device.KindNotSubscribable:   "the characteristic does not support notifications",
	device.KindSubscribeFailed:   "the device refused to enable notifications; it may require pairing",
	device.KindInvalidated:       "the connection or its services changed; reconnect and retry",
	device.KindTimeout:           "the device did not answer in time",
	device.KindDaemonUnavailable: "is bluetoothd running? check 'systemctl status bluetooth'",
}

// FormatUserError turns an error into a one-line message with a hint where one applies.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	// Daemon-level failures carry a user-facing issue; lead with it.
	if issue := fmsg.GetIssue(err); issue != "" {
		msg = fmt.Sprintf("%s (%s)", issue, msg)
	}

	switch {
	case errors.Is(err, ErrConnectionLost):
		return msg
	case errors.Is(err, manager.ErrScanFailed) && device.KindOf(err) == "":
		return msg + "\n  hint: " + kindHints[device.KindNotReady]
	}
	if hint, ok := kindHints[device.KindOf(err)]; ok {
		return msg + "\n  hint: " + hint
	}
	return msg
}
