package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Transport-level errors. NormalizeError maps daemon replies onto these so the
// layers above never match on D-Bus error names.
var (
	ErrDaemonUnavailable = errors.New("bluetooth daemon unavailable")
	ErrTimeout           = errors.New("bus call timed out")
	ErrUnknownObject     = errors.New("object does not exist")
	ErrNotConnected      = errors.New("device not connected")
	ErrNotPermitted      = errors.New("operation not permitted")
	ErrNotSupported      = errors.New("operation not supported")
	ErrInProgress        = errors.New("operation already in progress")
	ErrAlreadyExists     = errors.New("already exists")
	ErrFailed            = errors.New("operation failed")
)

var errorNames = map[string]error{
	"org.freedesktop.DBus.Error.ServiceUnknown": ErrDaemonUnavailable,
	"org.freedesktop.DBus.Error.NameHasNoOwner": ErrDaemonUnavailable,
	"org.freedesktop.DBus.Error.Disconnected":   ErrDaemonUnavailable,
	"org.freedesktop.DBus.Error.NoServer":       ErrDaemonUnavailable,

	"org.freedesktop.DBus.Error.NoReply": ErrTimeout,
	"org.freedesktop.DBus.Error.Timeout": ErrTimeout,
	"org.bluez.Error.Timeout":            ErrTimeout,

	"org.freedesktop.DBus.Error.UnknownObject": ErrUnknownObject,
	"org.freedesktop.DBus.Error.UnknownMethod": ErrUnknownObject,
	"org.bluez.Error.DoesNotExist":             ErrUnknownObject,

	"org.bluez.Error.NotConnected": ErrNotConnected,

	"org.bluez.Error.NotPermitted":  ErrNotPermitted,
	"org.bluez.Error.NotAuthorized": ErrNotPermitted,

	"org.bluez.Error.NotSupported": ErrNotSupported,
	"org.bluez.Error.InProgress":   ErrInProgress,

	"org.bluez.Error.AlreadyExists":    ErrAlreadyExists,
	"org.bluez.Error.AlreadyConnected": ErrAlreadyExists,

	"org.bluez.Error.Failed":             ErrFailed,
	"org.bluez.Error.InvalidArguments":   ErrFailed,
	"org.bluez.Error.InvalidValueLength": ErrFailed,
}

// NormalizeError maps godbus and BlueZ errors to the sentinels above. The
// original error text is kept in the message. Unknown errors pass through.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, dbus.ErrClosed):
		return fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}

	if name, ok := errorName(err); ok {
		if sentinel, known := errorNames[name]; known {
			return fmt.Errorf("%w: %v", sentinel, err)
		}
	}

	return err
}

// errorName extracts the D-Bus error name from a method error reply.
func errorName(err error) (string, bool) {
	var ptr *dbus.Error
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Name, true
	}
	var val dbus.Error
	if errors.As(err, &val) {
		return val.Name, true
	}
	return "", false
}
