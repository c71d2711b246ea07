package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blez/internal/bus"
)

// NotFoundError represents a lookup miss for a device, service or characteristic.
type NotFoundError struct {
	Resource string   // "device", "service", "characteristic"
	Keys     []string // path, UUID, name or address that was looked up
}

func (e *NotFoundError) Error() string {
	switch len(e.Keys) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.Keys[0])
	default:
		return fmt.Sprintf("%s not found (tried %s)", e.Resource, strings.Join(e.Keys, ", "))
	}
}

// Is makes every NotFoundError match ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindNotFound
}

// ErrorKind classifies failures of device operations.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindNotReady            ErrorKind = "not_ready"
	KindAlreadyConnected    ErrorKind = "already_connected"
	KindAlreadyDisconnected ErrorKind = "already_disconnected"
	KindConnectFailed       ErrorKind = "connect_failed"
	KindDiscoveryFailed     ErrorKind = "discovery_failed"
	KindReadFailed          ErrorKind = "read_failed"
	KindWriteFailed         ErrorKind = "write_failed"
	KindNotReadable         ErrorKind = "not_readable"
	KindNotWritable         ErrorKind = "not_writable"
	KindNotSubscribable     ErrorKind = "not_subscribable"
	KindSubscribeFailed     ErrorKind = "subscribe_failed"
	KindInvalidated         ErrorKind = "invalidated"
	KindTimeout             ErrorKind = "timeout"
	KindDaemonUnavailable   ErrorKind = "daemon_unavailable"
)

// Error is the error type returned by device and manager operations.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors, one per kind.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrNotReady            = &Error{Kind: KindNotReady}
	ErrAlreadyConnected    = &Error{Kind: KindAlreadyConnected}
	ErrAlreadyDisconnected = &Error{Kind: KindAlreadyDisconnected}
	ErrConnectFailed       = &Error{Kind: KindConnectFailed}
	ErrDiscoveryFailed     = &Error{Kind: KindDiscoveryFailed}
	ErrReadFailed          = &Error{Kind: KindReadFailed}
	ErrWriteFailed         = &Error{Kind: KindWriteFailed}
	ErrNotReadable         = &Error{Kind: KindNotReadable}
	ErrNotWritable         = &Error{Kind: KindNotWritable}
	ErrNotSubscribable     = &Error{Kind: KindNotSubscribable}
	ErrSubscribeFailed     = &Error{Kind: KindSubscribeFailed}
	ErrInvalidated         = &Error{Kind: KindInvalidated}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrDaemonUnavailable   = &Error{Kind: KindDaemonUnavailable}
)

func newError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the kind of err, or "" if err is not a device error.
func KindOf(err error) ErrorKind {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return KindNotFound
	}
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return ""
}

// IsInformational reports whether err only signals an idempotent no-op.
func IsInformational(err error) bool {
	return errors.Is(err, ErrAlreadyConnected) || errors.Is(err, ErrAlreadyDisconnected)
}

// classify turns a transport error into a device error. Timeouts and daemon loss
// get their own kinds; everything else is reported as opKind.
func classify(opKind ErrorKind, err error, format string, args ...interface{}) *Error {
	switch {
	case errors.Is(err, bus.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, err, format, args...)
	case errors.Is(err, bus.ErrDaemonUnavailable):
		return newError(KindDaemonUnavailable, err, format, args...)
	default:
		return newError(opKind, err, format, args...)
	}
}

// isLinkLoss reports whether a daemon error means the link or the device object is gone.
func isLinkLoss(err error) bool {
	return errors.Is(err, bus.ErrNotConnected) || errors.Is(err, bus.ErrUnknownObject)
}
