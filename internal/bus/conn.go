package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Kind selects which message bus to connect to.
type Kind string

const (
	SystemBus  Kind = "system"
	SessionBus Kind = "session"
)

// Conn is everything the library needs from the bus. The godbus-backed
// implementation is DBusConn; tests use an in-memory fake.
type Conn interface {
	// Call invokes a BlueZ method on path and returns the reply body.
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error)
	// GetAll returns all properties of iface on path.
	GetAll(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error)
	// ManagedObjects returns the daemon's full object tree.
	ManagedObjects(ctx context.Context) (ManagedObjects, error)
	// Subscribe starts delivery of BlueZ signals. Signals arrive in bus order.
	// The returned func releases the subscription.
	Subscribe() (<-chan *dbus.Signal, func(), error)
	Close() error
}

var matchRules = []string{
	"type='signal',sender='org.bluez',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged'",
	"type='signal',sender='org.bluez',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded'",
	"type='signal',sender='org.bluez',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesRemoved'",
	"type='signal',sender='org.freedesktop.DBus',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='org.bluez'",
}

// DBusConn talks to BlueZ over a godbus connection.
type DBusConn struct {
	conn         *dbus.Conn
	logger       *logrus.Logger
	signalBuffer int

	mu   sync.Mutex
	subs map[chan *dbus.Signal]struct{}
}

// Connect opens the requested bus and checks that org.bluez has an owner.
// A missing bus or daemon is reported as ErrDaemonUnavailable.
func Connect(kind Kind, signalBuffer int, logger *logrus.Logger) (*DBusConn, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if signalBuffer <= 0 {
		signalBuffer = 64
	}

	// Sequential delivery keeps signals in bus order; the default handler may reorder under load.
	opts := []dbus.ConnOption{dbus.WithSignalHandler(dbus.NewSequentialSignalHandler())}

	var (
		conn *dbus.Conn
		err  error
	)
	switch kind {
	case SessionBus:
		conn, err = dbus.ConnectSessionBus(opts...)
	default:
		conn, err = dbus.ConnectSystemBus(opts...)
	}
	if err != nil {
		return nil, fault.Wrap(fmt.Errorf("%w: %v", ErrDaemonUnavailable, err),
			fctx.With(context.Background(), "bus", string(kind)),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot connect to message bus"),
		)
	}

	var owned bool
	if err := conn.BusObject().Call(DBusInterface+".NameHasOwner", 0, BluezService).Store(&owned); err != nil || !owned {
		_ = conn.Close()
		if err == nil {
			err = errors.New("org.bluez has no owner")
		}
		return nil, fault.Wrap(fmt.Errorf("%w: %v", ErrDaemonUnavailable, err),
			fctx.With(context.Background(), "bus", string(kind), "service", BluezService),
			ftag.With(ftag.Internal),
			fmsg.With("Bluetooth daemon is not running"),
		)
	}

	logger.WithField("bus", kind).Debug("Connected to BlueZ")

	return &DBusConn{
		conn:         conn,
		logger:       logger,
		signalBuffer: signalBuffer,
		subs:         make(map[chan *dbus.Signal]struct{}),
	}, nil
}

func (c *DBusConn) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) ([]interface{}, error) {
	call := c.conn.Object(BluezService, path).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, wrapCallError(ctx, call.Err, path, method)
	}
	return call.Body, nil
}

func (c *DBusConn) GetAll(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	props := make(map[string]dbus.Variant)
	call := c.conn.Object(BluezService, path).CallWithContext(ctx, MethodGetAll, 0, iface)
	if call.Err != nil {
		return nil, wrapCallError(ctx, call.Err, path, MethodGetAll)
	}
	if err := call.Store(&props); err != nil {
		return nil, wrapCallError(ctx, err, path, MethodGetAll)
	}
	return props, nil
}

func (c *DBusConn) ManagedObjects(ctx context.Context) (ManagedObjects, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := c.conn.Object(BluezService, "/").CallWithContext(ctx, MethodGetManagedObjects, 0)
	if call.Err != nil {
		return nil, wrapCallError(ctx, call.Err, "/", MethodGetManagedObjects)
	}
	if err := call.Store(&objects); err != nil {
		return nil, wrapCallError(ctx, err, "/", MethodGetManagedObjects)
	}
	return ManagedObjects(objects), nil
}

func (c *DBusConn) Subscribe() (<-chan *dbus.Signal, func(), error) {
	added := make([]string, 0, len(matchRules))
	for _, rule := range matchRules {
		if call := c.conn.BusObject().Call(DBusInterface+".AddMatch", 0, rule); call.Err != nil {
			c.removeMatches(added)
			return nil, nil, wrapCallError(context.Background(), call.Err, "/", DBusInterface+".AddMatch")
		}
		added = append(added, rule)
	}

	ch := make(chan *dbus.Signal, c.signalBuffer)
	c.conn.Signal(ch)

	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.conn.RemoveSignal(ch)
			c.removeMatches(added)
			c.mu.Lock()
			delete(c.subs, ch)
			c.mu.Unlock()
		})
	}
	return ch, release, nil
}

func (c *DBusConn) removeMatches(rules []string) {
	for _, rule := range rules {
		if call := c.conn.BusObject().Call(DBusInterface+".RemoveMatch", 0, rule); call.Err != nil {
			c.logger.WithError(call.Err).WithField("rule", rule).Debug("RemoveMatch failed")
		}
	}
}

func (c *DBusConn) Close() error {
	c.mu.Lock()
	n := len(c.subs)
	c.mu.Unlock()
	if n > 0 {
		c.logger.WithField("subscriptions", n).Debug("Closing bus with live signal subscriptions")
	}
	return c.conn.Close()
}

// wrapCallError normalizes err and attaches the call site as fault context.
func wrapCallError(ctx context.Context, err error, path dbus.ObjectPath, method string) error {
	normalized := NormalizeError(err)
	return fault.Wrap(normalized,
		fctx.With(ctx, "object_path", string(path), "method", method),
		ftag.With(tagFor(normalized)),
		fmsg.With(fmt.Sprintf("%s on %s", method, path)),
	)
}

func tagFor(err error) ftag.Kind {
	switch {
	case errors.Is(err, ErrUnknownObject):
		return ftag.NotFound
	case errors.Is(err, ErrNotPermitted):
		return ftag.PermissionDenied
	default:
		return ftag.Internal
	}
}
