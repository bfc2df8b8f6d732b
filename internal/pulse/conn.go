package pulse

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	// CoreInterface is the PulseAudio core interface name.
	CoreInterface = "org.PulseAudio.Core1"
	// CorePath is the PulseAudio core object path.
	CorePath = dbus.ObjectPath("/org/pulseaudio/core1")
	// DeviceInterface is the interface of sinks and sources.
	DeviceInterface = CoreInterface + ".Device"

	// lookupBusName is the session bus name that publishes the server address.
	lookupBusName   = "org.PulseAudio1"
	lookupPath      = dbus.ObjectPath("/org/pulseaudio/server_lookup1")
	lookupInterface = "org.PulseAudio.ServerLookup1"

	// AddressEnv overrides the server address lookup.
	AddressEnv = "PULSE_DBUS_SERVER"
)

// Signals the source listens for.
const (
	SignalVolumeUpdated       = DeviceInterface + ".VolumeUpdated"
	SignalMuteUpdated         = DeviceInterface + ".MuteUpdated"
	SignalFallbackSinkUpdated = CoreInterface + ".FallbackSinkUpdated"
	SignalFallbackSinkUnset   = CoreInterface + ".FallbackSinkUnset"
)

func watchedSignals() []string {
	return []string{
		SignalVolumeUpdated,
		SignalMuteUpdated,
		SignalFallbackSinkUpdated,
		SignalFallbackSinkUnset,
	}
}

// coreConn is the subset of a PulseAudio D-Bus connection the source uses.
type coreConn interface {
	// Property reads iface.name on the object at path.
	Property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error)
	// Listen asks the server to deliver signal for all objects.
	Listen(signal string) error
	// Signals registers ch to receive incoming signals.
	Signals(ch chan<- *dbus.Signal)
	Close() error
}

// dialFunc opens a connection to the PulseAudio D-Bus server.
type dialFunc func(address string) (coreConn, error)

// busConn is a coreConn over a peer-to-peer godbus connection.
type busConn struct {
	conn *dbus.Conn
}

// dial connects to the PulseAudio D-Bus server. An empty address is
// resolved through $PULSE_DBUS_SERVER or the session bus lookup object.
func dial(address string) (coreConn, error) {
	if address == "" {
		var err error
		address, err = LookupAddress()
		if err != nil {
			return nil, err
		}
	}

	conn, err := dbus.Dial(address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial pulseaudio at %s: %w", address, err)
	}

	// Peer-to-peer connection: authenticate but no Hello, there is no bus.
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to authenticate with pulseaudio: %w", err)
	}

	return &busConn{conn: conn}, nil
}

// LookupAddress returns the address of the PulseAudio D-Bus server.
func LookupAddress() (string, error) {
	if addr := os.Getenv(AddressEnv); addr != "" {
		return addr, nil
	}

	bus, err := dbus.SessionBus()
	if err != nil {
		return "", fmt.Errorf("failed to connect to session bus: %w", err)
	}

	// SessionBus is shared, don't close it.
	v, err := bus.Object(lookupBusName, lookupPath).GetProperty(lookupInterface + ".Address")
	if err != nil {
		return "", fmt.Errorf("failed to look up pulseaudio server (is module-dbus-protocol loaded?): %w", err)
	}

	addr, ok := v.Value().(string)
	if !ok || addr == "" {
		return "", fmt.Errorf("invalid pulseaudio server address %v", v)
	}
	return addr, nil
}

func (c *busConn) Property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	err := c.conn.Object("", path).
		CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, iface, name).
		Store(&v)
	if err != nil {
		return dbus.Variant{}, fmt.Errorf("failed to get %s.%s on %s: %w", iface, name, path, err)
	}
	return v, nil
}

func (c *busConn) Listen(signal string) error {
	err := c.conn.Object("", CorePath).
		Call(CoreInterface+".ListenForSignal", 0, signal, []dbus.ObjectPath{}).Err
	if err != nil {
		return fmt.Errorf("failed to listen for %s: %w", signal, err)
	}
	return nil
}

func (c *busConn) Signals(ch chan<- *dbus.Signal) {
	c.conn.Signal(ch)
}

func (c *busConn) Close() error {
	return c.conn.Close()
}
