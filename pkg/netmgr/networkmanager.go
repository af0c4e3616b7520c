// Package netmgr talks to NetworkManager over the system D-Bus and
// implements the connection-management interface the controller
// depends on.
package netmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/wirenboard/wb-connection-manager/pkg"
	"github.com/wirenboard/wb-connection-manager/pkg/logx"
)

const (
	nmService      = "org.freedesktop.NetworkManager"
	nmPath         = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmSettingsPath = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")

	nmIface           = "org.freedesktop.NetworkManager"
	nmSettingsIface   = "org.freedesktop.NetworkManager.Settings"
	nmConnectionIface = "org.freedesktop.NetworkManager.Settings.Connection"
	nmActiveIface     = "org.freedesktop.NetworkManager.Connection.Active"
	nmDeviceIface     = "org.freedesktop.NetworkManager.Device"

	stateActivated   = uint32(2)
	stateDeactivated = uint32(4)

	statePollInterval = time.Second
)

// Client is a NetworkManager D-Bus adapter.
type Client struct {
	bus    *dbus.Conn
	logger *logx.Logger

	activationTimeout   time.Duration
	deactivationTimeout time.Duration
}

// NewClient connects to the system bus.
func NewClient(activationTimeout, deactivationTimeout time.Duration, logger *logx.Logger) (*Client, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &Client{
		bus:                 bus,
		logger:              logger,
		activationTimeout:   activationTimeout,
		deactivationTimeout: deactivationTimeout,
	}, nil
}

// Close releases the bus connection.
func (c *Client) Close() error {
	return c.bus.Close()
}

// ListConnections implements pkg.ConnectionManager.
func (c *Client) ListConnections(ctx context.Context) ([]*pkg.ConnectionRecord, error) {
	var paths []dbus.ObjectPath
	settings := c.bus.Object(nmService, nmSettingsPath)
	if err := settings.CallWithContext(ctx, nmSettingsIface+".ListConnections", 0).Store(&paths); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	active, err := c.activeConnections(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]*pkg.ConnectionRecord, 0, len(paths))
	for _, path := range paths {
		rec, err := c.connectionRecord(ctx, path)
		if err != nil {
			// Profiles can disappear between listing and reading
			// while the services shuffle devices around.
			c.logger.Debug("Skipping unreadable connection profile", "path", string(path), "error", err)
			continue
		}
		if ac, ok := active[rec.ID]; ok {
			rec.Active = true
			rec.Interface = ac.iface
		}
		records = append(records, rec)
	}
	return records, nil
}

// FindConnection implements pkg.ConnectionManager. A missing profile
// yields (nil, nil).
func (c *Client) FindConnection(ctx context.Context, id string) (*pkg.ConnectionRecord, error) {
	records, err := c.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, nil
}

// ActivateConnection implements pkg.ConnectionManager. It requests
// activation and waits until NetworkManager reports the connection
// fully activated or the activation timeout elapses.
func (c *Client) ActivateConnection(ctx context.Context, id string) error {
	settingsPath, err := c.findSettingsPath(ctx, id)
	if err != nil {
		return err
	}
	if settingsPath == "" {
		return fmt.Errorf("connection %q: no profile", id)
	}

	var activePath dbus.ObjectPath
	root := c.bus.Object(nmService, nmPath)
	// "/" lets NetworkManager pick the device and specific object.
	err = root.CallWithContext(ctx, nmIface+".ActivateConnection", 0,
		settingsPath, dbus.ObjectPath("/"), dbus.ObjectPath("/")).Store(&activePath)
	if err != nil {
		return fmt.Errorf("activation request for %q failed: %w", id, err)
	}

	return c.waitActiveState(ctx, activePath, stateActivated, c.activationTimeout)
}

// DeactivateConnection implements pkg.ConnectionManager. Deactivating
// a connection that is not active is a no-op.
func (c *Client) DeactivateConnection(ctx context.Context, id string) error {
	active, err := c.activeConnections(ctx)
	if err != nil {
		return err
	}
	ac, ok := active[id]
	if !ok {
		return nil
	}

	root := c.bus.Object(nmService, nmPath)
	if err := root.CallWithContext(ctx, nmIface+".DeactivateConnection", 0, ac.path).Err; err != nil {
		return fmt.Errorf("deactivation request for %q failed: %w", id, err)
	}

	return c.waitActiveState(ctx, ac.path, stateDeactivated, c.deactivationTimeout)
}

type activeConn struct {
	path  dbus.ObjectPath
	iface string
}

// activeConnections returns the currently active connections keyed by
// connection id.
func (c *Client) activeConnections(ctx context.Context) (map[string]activeConn, error) {
	root := c.bus.Object(nmService, nmPath)
	variant, err := root.GetProperty(nmIface + ".ActiveConnections")
	if err != nil {
		return nil, fmt.Errorf("failed to read active connections: %w", err)
	}
	paths, ok := variant.Value().([]dbus.ObjectPath)
	if !ok {
		return nil, fmt.Errorf("unexpected ActiveConnections type %T", variant.Value())
	}

	active := make(map[string]activeConn, len(paths))
	for _, path := range paths {
		obj := c.bus.Object(nmService, path)
		idVar, err := obj.GetProperty(nmActiveIface + ".Id")
		if err != nil {
			// Active connection objects vanish from the bus while
			// connections are torn down.
			c.logger.Debug("Skipping vanished active connection", "path", string(path), "error", err)
			continue
		}
		id, _ := idVar.Value().(string)
		active[id] = activeConn{
			path:  path,
			iface: c.activeInterface(obj),
		}
	}
	return active, nil
}

// activeInterface resolves the IP interface of an active connection's
// first device.
func (c *Client) activeInterface(obj dbus.BusObject) string {
	devVar, err := obj.GetProperty(nmActiveIface + ".Devices")
	if err != nil {
		return ""
	}
	devPaths, ok := devVar.Value().([]dbus.ObjectPath)
	if !ok || len(devPaths) == 0 {
		return ""
	}

	dev := c.bus.Object(nmService, devPaths[0])
	if v, err := dev.GetProperty(nmDeviceIface + ".IpInterface"); err == nil {
		if iface, _ := v.Value().(string); iface != "" {
			return iface
		}
	}
	if v, err := dev.GetProperty(nmDeviceIface + ".Interface"); err == nil {
		iface, _ := v.Value().(string)
		return iface
	}
	return ""
}

// connectionRecord reads one profile's identity, type and SIM slot.
func (c *Client) connectionRecord(ctx context.Context, path dbus.ObjectPath) (*pkg.ConnectionRecord, error) {
	var settings map[string]map[string]dbus.Variant
	obj := c.bus.Object(nmService, path)
	if err := obj.CallWithContext(ctx, nmConnectionIface+".GetSettings", 0).Store(&settings); err != nil {
		return nil, err
	}

	conn := settings["connection"]
	rec := &pkg.ConnectionRecord{SimSlot: pkg.SimSlotDefault}
	if v, ok := conn["id"]; ok {
		rec.ID, _ = v.Value().(string)
	}
	if v, ok := conn["type"]; ok {
		rec.Type, _ = v.Value().(string)
	}
	if gsm, ok := settings["gsm"]; ok {
		if v, ok := gsm["sim-slot"]; ok {
			rec.SimSlot = asInt(v.Value(), pkg.SimSlotDefault)
		}
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("profile %s has no id", path)
	}
	return rec, nil
}

// findSettingsPath locates the settings object for a connection id.
func (c *Client) findSettingsPath(ctx context.Context, id string) (dbus.ObjectPath, error) {
	var paths []dbus.ObjectPath
	settings := c.bus.Object(nmService, nmSettingsPath)
	if err := settings.CallWithContext(ctx, nmSettingsIface+".ListConnections", 0).Store(&paths); err != nil {
		return "", fmt.Errorf("failed to list connections: %w", err)
	}
	for _, path := range paths {
		rec, err := c.connectionRecord(ctx, path)
		if err != nil {
			continue
		}
		if rec.ID == id {
			return path, nil
		}
	}
	return "", nil
}

// waitActiveState polls an active connection object until it reaches
// the wanted state or the timeout elapses. A vanished object counts
// as deactivated.
func (c *Client) waitActiveState(ctx context.Context, path dbus.ObjectPath, want uint32, timeout time.Duration) error {
	obj := c.bus.Object(nmService, path)
	deadline := time.Now().Add(timeout)
	for {
		variant, err := obj.GetProperty(nmActiveIface + ".State")
		if err != nil {
			if want == stateDeactivated {
				// Object already removed from the bus.
				return nil
			}
			return fmt.Errorf("failed to read connection state: %w", err)
		}
		if state, ok := variant.Value().(uint32); ok && state == want {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("connection did not reach state %d within %s", want, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(statePollInterval):
		}
	}
}

func asInt(v interface{}, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case uint32:
		return int(n)
	case int64:
		return int(n)
	default:
		return fallback
	}
}
