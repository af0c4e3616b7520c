// Package modemmgr talks to ModemManager over the system D-Bus and
// implements the modem-management interface the slot coordinator
// depends on.
package modemmgr

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/wirenboard/wb-connection-manager/pkg"
	"github.com/wirenboard/wb-connection-manager/pkg/logx"
)

const (
	mmService = "org.freedesktop.ModemManager1"
	mmPath    = dbus.ObjectPath("/org/freedesktop/ModemManager1")

	mmModemIface     = "org.freedesktop.ModemManager1.Modem"
	objectManagerGet = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// Client is a ModemManager D-Bus adapter. The modem is located by its
// Device property on every call because ModemManager recreates the
// modem object (with a new path) after a SIM slot switch.
type Client struct {
	bus    *dbus.Conn
	device string
	logger *logx.Logger
}

// NewClient connects to the system bus. device is the ModemManager
// Device property of the built-in modem.
func NewClient(device string, logger *logx.Logger) (*Client, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &Client{bus: bus, device: device, logger: logger}, nil
}

// Close releases the bus connection.
func (c *Client) Close() error {
	return c.bus.Close()
}

// GetPrimarySimSlot implements pkg.ModemManager.
func (c *Client) GetPrimarySimSlot(ctx context.Context) (int, error) {
	modemPath, err := c.findModem(ctx)
	if err != nil {
		return 0, err
	}

	variant, err := c.bus.Object(mmService, modemPath).GetProperty(mmModemIface + ".PrimarySimSlot")
	if err != nil {
		return 0, fmt.Errorf("failed to read primary SIM slot: %w", err)
	}
	slot, ok := variant.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("unexpected PrimarySimSlot type %T", variant.Value())
	}
	return int(slot), nil
}

// SetPrimarySimSlot implements pkg.ModemManager. The effect is not
// immediate; callers must poll GetPrimarySimSlot afterwards.
func (c *Client) SetPrimarySimSlot(ctx context.Context, slot int) error {
	modemPath, err := c.findModem(ctx)
	if err != nil {
		return err
	}

	call := c.bus.Object(mmService, modemPath).CallWithContext(ctx, mmModemIface+".SetPrimarySimSlot", 0, uint32(slot))
	if call.Err != nil {
		return fmt.Errorf("failed to set primary SIM slot %d: %w", slot, call.Err)
	}
	return nil
}

// findModem locates the modem whose Device property matches the
// configured device name.
func (c *Client) findModem(ctx context.Context) (dbus.ObjectPath, error) {
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	root := c.bus.Object(mmService, mmPath)
	if err := root.CallWithContext(ctx, objectManagerGet, 0).Store(&managed); err != nil {
		return "", fmt.Errorf("%w: listing modems: %s", pkg.ErrNoModem, err)
	}

	for path, ifaces := range managed {
		props, ok := ifaces[mmModemIface]
		if !ok {
			continue
		}
		device, _ := props["Device"].Value().(string)
		if device == c.device {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no modem with device %q", pkg.ErrNoModem, c.device)
}
