//go:build linux

// Package bluez implements the bt collaborators on Linux through BlueZ over
// the system D-Bus: classic discovery, the bonded-device list and RFCOMM
// streams obtained through external Profile1 objects.
package bluez

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/btchat/internal/bt"
)

const (
	busName        = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	profileIface   = "org.bluez.Profile1"
	profileManager = "org.bluez.ProfileManager1"
	propsIface     = "org.freedesktop.DBus.Properties"
	objectManager  = "org.freedesktop.DBus.ObjectManager"
)

// Client wraps a system bus connection bound to one adapter.
type Client struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath

	channel uint16 // fixed RFCOMM channel for Listen, 0 lets BlueZ pick

	mu   sync.Mutex
	scan *scan
	seq  int // profile object path counter
}

var (
	_ bt.Discoverer   = (*Client)(nil)
	_ bt.BondRegistry = (*Client)(nil)
	_ bt.Transport    = (*Client)(nil)
)

// New connects to the system bus and checks that BlueZ knows adapter
// (e.g. "hci0"). A non-zero channel pins the RFCOMM channel servers
// listen on.
func New(adapter string, channel uint16) (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect to system bus: %w", err)
	}
	c := &Client{conn: conn, adapter: adapterPath(adapter), channel: channel}

	powered, err := c.getBool(c.adapter, adapterIface, "Powered")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluez: adapter %s not available (is bluetooth.service running?): %w", adapter, err)
	}
	if !powered {
		conn.Close()
		return nil, fmt.Errorf("bluez: adapter %s is powered off", adapter)
	}
	return c, nil
}

// Close stops discovery and drops the bus connection.
func (c *Client) Close() error {
	c.StopDiscovery()
	return c.conn.Close()
}

func adapterPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + name)
}

// devicePath converts "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + escaped)
}

// addressFromPath extracts the MAC address from a device object path under
// adapter, or "" if path is not a device of adapter.
func addressFromPath(adapter, path dbus.ObjectPath) string {
	prefix := string(adapter) + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	rest := s[len(prefix):]
	// Service and fd sub-objects live below the device.
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return strings.ReplaceAll(rest, "_", ":")
}

// --- property helpers ---

func (c *Client) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := c.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (c *Client) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := c.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (c *Client) getAll(path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	obj := c.conn.Object(busName, path)
	var props map[string]dbus.Variant
	err := obj.Call(propsIface+".GetAll", 0, iface).Store(&props)
	return props, err
}

// deviceFromProps maps Device1 properties to a bt.Device. It reports false
// if the properties carry no address.
func deviceFromProps(props map[string]dbus.Variant) (bt.Device, bool) {
	var d bt.Device
	if v, ok := props["Address"]; ok {
		d.Address, _ = v.Value().(string)
	}
	if d.Address == "" {
		return bt.Device{}, false
	}
	if v, ok := props["Name"]; ok {
		d.Name, _ = v.Value().(string)
	}
	if d.Name == "" {
		// BlueZ synthesises Alias from the address when there is no name.
		if v, ok := props["Alias"]; ok {
			if alias, _ := v.Value().(string); alias != strings.ReplaceAll(d.Address, ":", "-") {
				d.Name = alias
			}
		}
	}
	if v, ok := props["Class"]; ok {
		d.Class, _ = v.Value().(uint32)
	}
	if v, ok := props["Paired"]; ok {
		if paired, _ := v.Value().(bool); paired {
			d.Bond = bt.BondBonded
		}
	}
	return d, true
}

// sortDevices orders by name, then address, so listings are stable.
func sortDevices(ds []bt.Device) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Name != ds[j].Name {
			return ds[i].Name < ds[j].Name
		}
		return ds[i].Address < ds[j].Address
	})
}
