//go:build linux

package bluez

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/btchat/internal/bt"
)

// scan is one running discovery.
type scan struct {
	signals chan *dbus.Signal
	cancel  context.CancelFunc
	done    chan struct{}
}

func (c *Client) matchOptions() [][]dbus.MatchOption {
	return [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(objectManager),
			dbus.WithMatchMember("InterfacesAdded"),
		},
		{
			dbus.WithMatchInterface(propsIface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(c.adapter),
		},
	}
}

// StartDiscovery restricts the adapter to BR/EDR inquiry, subscribes to
// device signals and starts scanning.
func (c *Client) StartDiscovery(ctx context.Context, found func(bt.Device)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scan != nil {
		return nil
	}

	adapter := c.conn.Object(busName, c.adapter)
	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("bredr")}
	if err := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return fmt.Errorf("bluez: set discovery filter: %w", err)
	}

	for _, opts := range c.matchOptions() {
		if err := c.conn.AddMatchSignal(opts...); err != nil {
			return fmt.Errorf("bluez: add signal match: %w", err)
		}
	}
	signals := make(chan *dbus.Signal, 32)
	c.conn.Signal(signals)

	if err := adapter.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		c.conn.RemoveSignal(signals)
		c.removeMatches()
		return fmt.Errorf("bluez: start discovery: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &scan{signals: signals, cancel: cancel, done: make(chan struct{})}
	c.scan = s
	go c.watch(ctx, s, found)
	slog.Debug("[BLUEZ] discovery started", "adapter", c.adapter)
	return nil
}

// watch turns device signals into sightings until ctx is done.
func (c *Client) watch(ctx context.Context, s *scan, found func(bt.Device)) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-s.signals:
			if !ok {
				return
			}
			if d, ok := c.sighting(sig); ok {
				found(d)
			}
		}
	}
}

// sighting extracts a device from an InterfacesAdded or PropertiesChanged
// signal.
func (c *Client) sighting(sig *dbus.Signal) (bt.Device, bool) {
	switch sig.Name {
	case objectManager + ".InterfacesAdded":
		return deviceFromInterfacesAdded(c.adapter, sig)
	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 1 {
			return bt.Device{}, false
		}
		if iface, _ := sig.Body[0].(string); iface != deviceIface {
			return bt.Device{}, false
		}
		addr := addressFromPath(c.adapter, sig.Path)
		if addr == "" || sig.Path != devicePath(c.adapter, addr) {
			return bt.Device{}, false
		}
		props, err := c.getAll(sig.Path, deviceIface)
		if err != nil {
			slog.Debug("[BLUEZ] device vanished", "path", sig.Path, "error", err)
			return bt.Device{}, false
		}
		return deviceFromProps(props)
	}
	return bt.Device{}, false
}

func deviceFromInterfacesAdded(adapter dbus.ObjectPath, sig *dbus.Signal) (bt.Device, bool) {
	if len(sig.Body) < 2 {
		return bt.Device{}, false
	}
	path, _ := sig.Body[0].(dbus.ObjectPath)
	if addressFromPath(adapter, path) == "" {
		return bt.Device{}, false
	}
	ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
	props, ok := ifaces[deviceIface]
	if !ok {
		return bt.Device{}, false
	}
	return deviceFromProps(props)
}

// StopDiscovery stops scanning and drops the signal subscription.
func (c *Client) StopDiscovery() error {
	c.mu.Lock()
	s := c.scan
	c.scan = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	s.cancel()
	<-s.done
	c.conn.RemoveSignal(s.signals)
	c.removeMatches()

	err := c.conn.Object(busName, c.adapter).Call(adapterIface+".StopDiscovery", 0).Err
	if err != nil {
		return fmt.Errorf("bluez: stop discovery: %w", err)
	}
	slog.Debug("[BLUEZ] discovery stopped", "adapter", c.adapter)
	return nil
}

func (c *Client) removeMatches() {
	for _, opts := range c.matchOptions() {
		if err := c.conn.RemoveMatchSignal(opts...); err != nil {
			slog.Debug("[BLUEZ] remove signal match", "error", err)
		}
	}
}

// BondedDevices lists the adapter's paired devices.
func (c *Client) BondedDevices(ctx context.Context) ([]bt.Device, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	root := c.conn.Object(busName, "/")
	if err := root.CallWithContext(ctx, objectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: get managed objects: %w", err)
	}
	return bondedFromObjects(c.adapter, objects), nil
}

func bondedFromObjects(adapter dbus.ObjectPath, objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []bt.Device {
	var out []bt.Device
	for path, ifaces := range objects {
		if addressFromPath(adapter, path) == "" {
			continue
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		d, ok := deviceFromProps(props)
		if !ok || d.Bond != bt.BondBonded {
			continue
		}
		out = append(out, d)
	}
	sortDevices(out)
	return out
}
