//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/chaz8081/btchat/internal/bt"
)

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("bluez: listener closed")

// profile is an exported org.bluez.Profile1 object. BlueZ hands every
// RFCOMM connection for the profile's UUID to NewConnection as a socket fd.
//
// Unregistering makes BlueZ shut down the profile's sockets, so the
// registration is reference counted: the owner holds one reference and
// every delivered conn holds another.
type profile struct {
	c       *Client
	path    dbus.ObjectPath
	service uuid.UUID
	conns   chan *fdConn

	mu   sync.Mutex
	refs int
}

// NewConnection is called by BlueZ when a connection for the profile is up.
func (p *profile) NewConnection(device dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	addr := addressFromPath(p.c.adapter, device)
	slog.Info("[BLUEZ] new connection", "device", addr, "service", p.service)

	if err := unix.SetNonblock(int(fd), true); err != nil {
		unix.Close(int(fd))
		return dbus.MakeFailedError(fmt.Errorf("set nonblock: %w", err))
	}
	if !p.acquire() {
		unix.Close(int(fd))
		return dbus.MakeFailedError(errors.New("profile released"))
	}
	conn := &fdConn{
		f:       os.NewFile(uintptr(fd), "rfcomm:"+addr),
		remote:  addr,
		onClose: p.release,
	}
	select {
	case p.conns <- conn:
		return nil
	default:
		conn.Close()
		return dbus.MakeFailedError(errors.New("busy"))
	}
}

// RequestDisconnection is called when BlueZ drops the profile for device.
// The session notices through a read error on the socket.
func (p *profile) RequestDisconnection(device dbus.ObjectPath) *dbus.Error {
	slog.Debug("[BLUEZ] disconnection requested", "device", addressFromPath(p.c.adapter, device))
	return nil
}

// Release is called when BlueZ unregisters the profile on its own.
func (p *profile) Release() *dbus.Error {
	slog.Debug("[BLUEZ] profile released", "path", p.path)
	return nil
}

func (p *profile) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == 0 {
		return false
	}
	p.refs++
	return true
}

func (p *profile) release() {
	p.mu.Lock()
	p.refs--
	last := p.refs == 0
	p.mu.Unlock()
	if !last {
		return
	}

	mgr := p.c.conn.Object(busName, "/org/bluez")
	if err := mgr.Call(profileManager+".UnregisterProfile", 0, p.path).Err; err != nil {
		slog.Debug("[BLUEZ] unregister profile", "path", p.path, "error", err)
	}
	p.c.conn.Export(nil, p.path, profileIface)
}

// drain closes a delivered connection nobody will take.
func (p *profile) drain() {
	select {
	case conn := <-p.conns:
		conn.Close()
	default:
	}
}

// registerProfile exports a Profile1 object and registers it for service.
// role is "client" or "server".
func (c *Client) registerProfile(service uuid.UUID, role, name string, channel uint16) (*profile, error) {
	c.mu.Lock()
	c.seq++
	path := dbus.ObjectPath(fmt.Sprintf("/com/github/chaz8081/btchat/profile%d", c.seq))
	c.mu.Unlock()

	p := &profile{c: c, path: path, service: service, conns: make(chan *fdConn, 1), refs: 1}
	if err := c.conn.Export(p, path, profileIface); err != nil {
		return nil, fmt.Errorf("bluez: export profile: %w", err)
	}

	opts := map[string]dbus.Variant{
		"Role":                  dbus.MakeVariant(role),
		"RequireAuthentication": dbus.MakeVariant(false),
		"RequireAuthorization":  dbus.MakeVariant(false),
		"AutoConnect":           dbus.MakeVariant(false),
	}
	if name != "" {
		opts["Name"] = dbus.MakeVariant(name)
	}
	if channel != 0 {
		opts["Channel"] = dbus.MakeVariant(channel)
	}

	mgr := c.conn.Object(busName, "/org/bluez")
	if err := mgr.Call(profileManager+".RegisterProfile", 0, path, service.String(), opts).Err; err != nil {
		c.conn.Export(nil, path, profileIface)
		return nil, fmt.Errorf("bluez: register profile %s: %w", service, err)
	}
	slog.Debug("[BLUEZ] profile registered", "path", path, "service", service, "role", role)
	return p, nil
}

// Dial connects to service on address through a client-role profile.
func (c *Client) Dial(ctx context.Context, address string, service uuid.UUID) (bt.Conn, error) {
	p, err := c.registerProfile(service, "client", "", 0)
	if err != nil {
		return nil, err
	}
	// The delivered conn keeps the registration alive on its own.
	defer p.release()

	dev := c.conn.Object(busName, devicePath(c.adapter, address))
	if err := dev.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, service.String()).Err; err != nil {
		p.drain()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("bluez: connect %s to %s: %w", service, address, err)
	}

	select {
	case conn := <-p.conns:
		return conn, nil
	case <-ctx.Done():
		p.drain()
		return nil, ctx.Err()
	}
}

// Listen registers a server-role profile named name for service. The
// channel is picked by BlueZ unless the client was configured with one.
func (c *Client) Listen(ctx context.Context, name string, service uuid.UUID) (bt.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := c.registerProfile(service, "server", name, c.channel)
	if err != nil {
		return nil, err
	}
	return &listener{p: p, closed: make(chan struct{})}, nil
}

type listener struct {
	p      *profile
	once   sync.Once
	closed chan struct{}
}

func (l *listener) Accept(ctx context.Context) (bt.Conn, error) {
	select {
	case conn := <-l.p.conns:
		return conn, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.p.drain()
		l.p.release()
	})
	return nil
}
