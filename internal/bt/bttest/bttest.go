// Package bttest provides in-memory Bluetooth collaborators for tests: a
// Network of hosts whose Transports connect over net.Pipe, a scriptable
// Discoverer and a static BondRegistry.
package bttest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/chaz8081/btchat/internal/bt"
)

// ErrRefused is returned when nothing listens on the dialled address and
// service.
var ErrRefused = errors.New("bttest: connection refused")

type endpoint struct {
	addr    string
	service uuid.UUID
}

// Network links in-memory hosts by address.
type Network struct {
	mu        sync.Mutex
	listeners map[endpoint]*Listener
	hang      map[string]bool
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		listeners: make(map[endpoint]*Listener),
		hang:      make(map[string]bool),
	}
}

// Hang makes dials to addr block until their context is done, like a peer
// that never answers the page.
func (n *Network) Hang(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hang[addr] = true
}

// Host returns a Transport bound to addr.
func (n *Network) Host(addr string) *Transport {
	return &Transport{net: n, addr: addr}
}

// Transport is one host's view of a Network.
type Transport struct {
	net  *Network
	addr string

	mu sync.Mutex
	// OnDial, if set, runs at the start of every Dial.
	OnDial func(address string, service uuid.UUID)
	dials  int
}

var _ bt.Transport = (*Transport)(nil)

// Dials returns how many times Dial was called.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *Transport) Dial(ctx context.Context, address string, service uuid.UUID) (bt.Conn, error) {
	t.mu.Lock()
	t.dials++
	hook := t.OnDial
	t.mu.Unlock()
	if hook != nil {
		hook(address, service)
	}

	t.net.mu.Lock()
	hang := t.net.hang[address]
	ln := t.net.listeners[endpoint{address, service}]
	t.net.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if ln == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrRefused, address, service)
	}

	local, remote := net.Pipe()
	select {
	case ln.conns <- &Conn{Conn: remote, remote: t.addr}:
		return &Conn{Conn: local, remote: address}, nil
	case <-ln.done:
	case <-ctx.Done():
	}
	local.Close()
	remote.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s %s", ErrRefused, address, service)
}

func (t *Transport) Listen(ctx context.Context, name string, service uuid.UUID) (bt.Listener, error) {
	key := endpoint{t.addr, service}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, ok := t.net.listeners[key]; ok {
		return nil, fmt.Errorf("bttest: %s already listening on %s", t.addr, service)
	}
	ln := &Listener{
		net:   t.net,
		key:   key,
		Name:  name,
		conns: make(chan *Conn),
		done:  make(chan struct{}),
	}
	t.net.listeners[key] = ln
	return ln, nil
}

// Listening reports whether anything listens on addr for service.
func (n *Network) Listening(addr string, service uuid.UUID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listeners[endpoint{addr, service}] != nil
}

// Listener accepts pipe connections.
type Listener struct {
	net  *Network
	key  endpoint
	Name string

	conns     chan *Conn
	done      chan struct{}
	closeOnce sync.Once
}

var _ bt.Listener = (*Listener)(nil)

func (l *Listener) Accept(ctx context.Context) (bt.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		if l.net.listeners[l.key] == l {
			delete(l.net.listeners, l.key)
		}
		l.net.mu.Unlock()
	})
	return nil
}

// Conn is one end of a pipe.
type Conn struct {
	net.Conn
	remote string
}

var _ bt.Conn = (*Conn)(nil)

func (c *Conn) RemoteAddress() string { return c.remote }

// Discoverer is a scriptable bt.Discoverer. Tests push sightings with Emit.
type Discoverer struct {
	// StartErr, if set, is returned by StartDiscovery.
	StartErr error

	mu     sync.Mutex
	found  func(bt.Device)
	last   func(bt.Device)
	starts int
	stops  int
}

var _ bt.Discoverer = (*Discoverer)(nil)

func (d *Discoverer) StartDiscovery(ctx context.Context, found func(bt.Device)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if d.StartErr != nil {
		return d.StartErr
	}
	d.found = found
	d.last = found
	return nil
}

func (d *Discoverer) StopDiscovery() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.found = nil
	return nil
}

// Emit reports a sighting to the last registered callback, even after
// StopDiscovery, so tests can model late platform broadcasts. It reports
// whether a callback was ever registered.
func (d *Discoverer) Emit(dev bt.Device) bool {
	d.mu.Lock()
	found := d.last
	d.mu.Unlock()
	if found == nil {
		return false
	}
	found(dev)
	return true
}

// Active reports whether discovery is running.
func (d *Discoverer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.found != nil
}

// Starts and Stops count backend calls.
func (d *Discoverer) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

func (d *Discoverer) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// Bonds is a static bt.BondRegistry.
type Bonds struct {
	mu      sync.Mutex
	devices []bt.Device
	Err     error
}

var _ bt.BondRegistry = (*Bonds)(nil)

// NewBonds creates a registry holding devices.
func NewBonds(devices ...bt.Device) *Bonds {
	return &Bonds{devices: devices}
}

// Set replaces the bonded devices.
func (b *Bonds) Set(devices ...bt.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = devices
}

func (b *Bonds) BondedDevices(ctx context.Context) ([]bt.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	out := make([]bt.Device, len(b.devices))
	copy(out, b.devices)
	return out, nil
}
