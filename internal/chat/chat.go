// Package chat keeps the user-facing chat state: the device lists, the
// connection flags, the last error and the message log. It folds the
// controller's streams and connection results into a single State and
// republishes it as a replay-latest stream.
package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/chaz8081/btchat/internal/bt"
	"github.com/chaz8081/btchat/internal/stream"
)

// Controller is the part of *bt.Controller the chat state drives.
type Controller interface {
	ScannedDevices() stream.Observable[[]bt.Device]
	PairedDevices() stream.Observable[[]bt.Device]
	ConnectionState() stream.Observable[bt.SessionState]
	Errors() stream.Observable[error]

	ConnectToDevice(d bt.Device) (<-chan bt.Result, error)
	ConnectToServer(d bt.Device) (<-chan bt.Result, error)
	StartServer() (<-chan bt.Result, error)
	TrySendMessage(text string) (bt.Message, bool)
	CloseConnection()

	StartDiscovery() error
	StopDiscovery()
	RefreshPaired(ctx context.Context) error
	Release()
}

var _ Controller = (*bt.Controller)(nil)

// State is one immutable snapshot of the chat.
type State struct {
	Scanned    []bt.Device
	Paired     []bt.Device
	Connected  bool
	Connecting bool
	Err        string
	Messages   []bt.Message // empty whenever Connected is false
}

// Chat owns the chat state and turns user intents into controller calls.
type Chat struct {
	ctrl   Controller
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	base    State
	job     context.CancelFunc // current connection listener
	jobSeq  uint64
	closed  bool
	current *stream.Value[State]
}

// New creates a Chat and starts following ctrl's streams.
func New(ctrl Controller) *Chat {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Chat{
		ctrl:    ctrl,
		ctx:     ctx,
		cancel:  cancel,
		current: stream.NewValue(State{}),
	}

	follow(c, ctrl.ScannedDevices(), func(s *State, ds []bt.Device) { s.Scanned = ds })
	follow(c, ctrl.PairedDevices(), func(s *State, ds []bt.Device) { s.Paired = ds })
	follow(c, ctrl.ConnectionState(), func(s *State, st bt.SessionState) {
		s.Connected = st == bt.SessionStreaming
	})
	follow(c, ctrl.Errors(), func(s *State, err error) {
		if err != nil {
			s.Err = err.Error()
		}
	})
	return c
}

// follow applies every value of o to the base state until the chat closes.
func follow[T any](c *Chat, o stream.Observable[T], apply func(*State, T)) {
	ch := o.Subscribe(c.ctx)
	go func() {
		for v := range ch {
			c.update(func(s *State) { apply(s, v) })
		}
	}()
}

// State returns the live chat state.
func (c *Chat) State() stream.Observable[State] { return c.current }

// Snapshot returns the current state.
func (c *Chat) Snapshot() State { return c.current.Get() }

// update mutates the base state and publishes a fresh snapshot.
func (c *Chat) update(fn func(*State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	fn(&c.base)
	c.publishLocked()
}

func (c *Chat) publishLocked() {
	s := c.base
	if s.Connected {
		s.Messages = append([]bt.Message(nil), c.base.Messages...)
	} else {
		s.Messages = nil
	}
	c.current.Set(s)
}

// Connect dials d as a chat peer.
func (c *Chat) Connect(d bt.Device) error {
	return c.start(func() (<-chan bt.Result, error) { return c.ctrl.ConnectToDevice(d) })
}

// ConnectESP dials d as an ESP32 serial-profile server.
func (c *Chat) ConnectESP(d bt.Device) error {
	return c.start(func() (<-chan bt.Result, error) { return c.ctrl.ConnectToServer(d) })
}

// WaitForIncoming listens for one inbound peer.
func (c *Chat) WaitForIncoming() error {
	return c.start(c.ctrl.StartServer)
}

// start replaces the current connection listener with one for the results
// of connect.
func (c *Chat) start(connect func() (<-chan bt.Result, error)) error {
	c.stopJob()
	c.update(func(s *State) {
		s.Connecting = true
		s.Messages = nil
	})

	events, err := connect()
	if err != nil {
		c.update(func(s *State) {
			s.Connecting = false
			s.Err = err.Error()
		})
		return err
	}

	c.mu.Lock()
	ctx, cancel := context.WithCancel(c.ctx)
	c.jobSeq++
	seq := c.jobSeq
	c.job = cancel
	c.mu.Unlock()

	go c.listen(ctx, seq, events)
	return nil
}

func (c *Chat) listen(ctx context.Context, seq uint64, events <-chan bt.Result) {
	for {
		select {
		case r, ok := <-events:
			if !ok {
				return
			}
			c.apply(seq, r)
		case <-ctx.Done():
			return
		}
	}
}

// apply folds one connection result into the state, unless a newer
// connection has replaced the one that produced it.
func (c *Chat) apply(seq uint64, r bt.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || seq != c.jobSeq {
		return
	}
	switch r.Kind {
	case bt.ConnectionEstablished:
		c.base.Connected = true
		c.base.Connecting = false
		c.base.Err = ""
	case bt.TransferSucceeded:
		c.base.Messages = append(c.base.Messages, r.Message)
	case bt.ConnectionError:
		c.base.Connected = false
		c.base.Connecting = false
		if r.Err != nil {
			c.base.Err = r.Err.Error()
		}
	}
	c.publishLocked()
}

func (c *Chat) stopJob() {
	c.mu.Lock()
	job := c.job
	c.job = nil
	c.jobSeq++
	c.mu.Unlock()
	if job != nil {
		job()
	}
}

// Disconnect drops the current connection or listener.
func (c *Chat) Disconnect() {
	c.stopJob()
	c.ctrl.CloseConnection()
	c.update(func(s *State) {
		s.Connecting = false
		s.Connected = false
	})
}

// Send transmits text and appends it to the log. It reports false when
// there is no connection.
func (c *Chat) Send(text string) (bt.Message, bool) {
	msg, ok := c.ctrl.TrySendMessage(text)
	if !ok {
		slog.Debug("[CHAT] send dropped, not connected")
		return bt.Message{}, false
	}
	c.update(func(s *State) { s.Messages = append(s.Messages, msg) })
	return msg, true
}

// StartScan starts discovery.
func (c *Chat) StartScan() error { return c.ctrl.StartDiscovery() }

// StopScan stops discovery.
func (c *Chat) StopScan() { c.ctrl.StopDiscovery() }

// RefreshPaired re-reads the paired devices.
func (c *Chat) RefreshPaired(ctx context.Context) error { return c.ctrl.RefreshPaired(ctx) }

// Lookup finds a known device by address, case-insensitively, checking
// paired devices first. Unknown addresses come back as a bare Device.
func (c *Chat) Lookup(address string) bt.Device {
	s := c.Snapshot()
	for _, list := range [][]bt.Device{s.Paired, s.Scanned} {
		for _, d := range list {
			if strings.EqualFold(d.Address, address) {
				return d
			}
		}
	}
	return bt.Device{Address: strings.ToUpper(address)}
}

// Close stops following the controller and releases it.
func (c *Chat) Close() {
	c.stopJob()
	c.cancel()
	c.ctrl.Release()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.current.Close()
}
