package bt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chaz8081/btchat/internal/bt/protocol"
	"github.com/chaz8081/btchat/internal/stream"
)

// ControllerOptions configures a Controller. Zero values select defaults.
type ControllerOptions struct {
	LocalName      string    // sender label on outbound frames
	ServiceUUID    uuid.UUID // host-to-host chat service
	ESPServiceUUID uuid.UUID // service dialled by ConnectToServer
	ServiceName    string    // SDP name used by StartServer
	Malformed      MalformedPolicy
	MaxFrameBytes  int
	EventBuffer    int
}

const (
	defaultLocalName   = "Phone"
	defaultServiceName = "btchat"
)

// Controller coordinates the device registry and the single active
// session, and republishes their state as replay-latest streams.
type Controller struct {
	reg  *Registry
	tr   Transport
	opts ControllerOptions

	// slotMu serialises replace-and-close transactions.
	slotMu sync.Mutex

	mu       sync.Mutex
	sess     *Session
	stop     context.CancelFunc // stops the current forwarder
	released bool

	state *stream.Value[SessionState]
	errs  *stream.Value[error]
}

// NewController creates a Controller over reg and tr.
func NewController(reg *Registry, tr Transport, opts ControllerOptions) (*Controller, error) {
	if reg == nil || tr == nil {
		return nil, fmt.Errorf("bt: registry and transport are required")
	}
	if opts.LocalName == "" {
		opts.LocalName = defaultLocalName
	}
	if err := protocol.ValidateSender(opts.LocalName); err != nil {
		return nil, fmt.Errorf("bt: local name: %w", err)
	}
	if opts.ServiceUUID == uuid.Nil {
		opts.ServiceUUID = ChatServiceUUID
	}
	if opts.ESPServiceUUID == uuid.Nil {
		opts.ESPServiceUUID = SerialPortUUID
	}
	if opts.ServiceName == "" {
		opts.ServiceName = defaultServiceName
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	c := &Controller{
		reg:   reg,
		tr:    tr,
		opts:  opts,
		state: stream.NewValue(SessionIdle),
		errs:  stream.NewValue[error](nil),
	}
	reg.onError = c.errs.Set
	return c, nil
}

// ScannedDevices is the registry's live scan list.
func (c *Controller) ScannedDevices() stream.Observable[[]Device] { return c.reg.ScannedDevices() }

// PairedDevices is the registry's bonded-device snapshot.
func (c *Controller) PairedDevices() stream.Observable[[]Device] { return c.reg.PairedDevices() }

// ConnectionState is the state of the current session, or SessionIdle
// before the first connect.
func (c *Controller) ConnectionState() stream.Observable[SessionState] { return c.state }

// Errors carries the latest failure from discovery or the session. It
// starts out nil.
func (c *Controller) Errors() stream.Observable[error] { return c.errs }

// StartDiscovery delegates to the registry.
func (c *Controller) StartDiscovery() error {
	if c.isReleased() {
		return ErrReleased
	}
	return c.reg.StartDiscovery()
}

// StopDiscovery delegates to the registry.
func (c *Controller) StopDiscovery() {
	c.reg.StopDiscovery()
}

// ResetScanned clears the scanned list.
func (c *Controller) ResetScanned() {
	c.reg.ResetScanned()
}

// RefreshPaired re-reads the bonded devices.
func (c *Controller) RefreshPaired(ctx context.Context) error {
	if c.isReleased() {
		return ErrReleased
	}
	return c.reg.RefreshPaired(ctx)
}

// ConnectToDevice dials d under the chat service UUID.
func (c *Controller) ConnectToDevice(d Device) (<-chan Result, error) {
	return c.connect(RoleClient, d, c.opts.ServiceUUID)
}

// ConnectToServer dials an ESP32-style server that exposes the serial port
// profile.
func (c *Controller) ConnectToServer(d Device) (<-chan Result, error) {
	return c.connect(RoleClient, d, c.opts.ESPServiceUUID)
}

// StartServer listens under the chat service UUID and accepts one peer.
func (c *Controller) StartServer() (<-chan Result, error) {
	return c.connect(RoleServer, Device{}, c.opts.ServiceUUID)
}

// connect replaces the current session with a new one and starts it. The
// previous session is Closed before the new one leaves Idle.
func (c *Controller) connect(role Role, d Device, service uuid.UUID) (<-chan Result, error) {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()

	if c.isReleased() {
		return nil, ErrReleased
	}
	c.closeCurrent()

	s := NewSession(c.tr, SessionOptions{
		Service:       service,
		LocalName:     c.opts.LocalName,
		Malformed:     c.opts.Malformed,
		MaxFrameBytes: c.opts.MaxFrameBytes,
		EventBuffer:   c.opts.EventBuffer,
		BeforeConnect: c.reg.StopDiscovery,
	})

	var (
		events <-chan Result
		err    error
	)
	if role == RoleServer {
		events, err = s.ConnectAsServer(c.opts.ServiceName)
	} else {
		events, err = s.ConnectAsClient(d)
	}
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Result, c.opts.EventBuffer)

	c.mu.Lock()
	c.sess = s
	c.stop = cancel
	c.mu.Unlock()
	c.state.Set(SessionConnecting)

	go c.forward(ctx, s, events, out)
	return out, nil
}

// forward republishes one session's events. Once ctx is cancelled it keeps
// draining so the session never blocks, but stops delivering to out.
func (c *Controller) forward(ctx context.Context, s *Session, in <-chan Result, out chan<- Result) {
	defer close(out)
	for r := range in {
		switch r.Kind {
		case ConnectionEstablished:
			c.publishState(s, SessionStreaming)
		case ConnectionError:
			c.publishError(s, r.Err)
		}
		if ctx.Err() != nil {
			continue
		}
		select {
		case out <- r:
		case <-ctx.Done():
		}
	}
	c.publishState(s, SessionClosed)
}

// publishState updates ConnectionState if s still occupies the slot.
func (c *Controller) publishState(s *Session, st SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s || c.released {
		return
	}
	c.state.Set(st)
}

// publishError reports err on Errors if s still occupies the slot. A
// superseded session's cancellation is not a connection failure.
func (c *Controller) publishError(s *Session, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s || c.released {
		return
	}
	c.errs.Set(err)
}

// closeCurrent empties the slot and closes its occupant. Callers hold
// slotMu.
func (c *Controller) closeCurrent() {
	c.mu.Lock()
	s, stop := c.sess, c.stop
	c.sess, c.stop = nil, nil
	c.mu.Unlock()

	if s == nil {
		return
	}
	stop()
	s.Close()
	if !c.isReleased() {
		c.state.Set(SessionClosed)
	}
	slog.Debug("[BT] session replaced", "session", s.ID())
}

// TrySendMessage sends text on the current session. It reports false when
// no session is streaming or the write fails.
func (c *Controller) TrySendMessage(text string) (Message, bool) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return Message{}, false
	}
	msg, err := s.Send(text)
	if err != nil {
		if !errors.Is(err, ErrNotConnected) {
			slog.Warn("[BT] send failed", "session", s.ID(), "error", err)
		}
		return Message{}, false
	}
	return msg, true
}

// CloseConnection closes the current session, if any. Idempotent.
func (c *Controller) CloseConnection() {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	c.closeCurrent()
}

// Release closes the session, stops discovery and closes every stream.
// Later calls are no-ops.
func (c *Controller) Release() {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.closeCurrent()

	c.mu.Lock()
	c.released = true
	c.mu.Unlock()

	c.reg.close()
	c.state.Close()
	c.errs.Close()
	slog.Info("[BT] controller released")
}

func (c *Controller) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}
