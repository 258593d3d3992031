package bt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/btchat/internal/bt/protocol"
)

// SessionState is the lifecycle of one connection attempt.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionConnecting
	SessionStreaming
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionConnecting:
		return "connecting"
	case SessionStreaming:
		return "streaming"
	case SessionClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Role selects which socket verb a session owns.
type Role int

const (
	RoleClient Role = iota // dials
	RoleServer             // accepts
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// ResultKind tags a Result.
type ResultKind int

const (
	ConnectionEstablished ResultKind = iota + 1
	TransferSucceeded
	ConnectionError
)

func (k ResultKind) String() string {
	switch k {
	case ConnectionEstablished:
		return "established"
	case TransferSucceeded:
		return "message"
	case ConnectionError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is one event of a connection attempt.
type Result struct {
	Kind    ResultKind
	Message Message // TransferSucceeded
	Err     error   // ConnectionError
}

// MalformedPolicy decides what a streaming session does with a line that
// does not decode.
type MalformedPolicy int

const (
	// DropMalformed discards the line and resynchronises on the next one.
	DropMalformed MalformedPolicy = iota
	// CloseOnMalformed ends the session with a MalformedFrame error.
	CloseOnMalformed
	// RawMalformed delivers the whole line as text from the peer.
	RawMalformed
)

// ParseMalformedPolicy maps "drop", "close" or "raw" to a policy.
func ParseMalformedPolicy(s string) (MalformedPolicy, error) {
	switch strings.ToLower(s) {
	case "drop", "":
		return DropMalformed, nil
	case "close":
		return CloseOnMalformed, nil
	case "raw":
		return RawMalformed, nil
	default:
		return DropMalformed, fmt.Errorf("bt: unknown malformed policy %q", s)
	}
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Service       uuid.UUID
	LocalName     string // sender label for outbound frames
	Malformed     MalformedPolicy
	MaxFrameBytes int
	EventBuffer   int
	// BeforeConnect runs before any socket is opened. The controller uses
	// it to stop discovery.
	BeforeConnect func()
}

const (
	defaultEventBuffer = 16
	terminalSendWait   = time.Second
	closeWait          = 5 * time.Second
)

// Session is the state machine for exactly one RFCOMM connection attempt:
// Idle -> Connecting -> Streaming -> Closed. Closed is terminal.
type Session struct {
	id   uuid.UUID
	tr   Transport
	opts SessionOptions

	mu      sync.Mutex
	state   SessionState
	role    Role
	peer    Device
	conn    Conn
	ln      Listener
	failErr error
	sent    []Message

	writeMu sync.Mutex

	ctx         context.Context
	cancel      context.CancelFunc
	events      chan Result
	finished    chan struct{}
	releaseOnce sync.Once
}

// NewSession creates an idle session over tr.
func NewSession(tr Transport, opts SessionOptions) *Session {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Service == uuid.Nil {
		opts.Service = ChatServiceUUID
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       uuid.New(),
		tr:       tr,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan Result, opts.EventBuffer),
		finished: make(chan struct{}),
	}
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns the role chosen by the connect call.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Peer returns the remote device. For a server session it is known only
// after accept, and carries just the address.
func (s *Session) Peer() Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Done is closed once the session is Closed and its worker has exited.
func (s *Session) Done() <-chan struct{} { return s.finished }

// Sent returns a copy of the messages written by this session.
func (s *Session) Sent() []Message {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	out := make([]Message, len(s.sent))
	copy(out, s.sent)
	return out
}

// ConnectAsClient dials target under the session's service UUID. The
// returned channel carries the session's events and is closed when the
// session reaches Closed.
func (s *Session) ConnectAsClient(target Device) (<-chan Result, error) {
	if err := s.begin(RoleClient, target); err != nil {
		return nil, err
	}
	go s.run(func(ctx context.Context) (Conn, error) {
		return s.tr.Dial(ctx, target.Address, s.opts.Service)
	})
	return s.events, nil
}

// ConnectAsServer listens under name and the session's service UUID and
// accepts exactly one peer.
func (s *Session) ConnectAsServer(name string) (<-chan Result, error) {
	if err := s.begin(RoleServer, Device{}); err != nil {
		return nil, err
	}
	go s.run(func(ctx context.Context) (Conn, error) {
		ln, err := s.tr.Listen(ctx, name, s.opts.Service)
		if err != nil {
			return nil, fmt.Errorf("listen %q: %w", name, err)
		}
		if !s.setListener(ln) {
			ln.Close()
			return nil, context.Canceled
		}
		conn, err := ln.Accept(ctx)
		// One peer per session: the listener goes away either way.
		s.setListener(nil)
		ln.Close()
		if err != nil {
			return nil, fmt.Errorf("accept: %w", err)
		}
		return conn, nil
	})
	return s.events, nil
}

func (s *Session) begin(role Role, peer Device) error {
	s.mu.Lock()
	if s.state != SessionIdle {
		s.mu.Unlock()
		return ErrSessionUsed
	}
	s.state = SessionConnecting
	s.role = role
	s.peer = peer
	s.mu.Unlock()

	slog.Info("[BT] session connecting", "session", s.id, "role", role, "addr", peer.Address)
	if s.opts.BeforeConnect != nil {
		s.opts.BeforeConnect()
	}
	return nil
}

// setListener records ln so Close can release it. It reports false if the
// session closed in the meantime.
func (s *Session) setListener(ln Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln != nil && s.state == SessionClosed {
		return false
	}
	s.ln = ln
	return true
}

// run is the session worker: handshake, then the read loop.
func (s *Session) run(open func(context.Context) (Conn, error)) {
	defer close(s.finished)
	defer close(s.events)

	conn, err := open(s.ctx)
	if err == nil {
		s.mu.Lock()
		if s.state == SessionClosed {
			// Closed while the handshake was finishing.
			s.mu.Unlock()
			conn.Close()
			err = context.Canceled
		} else {
			s.conn = conn
			s.state = SessionStreaming
			if s.role == RoleServer {
				s.peer = Device{Address: conn.RemoteAddress()}
			}
			s.mu.Unlock()
		}
	}
	if err != nil {
		if s.ctx.Err() != nil && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", context.Canceled, err)
		}
		s.fail(&Error{Kind: HandshakeError, Addr: s.Peer().Address, Err: err})
		return
	}

	slog.Info("[BT] session connected", "session", s.id, "addr", s.Peer().Address)
	if !s.emit(Result{Kind: ConnectionEstablished}) {
		return
	}
	s.readLoop(conn)
}

func (s *Session) readLoop(conn Conn) {
	r := protocol.NewReader(conn, s.opts.MaxFrameBytes)
	addr := s.Peer().Address
	for {
		f, line, err := r.Next()
		if err == nil {
			if !s.emit(Result{Kind: TransferSucceeded, Message: Message{Text: f.Text, Sender: f.Sender}}) {
				return
			}
			continue
		}

		if errors.Is(err, protocol.ErrMalformedFrame) {
			switch s.opts.Malformed {
			case CloseOnMalformed:
				s.fail(&Error{Kind: MalformedFrame, Addr: addr, Err: err})
				return
			case RawMalformed:
				if line != nil {
					msg := Message{Text: protocol.Text(line), Sender: s.Peer().DisplayName()}
					if !s.emit(Result{Kind: TransferSucceeded, Message: msg}) {
						return
					}
					continue
				}
			}
			slog.Warn("[BT] dropping malformed frame", "session", s.id, "error", err)
			continue
		}

		// A failed write recorded the real cause before closing the stream.
		if ferr := s.failure(); ferr != nil {
			s.fail(ferr)
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrConnectionLost
		}
		s.fail(&Error{Kind: StreamError, Addr: addr, Err: err})
		return
	}
}

// Send writes one frame. It fails with ErrNotConnected unless the session
// is streaming. A write error closes the session.
func (s *Session) Send(text string) (Message, error) {
	if strings.ContainsAny(text, "\r\n") {
		return Message{}, fmt.Errorf("bt: message text must not contain line breaks")
	}
	s.mu.Lock()
	if s.state != SessionStreaming {
		s.mu.Unlock()
		return Message{}, ErrNotConnected
	}
	conn := s.conn
	addr := s.peer.Address
	s.mu.Unlock()

	msg := Message{Text: text, Sender: s.opts.LocalName, Local: true}
	wire := protocol.Encode(protocol.Frame{Sender: msg.Sender, Text: msg.Text})

	s.writeMu.Lock()
	_, err := conn.Write(wire)
	if err == nil {
		s.sent = append(s.sent, msg)
	}
	s.writeMu.Unlock()

	if err != nil {
		e := &Error{Kind: StreamError, Addr: addr, Err: err}
		s.mu.Lock()
		if s.failErr == nil {
			s.failErr = e
		}
		s.mu.Unlock()
		// The worker reports failErr once the read side unblocks.
		conn.Close()
		return Message{}, e
	}
	return msg, nil
}

func (s *Session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

// emit delivers a non-terminal event, giving up if the session closes.
func (s *Session) emit(r Result) bool {
	select {
	case s.events <- r:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// fail closes the session and delivers the terminal error.
func (s *Session) fail(err error) {
	s.release()
	slog.Warn("[BT] session failed", "session", s.id, "error", err)
	r := Result{Kind: ConnectionError, Err: err}
	select {
	case s.events <- r:
	case <-time.After(terminalSendWait):
		slog.Warn("[BT] nobody reading session events, dropping error", "session", s.id)
	}
}

// release moves to Closed and frees the socket and listener, exactly once.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = SessionClosed
		conn, ln := s.conn, s.ln
		s.mu.Unlock()

		s.cancel()
		if ln != nil {
			ln.Close()
		}
		if conn != nil {
			conn.Close()
		}
		if prev == SessionIdle {
			// No worker was started to close these.
			close(s.events)
			close(s.finished)
		}
		slog.Debug("[BT] session closed", "session", s.id, "from", prev)
	})
}

// Close cancels any in-flight dial or accept, releases the stream and
// waits for the worker to exit. Safe to call more than once.
func (s *Session) Close() error {
	s.release()
	select {
	case <-s.finished:
	case <-time.After(closeWait):
		slog.Warn("[BT] session worker did not exit", "session", s.id)
	}
	return nil
}
