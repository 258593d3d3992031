package bt

import (
	"errors"
	"fmt"
)

// ErrorKind classifies core failures.
type ErrorKind int

const (
	DiscoveryError ErrorKind = iota + 1
	HandshakeError
	StreamError
	MalformedFrame
)

func (k ErrorKind) String() string {
	switch k {
	case DiscoveryError:
		return "discovery"
	case HandshakeError:
		return "handshake"
	case StreamError:
		return "stream"
	case MalformedFrame:
		return "malformed frame"
	default:
		return "unknown"
	}
}

var (
	// ErrConnectionLost reports a peer-initiated end of stream.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNotConnected is returned when sending without a streaming session.
	ErrNotConnected = errors.New("bt: not connected")
	// ErrSessionUsed is returned when a session is asked to connect twice.
	ErrSessionUsed = errors.New("bt: session already started")
	// ErrReleased is returned by a controller after Release.
	ErrReleased = errors.New("bt: controller released")
)

// Error is the typed failure surfaced by the core.
type Error struct {
	Kind ErrorKind
	Addr string // peer address or service name, if known
	Err  error
}

func (e *Error) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("bt: %s error (%s): %v", e.Kind, e.Addr, e.Err)
	}
	return fmt.Sprintf("bt: %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
