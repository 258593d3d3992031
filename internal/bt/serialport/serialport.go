// Package serialport is a bt.Transport over a tty already bound to a peer,
// such as /dev/rfcomm0 created with `rfcomm bind`. It can only dial.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tarm/serial"

	"github.com/chaz8081/btchat/internal/bt"
)

// DefaultBaud is used when no baud rate is configured. RFCOMM ttys ignore
// it but the termios call still needs one.
const DefaultBaud = 115200

// pollInterval bounds how long a Read blocks before checking for Close.
const pollInterval = 200 * time.Millisecond

// ErrListenUnsupported is returned by Listen.
var ErrListenUnsupported = errors.New("serialport: cannot accept connections")

// port is the part of *serial.Port used here.
type port interface {
	io.ReadWriteCloser
}

// Transport opens one serial device.
type Transport struct {
	Name string // device path, e.g. /dev/rfcomm0
	Baud int

	open func(*serial.Config) (port, error)
}

var _ bt.Transport = (*Transport)(nil)

// New returns a Transport for the device at name.
func New(name string, baud int) *Transport {
	if baud == 0 {
		baud = DefaultBaud
	}
	return &Transport{
		Name: name,
		Baud: baud,
		open: func(c *serial.Config) (port, error) { return serial.OpenPort(c) },
	}
}

// Dial opens the device. The tty is already bound to its peer, so address
// only names the connection and service is ignored.
func (t *Transport) Dial(ctx context.Context, address string, service uuid.UUID) (bt.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := t.open(&serial.Config{Name: t.Name, Baud: t.Baud, ReadTimeout: pollInterval})
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", t.Name, err)
	}
	slog.Info("[SERIAL] opened", "port", t.Name, "baud", t.Baud, "peer", address)
	if address == "" {
		address = t.Name
	}
	return &conn{p: p, remote: address}, nil
}

func (t *Transport) Listen(ctx context.Context, name string, service uuid.UUID) (bt.Listener, error) {
	return nil, ErrListenUnsupported
}

// conn hides the read timeout: an idle port reports (0, io.EOF) every
// pollInterval, which is not the end of the stream.
type conn struct {
	p      port
	remote string
	closed atomic.Bool
}

func (c *conn) Read(b []byte) (int, error) {
	for {
		n, err := c.p.Read(b)
		if c.closed.Load() {
			return 0, io.ErrClosedPipe
		}
		if n == 0 && (err == nil || errors.Is(err, io.EOF)) {
			continue
		}
		return n, err
	}
}

func (c *conn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return c.p.Write(b)
}

func (c *conn) RemoteAddress() string { return c.remote }

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.p.Close()
}
