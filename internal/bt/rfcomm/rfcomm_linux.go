//go:build linux

package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/chaz8081/btchat/internal/bt"
)

func socket() (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return -1, fmt.Errorf("rfcomm: socket: %w", err)
	}
	return fd, nil
}

// Dial connects to address on t.Channel. service is only logged.
func (t *Transport) Dial(ctx context.Context, address string, service uuid.UUID) (bt.Conn, error) {
	addr, err := parseMAC(address)
	if err != nil {
		return nil, err
	}
	fd, err := socket()
	if err != nil {
		return nil, err
	}
	slog.Debug("[RFCOMM] dialing", "address", address, "channel", t.Channel, "service", service)

	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: t.Channel})
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm: connect %s channel %d: %w", address, t.Channel, err)
	}

	f := os.NewFile(uintptr(fd), "rfcomm:"+address)
	if err == nil {
		return &conn{File: f, remote: formatMAC(addr)}, nil
	}
	if err := waitConnected(ctx, f); err != nil {
		f.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("rfcomm: connect %s channel %d: %w", address, t.Channel, err)
	}
	return &conn{File: f, remote: formatMAC(addr)}, nil
}

// waitConnected waits for a non-blocking connect to finish.
func waitConnected(ctx context.Context, f *os.File) error {
	stop := context.AfterFunc(ctx, func() { f.SetWriteDeadline(time.Now()) })
	defer stop()

	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var connErr error
	polled := false
	err = rc.Write(func(fd uintptr) bool {
		// SO_ERROR is 0 while the connect is still pending.
		if !polled {
			polled = true
			return false
		}
		errno, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			connErr = err
			return true
		}
		if errno != 0 {
			connErr = unix.Errno(errno)
		}
		return true
	})
	if err != nil {
		return err
	}
	return connErr
}

// Listen binds t.Channel on every local adapter. name and service are only
// logged.
func (t *Transport) Listen(ctx context.Context, name string, service uuid.UUID) (bt.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fd, err := socket()
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: t.Channel}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm: bind channel %d: %w", t.Channel, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rfcomm: listen: %w", err)
	}
	slog.Info("[RFCOMM] listening", "name", name, "channel", t.Channel, "service", service)
	return &listener{f: os.NewFile(uintptr(fd), "rfcomm-listener")}, nil
}

type listener struct {
	f *os.File
}

func (l *listener) Accept(ctx context.Context) (bt.Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.f.SetReadDeadline(time.Now()) })
	defer stop()

	rc, err := l.f.SyscallConn()
	if err != nil {
		return nil, err
	}
	var (
		nfd       int
		sa        unix.Sockaddr
		acceptErr error
	)
	err = rc.Read(func(fd uintptr) bool {
		nfd, sa, acceptErr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return !errors.Is(acceptErr, unix.EAGAIN)
	})
	if err != nil {
		if ctx.Err() != nil {
			l.f.SetReadDeadline(time.Time{})
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("rfcomm: accept: %w", err)
	}
	if acceptErr != nil {
		return nil, fmt.Errorf("rfcomm: accept: %w", acceptErr)
	}

	var remote string
	if rsa, ok := sa.(*unix.SockaddrRFCOMM); ok {
		remote = formatMAC(rsa.Addr)
	}
	slog.Info("[RFCOMM] accepted", "remote", remote)
	return &conn{File: os.NewFile(uintptr(nfd), "rfcomm:"+remote), remote: remote}, nil
}

func (l *listener) Close() error {
	return l.f.Close()
}

// conn is a connected RFCOMM socket.
type conn struct {
	*os.File
	remote string
}

func (c *conn) RemoteAddress() string { return c.remote }
