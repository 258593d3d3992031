//go:build linux

package bluez

import (
	"os"
	"sync"
)

// fdConn is an RFCOMM socket handed over by BlueZ. The fd is non-blocking
// so os.File reads go through the runtime poller and Close unblocks them.
type fdConn struct {
	f       *os.File
	remote  string
	once    sync.Once
	onClose func()
}

func (c *fdConn) Read(p []byte) (int, error)  { return c.f.Read(p) }
func (c *fdConn) Write(p []byte) (int, error) { return c.f.Write(p) }

func (c *fdConn) RemoteAddress() string { return c.remote }

func (c *fdConn) Close() error {
	err := os.ErrClosed
	c.once.Do(func() {
		err = c.f.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}
