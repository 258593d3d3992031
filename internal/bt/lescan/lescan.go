// Package lescan is a bt.Discoverer built on tinygo-org/bluetooth's LE
// scanner. It finds ESP32 boards by their advertisements on hosts where
// classic inquiry is unavailable, such as macOS. On macOS the reported
// address is a CoreBluetooth UUID rather than a MAC.
package lescan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/btchat/internal/bt"
)

// scanner is the part of *bluetooth.Adapter used here.
type scanner interface {
	Enable() error
	Scan(func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// Discoverer scans for LE advertisements.
type Discoverer struct {
	adapter  scanner
	filter   bluetooth.UUID
	filtered bool

	mu       sync.Mutex
	enabled  bool
	stopping bool
	done     chan struct{} // closed when the running Scan returns
}

var _ bt.Discoverer = (*Discoverer)(nil)

// New returns a Discoverer on the default adapter. If service is not
// uuid.Nil only advertisers of that service are reported.
func New(service uuid.UUID) *Discoverer {
	return newDiscoverer(bluetooth.DefaultAdapter, service)
}

func newDiscoverer(a scanner, service uuid.UUID) *Discoverer {
	d := &Discoverer{adapter: a}
	if service != uuid.Nil {
		d.filter = bluetooth.NewUUID(service)
		d.filtered = true
	}
	return d
}

// StartDiscovery enables the adapter on first use and starts a scan in the
// background. Starting while a scan runs is a no-op.
func (d *Discoverer) StartDiscovery(ctx context.Context, found func(bt.Device)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return nil
	}
	if !d.enabled {
		if err := d.adapter.Enable(); err != nil {
			return fmt.Errorf("lescan: enable adapter: %w", err)
		}
		d.enabled = true
	}

	done := make(chan struct{})
	d.done = done
	go func() {
		defer close(done)
		err := d.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if d.filtered && !result.HasServiceUUID(d.filter) {
				return
			}
			found(bt.Device{Name: result.LocalName(), Address: result.Address.String()})
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("[LESCAN] scan ended", "error", err)
		}
		d.mu.Lock()
		if d.done == done {
			d.done = nil
			d.stopping = false
		}
		d.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { d.StopDiscovery() })
	go func() {
		<-done
		stop()
	}()
	slog.Debug("[LESCAN] scan started")
	return nil
}

// StopDiscovery stops the running scan and waits for it to return. It is
// called both directly and when the discovery context ends.
func (d *Discoverer) StopDiscovery() error {
	d.mu.Lock()
	done := d.done
	already := d.stopping
	d.stopping = done != nil
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	if already {
		<-done
		return nil
	}
	if err := d.adapter.StopScan(); err != nil {
		d.mu.Lock()
		d.stopping = false
		d.mu.Unlock()
		return fmt.Errorf("lescan: stop scan: %w", err)
	}
	<-done
	slog.Debug("[LESCAN] scan stopped")
	return nil
}
