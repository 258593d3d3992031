package bt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/btchat/internal/stream"
)

// Registry tracks scanned and paired devices and publishes both lists as
// replay-latest streams.
type Registry struct {
	disc  Discoverer
	bonds BondRegistry

	mu       sync.Mutex
	scanning bool
	gen      uint64
	cancel   context.CancelFunc
	index    map[string]int // address -> position in scanned list

	scanned *stream.Value[[]Device]
	paired  *stream.Value[[]Device]

	// onError receives discovery failures. Set by the controller.
	onError func(error)
}

// NewRegistry creates a Registry. bonds may be nil if the platform has no
// paired-device registry.
func NewRegistry(disc Discoverer, bonds BondRegistry) *Registry {
	return &Registry{
		disc:    disc,
		bonds:   bonds,
		index:   make(map[string]int),
		scanned: stream.NewValue[[]Device](nil),
		paired:  stream.NewValue[[]Device](nil),
	}
}

// ScannedDevices returns the live list of distinct devices sighted since
// creation or the last ResetScanned, in first-seen order.
func (r *Registry) ScannedDevices() stream.Observable[[]Device] { return r.scanned }

// PairedDevices returns the live snapshot of bonded devices.
func (r *Registry) PairedDevices() stream.Observable[[]Device] { return r.paired }

// Scanning reports whether discovery is active.
func (r *Registry) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// StartDiscovery begins scanning. It is a no-op if already scanning.
func (r *Registry) StartDiscovery() error {
	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		return nil
	}
	if r.disc == nil {
		err := &Error{Kind: DiscoveryError, Err: fmt.Errorf("no discovery backend")}
		r.reportLocked(err)
		r.mu.Unlock()
		return err
	}
	r.gen++
	gen := r.gen
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.scanning = true
	r.mu.Unlock()

	// The backend may report sightings before it returns, so r.mu is not
	// held here.
	err := r.disc.StartDiscovery(ctx, func(d Device) { r.sighted(gen, d) })
	if err == nil {
		slog.Debug("[BT] discovery started")
		return nil
	}

	cancel()
	e := &Error{Kind: DiscoveryError, Err: err}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen == gen {
		r.scanning = false
		r.cancel = nil
		r.gen++
	}
	r.reportLocked(e)
	return e
}

// StopDiscovery cancels scanning. It is a no-op if not scanning.
func (r *Registry) StopDiscovery() {
	r.mu.Lock()
	if !r.scanning {
		r.mu.Unlock()
		return
	}
	r.scanning = false
	r.gen++
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	if err := r.disc.StopDiscovery(); err != nil {
		slog.Warn("[BT] stop discovery failed", "error", err)
	}
	slog.Debug("[BT] discovery stopped")
}

// ResetScanned clears the scanned list.
func (r *Registry) ResetScanned() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = make(map[string]int)
	r.scanned.Set(nil)
}

// RefreshPaired re-reads the platform's bonded devices.
func (r *Registry) RefreshPaired(ctx context.Context) error {
	if r.bonds == nil {
		return nil
	}
	devices, err := r.bonds.BondedDevices(ctx)
	if err != nil {
		e := &Error{Kind: DiscoveryError, Err: fmt.Errorf("list bonded devices: %w", err)}
		r.mu.Lock()
		r.reportLocked(e)
		r.mu.Unlock()
		return e
	}
	cp := make([]Device, len(devices))
	copy(cp, devices)
	r.paired.Set(cp)
	return nil
}

// sighted records one discovery event. A later sighting of a known address
// replaces the earlier entry in place; each publish is a fresh slice.
func (r *Registry) sighted(gen uint64, d Device) {
	if d.Address == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scanning || gen != r.gen {
		return
	}
	cur := r.scanned.Get()
	next := make([]Device, len(cur), len(cur)+1)
	copy(next, cur)
	if i, ok := r.index[d.Address]; ok {
		next[i] = d
	} else {
		r.index[d.Address] = len(next)
		next = append(next, d)
	}
	r.scanned.Set(next)
}

func (r *Registry) reportLocked(err error) {
	slog.Warn("[BT] discovery error", "error", err)
	if r.onError != nil {
		r.onError(err)
	}
}

// close stops discovery and closes both streams.
func (r *Registry) close() {
	r.StopDiscovery()
	r.scanned.Close()
	r.paired.Close()
}
