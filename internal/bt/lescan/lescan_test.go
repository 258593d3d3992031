package lescan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/btchat/internal/bt"
)

// mockScanner blocks in Scan until StopScan.
type mockScanner struct {
	mu        sync.Mutex
	enableErr error
	enables   int
	scans     int
	stop      chan struct{}
	scanning  chan struct{}
}

func newMockScanner() *mockScanner {
	return &mockScanner{scanning: make(chan struct{}, 8)}
}

func (m *mockScanner) Enable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enables++
	return m.enableErr
}

func (m *mockScanner) Scan(func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
	m.mu.Lock()
	m.scans++
	stop := make(chan struct{})
	m.stop = stop
	m.mu.Unlock()
	m.scanning <- struct{}{}
	<-stop
	return nil
}

func (m *mockScanner) StopScan() error {
	<-m.scanning
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil {
		return errors.New("not scanning")
	}
	close(m.stop)
	m.stop = nil
	return nil
}

func (m *mockScanner) counts() (enables, scans int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enables, m.scans
}

func TestStartStop(t *testing.T) {
	m := newMockScanner()
	d := newDiscoverer(m, uuid.Nil)
	found := func(bt.Device) {}

	if err := d.StartDiscovery(context.Background(), found); err != nil {
		t.Fatalf("StartDiscovery() error = %v", err)
	}
	// A second start while scanning is a no-op.
	if err := d.StartDiscovery(context.Background(), found); err != nil {
		t.Fatalf("second StartDiscovery() error = %v", err)
	}
	if err := d.StopDiscovery(); err != nil {
		t.Fatalf("StopDiscovery() error = %v", err)
	}
	if enables, scans := m.counts(); enables != 1 || scans != 1 {
		t.Errorf("enables = %d, scans = %d; want 1, 1", enables, scans)
	}

	// Restarting reuses the enabled adapter.
	if err := d.StartDiscovery(context.Background(), found); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	if err := d.StopDiscovery(); err != nil {
		t.Fatalf("StopDiscovery() error = %v", err)
	}
	if enables, scans := m.counts(); enables != 1 || scans != 2 {
		t.Errorf("enables = %d, scans = %d; want 1, 2", enables, scans)
	}
}

func TestStopWithoutStart(t *testing.T) {
	d := newDiscoverer(newMockScanner(), uuid.Nil)
	if err := d.StopDiscovery(); err != nil {
		t.Errorf("StopDiscovery() error = %v", err)
	}
}

func TestEnableFailure(t *testing.T) {
	m := newMockScanner()
	m.enableErr = errors.New("bluetooth off")
	d := newDiscoverer(m, uuid.Nil)

	if err := d.StartDiscovery(context.Background(), func(bt.Device) {}); err == nil {
		t.Fatal("StartDiscovery() error = nil")
	}
	if _, scans := m.counts(); scans != 0 {
		t.Errorf("scans = %d after failed enable", scans)
	}
}

func TestContextStopsScan(t *testing.T) {
	m := newMockScanner()
	d := newDiscoverer(m, uuid.Nil)
	ctx, cancel := context.WithCancel(context.Background())

	if err := d.StartDiscovery(ctx, func(bt.Device) {}); err != nil {
		t.Fatalf("StartDiscovery() error = %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		running := d.done != nil
		d.mu.Unlock()
		if !running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scan still running after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServiceFilter(t *testing.T) {
	d := newDiscoverer(newMockScanner(), bt.SerialPortUUID)
	if !d.filtered {
		t.Fatal("filter not set")
	}
	if got, want := d.filter.String(), bt.SerialPortUUID.String(); got != want {
		t.Errorf("filter = %s, want %s", got, want)
	}
}
