// Package bt is the Bluetooth chat core: device registry, the per-connection
// RFCOMM session state machine and the controller that owns the single
// active session. Platform specifics live behind the Discoverer,
// BondRegistry and Transport interfaces; see the bluez, rfcomm, serialport
// and lescan subpackages for implementations.
package bt

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// Well-known service identifiers.
var (
	// ChatServiceUUID is shared by both ends of a phone-to-phone chat.
	ChatServiceUUID = uuid.MustParse("27b7d1da-08c7-4505-a6d1-2459987e5e2d")
	// SerialPortUUID is the Serial Port Profile used by ESP32 BluetoothSerial.
	SerialPortUUID = uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb")
)

// BondState mirrors the platform's pairing state for a device.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

func (b BondState) String() string {
	switch b {
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	default:
		return "none"
	}
}

// Device is an immutable snapshot of a discovered or paired device.
type Device struct {
	Name    string // empty when the device did not report one
	Address string // "AA:BB:CC:DD:EE:FF"
	Class   uint32
	Bond    BondState
}

// DisplayName returns the name, falling back to the address.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

// Message is one chat line, inbound or outbound.
type Message struct {
	Text   string
	Sender string
	Local  bool // originated on this host
}

// Discoverer scans for nearby devices. StartDiscovery returns once
// scanning has begun; found is then called from a background goroutine
// for every sighting until StopDiscovery or ctx is done.
type Discoverer interface {
	StartDiscovery(ctx context.Context, found func(Device)) error
	StopDiscovery() error
}

// BondRegistry enumerates devices already paired at the platform level.
type BondRegistry interface {
	BondedDevices(ctx context.Context) ([]Device, error)
}

// Conn is an established RFCOMM byte stream.
type Conn interface {
	io.ReadWriteCloser
	// RemoteAddress returns the peer's Bluetooth address, or "" if unknown.
	RemoteAddress() string
}

// Listener accepts inbound connections for one service.
type Listener interface {
	// Accept blocks until a peer connects or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Transport opens RFCOMM streams. Both methods must return promptly once
// ctx is done and release anything they opened.
type Transport interface {
	Dial(ctx context.Context, address string, service uuid.UUID) (Conn, error)
	Listen(ctx context.Context, name string, service uuid.UUID) (Listener, error)
}
