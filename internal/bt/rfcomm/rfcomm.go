// Package rfcomm is a bt.Transport over raw Linux RFCOMM sockets. It does
// no SDP lookup: both Dial and Listen use a fixed channel, which suits
// ESP32 BluetoothSerial peers (channel 1) and hosts without BlueZ's
// profile manager.
package rfcomm

import (
	"errors"
	"fmt"
	"net"

	"github.com/chaz8081/btchat/internal/bt"
)

// DefaultChannel is the channel SPP servers use unless told otherwise.
const DefaultChannel = 1

// ErrUnsupported is returned on platforms without RFCOMM sockets.
var ErrUnsupported = errors.New("rfcomm: not supported on this platform")

// Transport dials and listens on one RFCOMM channel.
type Transport struct {
	Channel uint8
}

var _ bt.Transport = (*Transport)(nil)

// New returns a Transport for channel, or DefaultChannel if channel is 0.
func New(channel uint8) *Transport {
	if channel == 0 {
		channel = DefaultChannel
	}
	return &Transport{Channel: channel}
}

// parseMAC converts "AA:BB:CC:DD:EE:FF" to the little-endian bdaddr the
// kernel expects.
func parseMAC(s string) ([6]uint8, error) {
	var b [6]uint8
	hw, err := net.ParseMAC(s)
	if err != nil {
		return b, fmt.Errorf("rfcomm: %w", err)
	}
	if len(hw) != 6 {
		return b, fmt.Errorf("rfcomm: %q is not a Bluetooth address", s)
	}
	for i := range b {
		b[i] = hw[5-i]
	}
	return b, nil
}

// formatMAC is the inverse of parseMAC.
func formatMAC(b [6]uint8) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}
