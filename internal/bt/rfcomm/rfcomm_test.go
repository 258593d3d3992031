package rfcomm

import (
	"context"
	"testing"

	"github.com/chaz8081/btchat/internal/bt"
)

func TestParseMAC(t *testing.T) {
	got, err := parseMAC("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("parseMAC() error = %v", err)
	}
	want := [6]uint8{0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa}
	if got != want {
		t.Errorf("parseMAC() = %x, want %x", got, want)
	}
	if s := formatMAC(got); s != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("formatMAC() = %q", s)
	}
}

func TestParseMACInvalid(t *testing.T) {
	for _, s := range []string{"", "not-a-mac", "00:00:5e:00:53:01:02:03"} {
		if _, err := parseMAC(s); err == nil {
			t.Errorf("parseMAC(%q) error = nil", s)
		}
	}
}

func TestNewDefaultsChannel(t *testing.T) {
	if tr := New(0); tr.Channel != DefaultChannel {
		t.Errorf("New(0).Channel = %d, want %d", tr.Channel, DefaultChannel)
	}
	if tr := New(3); tr.Channel != 3 {
		t.Errorf("New(3).Channel = %d", tr.Channel)
	}
}

func TestDialRejectsBadAddress(t *testing.T) {
	if _, err := New(1).Dial(context.Background(), "bogus", bt.SerialPortUUID); err == nil {
		t.Error("Dial() with a bad address returned nil error")
	}
}
