package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/btchat/internal/bt"
	"github.com/chaz8081/btchat/internal/bt/bttest"
	"github.com/chaz8081/btchat/internal/chat"
)

const (
	hostAddr = "11:22:33:44:55:66"
	espAddr  = "AA:BB:CC:DD:EE:FF"
)

type testEnv struct {
	net    *bttest.Network
	disc   *bttest.Discoverer
	bonds  *bttest.Bonds
	chat   *chat.Chat
	server *httptest.Server
	client *Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		net:   bttest.NewNetwork(),
		disc:  &bttest.Discoverer{},
		bonds: bttest.NewBonds(bt.Device{Name: "ESP32-CHAT", Address: espAddr, Bond: bt.BondBonded}),
	}
	ctrl, err := bt.NewController(bt.NewRegistry(env.disc, env.bonds), env.net.Host(hostAddr), bt.ControllerOptions{LocalName: "Phone"})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	env.chat = chat.New(ctrl)
	env.server = httptest.NewServer(NewHandler(env.chat).Router())
	env.client = NewHTTPClient(env.server.URL, env.server.Client())
	t.Cleanup(func() {
		env.server.Close()
		env.chat.Close()
	})
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	if err := env.client.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

func TestInitialState(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/state")
	if err != nil {
		t.Fatalf("GET /state error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	// Empty lists encode as [], not null.
	if !strings.Contains(string(body), `"messages":[]`) {
		t.Errorf("body = %s, want empty messages array", body)
	}
}

func TestConnectValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad json", "{"},
		{"missing address", `{"esp":true}`},
		{"bad address", `{"address":"not-a-mac"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.server.URL+"/connect", "application/json", bytes.NewBufferString(tt.body))
			if err != nil {
				t.Fatalf("POST /connect error = %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.client.Send(context.Background(), "ping")
	if statusCode(err) != http.StatusConflict {
		t.Errorf("Send() error = %v, want 409", err)
	}
}

func TestSendRejectsMultiline(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.client.Send(context.Background(), "one\ntwo")
	if statusCode(err) != http.StatusBadRequest {
		t.Errorf("Send() error = %v, want 400", err)
	}
}

func TestChatWithESP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ln, err := env.net.Host(espAddr).Listen(ctx, "ESP32", bt.SerialPortUUID)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	accepted := make(chan bt.Conn, 1)
	go func() {
		if c, err := ln.Accept(ctx); err == nil {
			accepted <- c
		}
	}()

	if err := env.client.Connect(ctx, strings.ToLower(espAddr), true); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	esp := <-accepted
	defer esp.Close()

	waitFor(t, "connected", func() bool {
		s, err := env.client.State(ctx)
		return err == nil && s.Connected
	})

	go esp.Write([]byte("ESP32#hello\r\n"))
	waitFor(t, "inbound message", func() bool {
		m, err := env.client.Messages(ctx)
		return err == nil && len(m.Messages) == 1
	})

	wire := make(chan string, 1)
	go func() {
		buf := make([]byte, len("Phone#ping\n"))
		io.ReadFull(esp, buf)
		wire <- string(buf)
	}()
	msg, err := env.client.Send(ctx, "ping")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !msg.Local || msg.Sender != "Phone" {
		t.Errorf("Send() = %+v", msg)
	}
	if got := <-wire; got != "Phone#ping\n" {
		t.Errorf("wire = %q", got)
	}

	m, err := env.client.Messages(ctx)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(m.Messages) != 2 || m.Messages[0].Sender != "ESP32" || m.Messages[1].Text != "ping" {
		t.Errorf("Messages() = %+v", m.Messages)
	}

	if err := env.client.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	s, err := env.client.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if s.Connected || len(s.Messages) != 0 {
		t.Errorf("state after disconnect = %+v", s)
	}
}

func TestListenAcceptsPeer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.client.Listen(ctx); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	waitFor(t, "listener", func() bool { return env.net.Listening(hostAddr, bt.ChatServiceUUID) })

	peer, err := env.net.Host(espAddr).Dial(ctx, hostAddr, bt.ChatServiceUUID)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer peer.Close()

	waitFor(t, "connected", func() bool {
		s, err := env.client.State(ctx)
		return err == nil && s.Connected && !s.Connecting
	})
}

func TestScanAndDevices(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.client.StartScan(ctx); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	env.disc.Emit(bt.Device{Name: "ESP32-CHAT", Address: espAddr})
	waitFor(t, "scanned device", func() bool {
		d, err := env.client.Devices(ctx)
		return err == nil && len(d.Scanned) == 1
	})
	if err := env.client.StopScan(ctx); err != nil {
		t.Fatalf("StopScan() error = %v", err)
	}
	if env.disc.Active() {
		t.Error("discovery still active after /scan/stop")
	}

	if _, err := env.client.RefreshPaired(ctx); err != nil {
		t.Fatalf("RefreshPaired() error = %v", err)
	}
	waitFor(t, "paired device", func() bool {
		d, err := env.client.Devices(ctx)
		return err == nil && len(d.Paired) == 1 && d.Paired[0].Bond == "bonded"
	})
}

func TestDevicesReportBondState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.bonds.Set(
		bt.Device{Name: "ESP32-CHAT", Address: espAddr, Bond: bt.BondBonded},
		bt.Device{Name: "Pairing", Address: "66:55:44:33:22:11", Bond: bt.BondBonding},
	)

	if _, err := env.client.RefreshPaired(ctx); err != nil {
		t.Fatalf("RefreshPaired() error = %v", err)
	}
	var paired []Device
	waitFor(t, "paired devices", func() bool {
		d, err := env.client.Devices(ctx)
		if err != nil || len(d.Paired) != 2 {
			return false
		}
		paired = d.Paired
		return true
	})

	want := map[string]string{espAddr: "bonded", "66:55:44:33:22:11": "bonding"}
	for _, d := range paired {
		if d.Bond != want[d.Address] {
			t.Errorf("device %s bond = %q, want %q", d.Address, d.Bond, want[d.Address])
		}
	}
}

func TestScanStartFailure(t *testing.T) {
	env := newTestEnv(t)
	env.disc.StartErr = errors.New("adapter off")

	err := env.client.StartScan(context.Background())
	if statusCode(err) != http.StatusServiceUnavailable {
		t.Errorf("StartScan() error = %v, want 503", err)
	}
}

func TestListenUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btchat.sock")
	if err := os.WriteFile(path, []byte("stale"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	ln, err := ListenUnix(path)
	if err != nil {
		t.Fatalf("ListenUnix() error = %v", err)
	}
	defer ln.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket mode = %o, want 600", perm)
	}

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})}
	go srv.Serve(ln)
	defer srv.Close()

	if err := NewClient(path).Health(context.Background()); err != nil {
		t.Errorf("Health() over unix socket error = %v", err)
	}
}
