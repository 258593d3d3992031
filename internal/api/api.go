// Package api serves the daemon's local control surface: a small JSON API
// over a unix socket through which the CLI drives the chat.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chaz8081/btchat/internal/bt"
	"github.com/chaz8081/btchat/internal/chat"
)

// Device is the wire form of bt.Device.
type Device struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
	Class   uint32 `json:"class,omitempty"`
	Bond    string `json:"bond"` // "none", "bonding" or "bonded"
}

// Message is the wire form of bt.Message.
type Message struct {
	Text   string `json:"text"`
	Sender string `json:"sender"`
	Local  bool   `json:"local"`
}

// StateResponse is the body of GET /state.
type StateResponse struct {
	Connected  bool      `json:"connected"`
	Connecting bool      `json:"connecting"`
	Error      string    `json:"error,omitempty"`
	Scanned    []Device  `json:"scanned"`
	Paired     []Device  `json:"paired"`
	Messages   []Message `json:"messages"`
}

// DevicesResponse is the body of GET /devices.
type DevicesResponse struct {
	Scanned []Device `json:"scanned"`
	Paired  []Device `json:"paired"`
}

// MessagesResponse is the body of GET /messages.
type MessagesResponse struct {
	Connected bool      `json:"connected"`
	Messages  []Message `json:"messages"`
}

// ConnectRequest is the body of POST /connect.
type ConnectRequest struct {
	Address string `json:"address"`
	ESP     bool   `json:"esp"` // dial the ESP32 serial-port service
}

// SendRequest is the body of POST /messages.
type SendRequest struct {
	Text string `json:"text"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Handler serves the control API for one chat.
type Handler struct {
	chat *chat.Chat
}

// NewHandler creates a Handler for c.
func NewHandler(c *chat.Chat) *Handler {
	return &Handler{chat: c}
}

// Router returns the chi router with every route mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", h.Health)
	r.Get("/state", h.GetState)
	r.Get("/devices", h.GetDevices)

	r.Route("/scan", func(r chi.Router) {
		r.Post("/start", h.StartScan)
		r.Post("/stop", h.StopScan)
	})
	r.Post("/paired/refresh", h.RefreshPaired)

	r.Post("/connect", h.Connect)
	r.Post("/listen", h.Listen)
	r.Post("/disconnect", h.Disconnect)

	r.Route("/messages", func(r chi.Router) {
		r.Get("/", h.GetMessages)
		r.Post("/", h.SendMessage)
	})
	return r
}

// requestLogger logs each request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("[API] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// Response helpers
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, ErrorResponse{Error: message, Code: status})
}

func successResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{
		"status":  "ok",
		"message": message,
	})
}

func toDevices(ds []bt.Device) []Device {
	out := make([]Device, 0, len(ds))
	for _, d := range ds {
		out = append(out, Device{
			Name:    d.Name,
			Address: d.Address,
			Class:   d.Class,
			Bond:    d.Bond.String(),
		})
	}
	return out
}

func toMessages(ms []bt.Message) []Message {
	out := make([]Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMessage(m))
	}
	return out
}

func toMessage(m bt.Message) Message {
	return Message{Text: m.Text, Sender: m.Sender, Local: m.Local}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok", "service": "btchat"})
}

// GetState returns the whole chat state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	s := h.chat.Snapshot()
	jsonResponse(w, http.StatusOK, StateResponse{
		Connected:  s.Connected,
		Connecting: s.Connecting,
		Error:      s.Err,
		Scanned:    toDevices(s.Scanned),
		Paired:     toDevices(s.Paired),
		Messages:   toMessages(s.Messages),
	})
}

// GetDevices returns the scanned and paired lists.
func (h *Handler) GetDevices(w http.ResponseWriter, r *http.Request) {
	s := h.chat.Snapshot()
	jsonResponse(w, http.StatusOK, DevicesResponse{
		Scanned: toDevices(s.Scanned),
		Paired:  toDevices(s.Paired),
	})
}

// GetMessages returns the message log of the current connection.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	s := h.chat.Snapshot()
	jsonResponse(w, http.StatusOK, MessagesResponse{
		Connected: s.Connected,
		Messages:  toMessages(s.Messages),
	})
}

// StartScan starts discovery.
func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.StartScan(); err != nil {
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	successResponse(w, http.StatusOK, "scanning")
}

// StopScan stops discovery.
func (h *Handler) StopScan(w http.ResponseWriter, r *http.Request) {
	h.chat.StopScan()
	successResponse(w, http.StatusOK, "scan stopped")
}

// RefreshPaired re-reads the paired devices and returns the lists.
func (h *Handler) RefreshPaired(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.RefreshPaired(r.Context()); err != nil {
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.GetDevices(w, r)
}

// Connect dials a device. The handshake continues in the background; poll
// /state for the outcome.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Address == "" {
		errorResponse(w, http.StatusBadRequest, "address required")
		return
	}
	if _, err := net.ParseMAC(req.Address); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid address: "+req.Address)
		return
	}

	d := h.chat.Lookup(req.Address)
	var err error
	if req.ESP {
		err = h.chat.ConnectESP(d)
	} else {
		err = h.chat.Connect(d)
	}
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	successResponse(w, http.StatusAccepted, fmt.Sprintf("connecting to %s", d.DisplayName()))
}

// Listen waits for one inbound peer in the background.
func (h *Handler) Listen(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.WaitForIncoming(); err != nil {
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	successResponse(w, http.StatusAccepted, "waiting for incoming connection")
}

// Disconnect drops the current connection.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.chat.Disconnect()
	successResponse(w, http.StatusOK, "disconnected")
}

// SendMessage sends one line to the peer.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if strings.ContainsAny(req.Text, "\r\n") {
		errorResponse(w, http.StatusBadRequest, "text must be a single line")
		return
	}

	msg, ok := h.chat.Send(req.Text)
	if !ok {
		errorResponse(w, http.StatusConflict, bt.ErrNotConnected.Error())
		return
	}
	jsonResponse(w, http.StatusCreated, toMessage(msg))
}

// ListenUnix opens the control socket at path, replacing a stale socket
// file left by an earlier run. The socket is only accessible to its owner.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("api: removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("api: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("api: chmod %s: %w", path, err)
	}
	return ln, nil
}
