package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client talks to a running daemon over its control socket.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient returns a Client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		base: "http://btchat",
		hc:   &http.Client{Transport: tr, Timeout: 10 * time.Second},
	}
}

// NewHTTPClient returns a Client for a daemon reachable at base, e.g. a
// test server.
func NewHTTPClient(base string, hc *http.Client) *Client {
	return &Client{base: base, hc: hc}
}

// do sends body as JSON (if non-nil) and decodes a 2xx reply into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return &StatusError{Code: resp.StatusCode, Message: e.Error}
		}
		return &StatusError{Code: resp.StatusCode, Message: resp.Status}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decoding %s response: %w", path, err)
	}
	return nil
}

// StatusError is a non-2xx reply from the daemon.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("daemon: %s (%d)", e.Message, e.Code)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) State(ctx context.Context) (*StateResponse, error) {
	var s StateResponse
	if err := c.do(ctx, http.MethodGet, "/state", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Devices(ctx context.Context) (*DevicesResponse, error) {
	var d DevicesResponse
	if err := c.do(ctx, http.MethodGet, "/devices", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) Messages(ctx context.Context) (*MessagesResponse, error) {
	var m MessagesResponse
	if err := c.do(ctx, http.MethodGet, "/messages", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) StartScan(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/scan/start", nil, nil)
}

func (c *Client) StopScan(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/scan/stop", nil, nil)
}

func (c *Client) RefreshPaired(ctx context.Context) (*DevicesResponse, error) {
	var d DevicesResponse
	if err := c.do(ctx, http.MethodPost, "/paired/refresh", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) Connect(ctx context.Context, address string, esp bool) error {
	return c.do(ctx, http.MethodPost, "/connect", ConnectRequest{Address: address, ESP: esp}, nil)
}

func (c *Client) Listen(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/listen", nil, nil)
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/disconnect", nil, nil)
}

func (c *Client) Send(ctx context.Context, text string) (*Message, error) {
	var m Message
	if err := c.do(ctx, http.MethodPost, "/messages", SendRequest{Text: text}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
