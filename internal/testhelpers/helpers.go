// Package testhelpers provides common utilities for testing the relay over
// real HTTP and WebSocket connections.
//
// It offers helpers for dialing the WebSocket endpoint, speaking the STOMP
// frames the relay understands, and asserting on HTTP responses so tests in
// different packages do not duplicate that plumbing.
package testhelpers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/greetrelay/internal/stomp"
)

// DefaultOrigin is the Origin header sent by Dial.
const DefaultOrigin = "http://localhost:8080"

// WebSocketURL converts a test server URL into the ws:// URL of path.
func WebSocketURL(t *testing.T, server *httptest.Server, path string) string {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = path
	return u.String()
}

// Dial opens a WebSocket to rawURL with the given Origin header.
func Dial(rawURL, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		Subprotocols:     []string{"v12.stomp"},
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(rawURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Client is a minimal STOMP client used by tests.
type Client struct {
	t    *testing.T
	Conn *websocket.Conn
}

// NewClient dials rawURL with DefaultOrigin and fails the test on error.
// The connection is closed during test cleanup.
func NewClient(t *testing.T, rawURL string) *Client {
	t.Helper()
	conn, _, err := Dial(rawURL, DefaultOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &Client{t: t, Conn: conn}
}

// Connect dials rawURL and completes the STOMP handshake.
func Connect(t *testing.T, rawURL string) *Client {
	t.Helper()
	c := NewClient(t, rawURL)
	c.Send(stomp.NewFrame(stomp.CommandConnect, nil,
		stomp.HeaderAcceptVersion, "1.2",
		"host", "localhost",
	))
	connected := c.Read()
	require.Equal(t, stomp.CommandConnected, connected.Command, "handshake reply: %s", connected.Get(stomp.HeaderMessage))
	return c
}

// Send writes a frame.
func (c *Client) Send(f stomp.Frame) {
	c.t.Helper()
	require.NoError(c.t, c.Conn.WriteMessage(websocket.TextMessage, stomp.Encode(f)))
}

// SendRaw writes raw bytes as a text message.
func (c *Client) SendRaw(data []byte) error {
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// Subscribe subscribes to destination under id and waits for the receipt, so
// the subscription is active when it returns.
func (c *Client) Subscribe(id, destination string) {
	c.t.Helper()
	receipt := "sub-" + id
	c.Send(stomp.NewFrame(stomp.CommandSubscribe, nil,
		stomp.HeaderID, id,
		stomp.HeaderDestination, destination,
		stomp.HeaderReceipt, receipt,
	))
	c.ExpectReceipt(receipt)
}

// Hello sends {"name": name} to destination.
func (c *Client) Hello(destination, name string, kv ...string) {
	c.t.Helper()
	body, err := json.Marshal(map[string]string{"name": name})
	require.NoError(c.t, err)
	headers := append([]string{stomp.HeaderDestination, destination, stomp.HeaderContentType, "application/json"}, kv...)
	c.Send(stomp.NewFrame(stomp.CommandSend, body, headers...))
}

// Read reads the next frame, waiting at most five seconds.
func (c *Client) Read() stomp.Frame {
	c.t.Helper()
	f, err := c.ReadWithin(5 * time.Second)
	require.NoError(c.t, err)
	return f
}

// ReadWithin reads the next non heart-beat frame, waiting at most timeout.
func (c *Client) ReadWithin(timeout time.Duration) (stomp.Frame, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return stomp.Frame{}, err
	}
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return stomp.Frame{}, err
		}
		f, err := stomp.Parse(data)
		if err != nil {
			return stomp.Frame{}, err
		}
		if !f.IsHeartbeat() {
			return f, nil
		}
	}
}

// ExpectReceipt reads the next frame and requires it to be a RECEIPT for id.
func (c *Client) ExpectReceipt(id string) {
	c.t.Helper()
	f := c.Read()
	require.Equal(c.t, stomp.CommandReceipt, f.Command, "error: %s", f.Get(stomp.HeaderMessage))
	require.Equal(c.t, id, f.Get(stomp.HeaderReceiptID))
}

// ExpectGreeting reads the next frame and returns its decoded content.
func (c *Client) ExpectGreeting() string {
	c.t.Helper()
	f := c.Read()
	require.Equal(c.t, stomp.CommandMessage, f.Command, "error: %s", f.Get(stomp.HeaderMessage))
	var payload struct {
		Content string `json:"content"`
	}
	require.NoError(c.t, json.Unmarshal(f.Body, &payload))
	return payload.Content
}

// ExpectNoFrame requires that nothing arrives within timeout. A timed out
// gorilla connection cannot be read again, so this must be the last read.
func (c *Client) ExpectNoFrame(timeout time.Duration) {
	c.t.Helper()
	f, err := c.ReadWithin(timeout)
	if err == nil {
		c.t.Fatalf("expected no frame, got %s %v", f.Command, f.Header)
	}
	if IsTimeout(err) {
		return
	}
	c.t.Fatalf("unexpected error while waiting for absence of a frame: %v", err)
}

// ExpectClosed requires that the server closes the connection within
// timeout, skipping any frames sent before the close.
func (c *Client) ExpectClosed(timeout time.Duration) error {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	require.NoError(c.t, c.Conn.SetReadDeadline(deadline))
	for {
		_, _, err := c.Conn.ReadMessage()
		if err == nil {
			continue
		}
		require.False(c.t, IsTimeout(err), "connection was not closed within %s", timeout)
		return err
	}
}

// Close sends a normal WebSocket close and closes the connection.
func (c *Client) Close() {
	_ = c.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.Conn.Close()
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	require.Equal(t, expected, resp.StatusCode, "unexpected status code")
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	require.Equal(t, expected, resp.Header.Get("Content-Type"), "unexpected content type")
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, 5*time.Millisecond, msg)
}
