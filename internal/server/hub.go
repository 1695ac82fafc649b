// Package server coordinates session lifecycles for the relay via the Hub
// type: it upgrades connections, runs their sessions, and tears everything
// down on shutdown.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/greetrelay/internal/registry"
	"github.com/Tyrowin/greetrelay/internal/relay"
)

// Subprotocols offered during the WebSocket upgrade.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// Hub owns the connection registry and the relay, and manages every
// session's lifecycle. Sessions register themselves once their handshake
// succeeds and unregister when they close.
type Hub struct {
	cfg      Config
	registry *registry.Registry
	relay    *relay.Relay
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewHub creates a Hub ready to accept connections.
func NewHub(cfg Config, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	reg := registry.New()

	h := &Hub{
		cfg:      cfg,
		registry: reg,
		relay: relay.New(reg, cfg.DeliveryTimeout,
			logger.With().Str("component", "relay").Logger(),
			relay.DefaultRoutes(cfg.MaxNameLength)...),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		Subprotocols:     Subprotocols,
		CheckOrigin:      origins.check,
	}

	return h
}

// Registry exposes the hub's connection registry.
func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

// Relay exposes the hub's relay, e.g. for publishing server-side messages.
func (h *Hub) Relay() *relay.Relay {
	return h.relay
}

// ServeWS upgrades the request to a WebSocket and runs a session on it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	h.Serve(conn, r.RemoteAddr)
}

// Serve starts a session on an upgraded connection and returns immediately.
// Connections arriving after Shutdown are closed.
func (h *Hub) Serve(conn *websocket.Conn, addr string) *Session {
	session := newSession(h, conn, addr)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		session.Close(errHubShutdown)
		return session
	}
	h.sessions.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.sessions.Done()
		session.run(h.ctx)
	}()
	return session
}

// Shutdown closes every session and waits for their goroutines to finish,
// or returns context.DeadlineExceeded once timeout elapses.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")

	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Dur("timeout", timeout).Msg("hub shutdown timed out, some sessions may still be running")
		return context.DeadlineExceeded
	}
}
