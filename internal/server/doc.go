// Package server implements the HTTP and WebSocket surface of the relay.
//
// The implementation is organized into specialized files for configuration,
// session lifecycle (hub and session), origin checks, rate limiting, routing
// and HTTP handlers.
package server
