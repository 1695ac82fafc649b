package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes bound to the given hub.
func SetupRoutes(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("GET /health", hub.HealthHandler)
	mux.HandleFunc("GET /test", hub.TestPageHandler)
	mux.HandleFunc("GET /{$}", hub.HealthHandler)
	return mux
}
