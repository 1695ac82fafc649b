package server

import (
	_ "embed"
	"encoding/json"
	"net/http"
)

//go:embed testpage.html
var testPage []byte

type healthResponse struct {
	Status      string   `json:"status"`
	Connections int      `json:"connections"`
	Topics      []string `json:"topics"`
}

// HealthHandler reports that the server is up together with the number of
// open sessions and the topics that currently have subscribers.
func (h *Hub) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	topics := h.registry.Topics()
	if topics == nil {
		topics = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(healthResponse{
		Status:      "ok",
		Connections: h.registry.Len(),
		Topics:      topics,
	}); err != nil {
		h.logger.Debug().Err(err).Msg("error writing health response")
	}
}

// TestPageHandler serves a small HTML page that connects to /ws, subscribes
// to the greetings topic and sends hello messages.
func (h *Hub) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(testPage); err != nil {
		h.logger.Debug().Err(err).Msg("error writing HTML response")
	}
}
