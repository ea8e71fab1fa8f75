// Package server wires HTTP handlers into a router for the chat application.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures the router with every application route. Room-scoped
// routes exist with and without a trailing room segment; the bare form serves
// DefaultRoom. Metrics are served from gatherer.
func SetupRoutes(api *API, gatherer prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/test", api.TestPageHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/rooms", api.RoomsHandler).Methods(http.MethodGet)

	// The WebSocket handler checks the method itself to answer with a
	// descriptive error.
	r.HandleFunc("/ws", api.WebSocketHandler)
	r.HandleFunc("/ws/{room}", api.WebSocketHandler)

	for _, prefix := range []string{"", "/{room}"} {
		r.HandleFunc("/send-message"+prefix, api.PostMessageHandler).Methods(http.MethodPost)
		r.HandleFunc("/messages"+prefix, api.MessagesHandler).Methods(http.MethodGet)
		r.HandleFunc("/chat-data"+prefix, api.ChatDataHandler).Methods(http.MethodGet)
		r.HandleFunc("/clear-chat"+prefix, api.ClearChatHandler).Methods(http.MethodDelete)
	}

	return r
}
