// Package server exposes HTTP handlers, including WebSocket upgrades, the
// plain request/response chat endpoints, health checks, and the built-in test
// page.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BusterWarn/WebSockets-Workshop/internal/protocol"
)

// API serves the HTTP surface on top of a room Registry.
type API struct {
	rooms    *Registry
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewAPI creates the HTTP handlers for rooms.
func NewAPI(cfg Config, rooms *Registry, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	origins := newOriginPolicy(cfg.AllowedOrigins, log)
	return &API{
		rooms: rooms,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
	}
}

// PostMessageRequest is the body of POST /send-message.
type PostMessageRequest struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// ChatData is the body of GET /chat-data.
type ChatData struct {
	Messages       []protocol.HistoryEntry `json:"messages"`
	ConnectedUsers []protocol.UserPresence `json:"connected_users"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// WebSocketHandler upgrades the request and serves the connection in the room
// named by the path, until it closes.
func (a *API) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	hub, ok := a.roomFromRequest(w, r)
	if !ok {
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Info("WebSocket upgrade failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
		return
	}

	if err := hub.Serve(conn, r.RemoteAddr); err != nil {
		var rejected *RejectError
		if !errors.As(err, &rejected) {
			a.log.Info("connection ended before joining", zap.String("addr", r.RemoteAddr), zap.Error(err))
		}
	}
}

// PostMessageHandler broadcasts a chat line submitted over plain HTTP.
func (a *API) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "Invalid request body"})
		return
	}

	room := mux.Vars(r)["room"]
	if err := a.rooms.PostMessage(room, req.Username, req.Message); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: validationDetail(err)})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Message sent"})
}

// MessagesHandler returns the room's history.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	hub, ok := a.roomFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, hub.History().Snapshot())
}

// ChatDataHandler returns the room's history together with its connected users.
func (a *API) ChatDataHandler(w http.ResponseWriter, r *http.Request) {
	hub, ok := a.roomFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ChatData{
		Messages:       hub.History().Snapshot(),
		ConnectedUsers: hub.PresenceSnapshot(),
	})
}

// ClearChatHandler empties the room's history and notifies its connections.
func (a *API) ClearChatHandler(w http.ResponseWriter, r *http.Request) {
	hub, ok := a.roomFromRequest(w, r)
	if !ok {
		return
	}
	hub.ClearHistory("")
	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Chat cleared"})
}

// RoomsHandler lists the known rooms.
func (a *API) RoomsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.rooms.Names())
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat server is running!")
}

func (a *API) roomFromRequest(w http.ResponseWriter, r *http.Request) (*Hub, bool) {
	hub, err := a.rooms.Room(mux.Vars(r)["room"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "Invalid room name"})
		return nil, false
	}
	return hub, true
}

func validationDetail(err error) string {
	switch {
	case errors.Is(err, ErrUsernameEmpty):
		return "Username cannot be empty"
	case errors.Is(err, ErrUsernameTooLong):
		return "Username too long"
	case errors.Is(err, ErrUsernameInvalid):
		return "Username contains invalid characters"
	case errors.Is(err, ErrMessageEmpty):
		return "Message cannot be empty"
	case errors.Is(err, ErrMessageTooLong):
		return "Message too long"
	case errors.Is(err, ErrRoomNameInvalid):
		return "Invalid room name"
	default:
		return "Invalid request"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
