// Package server coordinates connection registration, message broadcast, and
// connection cleanup for one chat room via the Hub type.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BusterWarn/WebSockets-Workshop/internal/protocol"
)

// ErrHubClosed is returned by Join once Shutdown has started.
var ErrHubClosed = errors.New("hub is shutting down")

// Hub tracks the live connections of one room, replays its history to new
// connections and fans events out to them. All registry access goes through
// mu; fanout works on a snapshot of the registry keys so joins and leaves may
// proceed while a broadcast is in flight.
type Hub struct {
	room    string
	cfg     Config
	log     *zap.Logger
	metrics *Metrics
	rooms   *Registry
	history *History

	mu      sync.RWMutex
	conns   map[string]*Connection
	closing bool

	wg sync.WaitGroup
}

// NewHub creates an empty hub for room. A nil logger or metrics set is
// replaced by a no-op one.
func NewHub(room string, cfg Config, log *zap.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		room:    room,
		cfg:     cfg,
		log:     log.With(zap.String("room", room)),
		metrics: metrics,
		history: NewHistory(cfg.HistoryLimit),
		conns:   make(map[string]*Connection),
	}
}

// Room returns the name of the room this hub serves.
func (h *Hub) Room() string {
	return h.room
}

// History returns the room's chat log.
func (h *Hub) History() *History {
	return h.history
}

// Serve runs the whole lifetime of one transport: handshake, receive loop and
// close. It returns once the connection is fully closed, or the handshake
// error.
func (h *Hub) Serve(t Transport, addr string) error {
	c, err := h.Join(t, addr)
	if err != nil {
		return err
	}
	c.Run()
	return nil
}

// Join reads the handshake frame from t and, if it is acceptable, registers a
// new Connection. The new connection is sent, in order, the handshake
// response, the history replay, the presence list and the room list; the
// other connections then receive user_join. On failure the transport is
// closed and the error is returned; refused handshakes yield a *RejectError.
func (h *Hub) Join(t Transport, addr string) (*Connection, error) {
	t.SetReadLimit(h.cfg.MaxMessageSize)
	if err := t.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout)); err != nil {
		h.log.Warn("error setting handshake deadline", zap.String("addr", addr), zap.Error(err))
	}

	_, raw, err := t.ReadMessage()
	if err != nil {
		h.countHandshake("error")
		closeTransport(t, h.log)
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		h.countHandshake("error")
		closeTransport(t, h.log)
		return nil, fmt.Errorf("%w: empty handshake frame", ErrHandshakeFailed)
	}

	req, err := protocol.DecodeConnectionRequest(raw)
	if err != nil {
		return nil, h.reject(t, addr, "Invalid request", err)
	}

	name, err := NormalizeUsername(req.Username)
	if err != nil {
		return nil, h.reject(t, addr, rejectReason(err), err)
	}

	var rooms []protocol.RoomInfo
	if h.rooms != nil {
		rooms = h.rooms.roomInfos()
	}

	c := newConnection(h, t, uuid.NewString(), name, addr, req.SubscribeForEvents)

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		c.cancel()
		h.refuseClosing(t, addr)
		return nil, ErrHubClosed
	}
	// Added under the lock so Shutdown never waits on a group that grows.
	h.wg.Add(1)
	history := h.history.Snapshot()
	presence := h.presenceLocked()
	h.conns[c.id] = c
	count := len(h.conns)
	h.metrics.ActiveConnections.WithLabelValues(h.room).Set(float64(count))

	// Queued under the lock so no broadcast can reach c ahead of its replay.
	c.enqueue(protocol.MustEncode(protocol.ConnectionResponse{Username: name, ConnectionID: c.id}))
	if c.subscribed(protocol.KindMessageHistory) {
		c.enqueue(protocol.MustEncode(protocol.MessageHistory{Messages: history}))
	}
	if c.subscribed(protocol.KindUsersOnline) {
		c.enqueue(protocol.MustEncode(protocol.UsersOnline{Users: presence}))
	}
	if rooms != nil {
		c.enqueue(protocol.MustEncode(protocol.RoomList{Rooms: rooms}))
	}
	h.mu.Unlock()

	c.start()

	h.countHandshake("accepted")
	c.log.Info("connection joined", zap.Int("connections", count))

	h.Broadcast(c, protocol.UserJoined{Username: name})
	return c, nil
}

func (h *Hub) reject(t Transport, addr, reason string, cause error) error {
	h.countHandshake("rejected")
	h.log.Info("handshake rejected",
		zap.String("addr", addr),
		zap.String("reason", reason),
		zap.Error(cause))

	deadline := time.Now().Add(h.cfg.WriteWait)
	if err := t.SetWriteDeadline(deadline); err != nil {
		h.log.Debug("error setting write deadline for reject", zap.String("addr", addr), zap.Error(err))
	}
	if err := t.WriteMessage(websocket.TextMessage, protocol.MustEncode(protocol.ConnectionReject{Reason: reason})); err != nil {
		if !isExpectedCloseError(err) {
			h.log.Warn("error writing handshake reject", zap.String("addr", addr), zap.Error(err))
		}
	}
	closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := t.WriteControl(websocket.CloseMessage, closeMsg, deadline); err != nil && !isExpectedCloseError(err) {
		h.log.Debug("error writing close frame for reject", zap.String("addr", addr), zap.Error(err))
	}
	closeTransport(t, h.log)

	return &RejectError{Reason: reason, Err: cause}
}

// refuseClosing turns away a handshake that arrived during Shutdown.
func (h *Hub) refuseClosing(t Transport, addr string) {
	h.countHandshake("closing")
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	if err := t.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait)); err != nil && !isExpectedCloseError(err) {
		h.log.Debug("error writing close frame", zap.String("addr", addr), zap.Error(err))
	}
	closeTransport(t, h.log)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUsernameTooLong):
		return "Username too long"
	case errors.Is(err, ErrUsernameInvalid):
		return "Username contains invalid characters"
	case errors.Is(err, ErrUsernameEmpty):
		return "Username cannot be empty"
	default:
		return "Invalid request"
	}
}

func (h *Hub) countHandshake(outcome string) {
	h.metrics.Handshakes.WithLabelValues(h.room, outcome).Inc()
}

// Broadcast delivers ev to every registered connection except sender and
// returns how many mailboxes accepted it. Chat messages are stamped and
// appended to the history first. A connection whose mailbox is full is closed
// without affecting delivery to the others.
func (h *Hub) Broadcast(sender *Connection, ev protocol.Event) int {
	msg, isChat := ev.(protocol.ChatMessage)
	if isChat {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		ev = msg
	}

	payload, err := protocol.Encode(ev)
	if err != nil {
		h.log.Error("error encoding broadcast", zap.String("kind", string(ev.Kind())), zap.Error(err))
		return 0
	}

	ids := h.snapshotForBroadcast(func() {
		if isChat {
			h.history.Append(protocol.HistoryEntry{
				Username:  msg.Username,
				Message:   msg.Text,
				Timestamp: msg.Timestamp,
			})
		}
	})

	delivered := 0
	for _, id := range ids {
		if sender != nil && id == sender.id {
			continue
		}
		c := h.lookup(id)
		if c == nil || !c.subscribed(ev.Kind()) {
			continue
		}
		if c.enqueue(payload) {
			delivered++
		}
	}

	h.metrics.Broadcasts.WithLabelValues(h.room, string(ev.Kind())).Inc()
	h.metrics.Deliveries.WithLabelValues(h.room).Add(float64(delivered))
	h.log.Debug("broadcast",
		zap.String("kind", string(ev.Kind())),
		zap.Int("targets", len(ids)),
		zap.Int("delivered", delivered))
	return delivered
}

// ServerBroadcast delivers ev to every registered connection. It is the entry
// point for events that no connection originated.
func (h *Hub) ServerBroadcast(ev protocol.Event) int {
	return h.Broadcast(nil, ev)
}

// snapshotForBroadcast runs record and copies the registry keys under one
// lock. Join snapshots the history under the same lock, so a chat line is
// either in a joiner's replay or delivered to it live, never both.
func (h *Hub) snapshotForBroadcast(record func()) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	record()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) lookup(id string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

// PresenceSnapshot lists the registered connections ordered by join time.
func (h *Hub) PresenceSnapshot() []protocol.UserPresence {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presenceLocked()
}

func (h *Hub) presenceLocked() []protocol.UserPresence {
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].joinedAt.Equal(conns[j].joinedAt) {
			return conns[i].id < conns[j].id
		}
		return conns[i].joinedAt.Before(conns[j].joinedAt)
	})

	users := make([]protocol.UserPresence, 0, len(conns))
	for _, c := range conns {
		users = append(users, protocol.UserPresence{Username: c.name, JoinedAt: c.joinedAt})
	}
	return users
}

// ConnectionCount reports how many connections are registered.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ClearHistory empties the room's history and tells every connection.
func (h *Hub) ClearHistory(by string) {
	h.mu.Lock()
	h.history.Clear()
	h.mu.Unlock()

	h.log.Info("history cleared", zap.String("by", by))
	h.ServerBroadcast(protocol.RoomChatCleared{RoomName: h.room, Username: by})
}

// leave removes c from the registry and announces its departure. It is a
// no-op for a connection that is not registered.
func (h *Hub) leave(c *Connection) {
	h.mu.Lock()
	registered, ok := h.conns[c.id]
	if ok && registered == c {
		delete(h.conns, c.id)
		h.metrics.ActiveConnections.WithLabelValues(h.room).Set(float64(len(h.conns)))
	}
	count := len(h.conns)
	h.mu.Unlock()

	if !ok || registered != c {
		return
	}

	c.log.Info("connection left", zap.Int("connections", count))
	h.Broadcast(c, protocol.UserLeft{Username: c.name})
}

// Shutdown administratively closes every connection and waits for their
// goroutines to finish, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.log.Info("shutting down hub", zap.Int("connections", len(conns)))
	for _, c := range conns {
		go c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

func closeTransport(t Transport, log *zap.Logger) {
	if err := t.Close(); err != nil && !isExpectedCloseError(err) {
		log.Debug("error closing transport", zap.Error(err))
	}
}
