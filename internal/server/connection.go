// Package server manages individual chat connections, handling the receive
// and send loops, the outbound mailbox, rate limiting and the close sequence.
package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BusterWarn/WebSockets-Workshop/internal/protocol"
)

// State is a connection's position in its one-way lifecycle.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const tooLongNotice = "Message too long, I refuse to broadcast this"

// Connection is one admitted client. The receive loop (Run) and the send loop
// share only the mailbox and the lifecycle state.
type Connection struct {
	id       string
	name     string
	addr     string
	joinedAt time.Time

	hub       *Hub
	transport Transport
	log       *zap.Logger
	limiter   *rateLimiter

	// nil means every event group.
	subscriptions map[string]bool

	mailbox  chan []byte
	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	sendDone chan struct{}

	closeOnce sync.Once
}

func newConnection(h *Hub, t Transport, id, name, addr string, subscribe []string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	var subs map[string]bool
	if subscribe != nil {
		subs = make(map[string]bool, len(subscribe))
		for _, s := range subscribe {
			subs[s] = true
		}
	}

	return &Connection{
		id:            id,
		name:          name,
		addr:          addr,
		joinedAt:      time.Now().UTC(),
		hub:           h,
		transport:     t,
		log:           h.log.With(zap.String("conn_id", id), zap.String("username", name), zap.String("addr", addr)),
		limiter:       newRateLimiter(h.cfg.RateLimit.Burst, h.cfg.RateLimit.RefillInterval),
		subscriptions: subs,
		mailbox:       make(chan []byte, h.cfg.MailboxSize),
		ctx:           ctx,
		cancel:        cancel,
		sendDone:      make(chan struct{}),
	}
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// Name returns the display name accepted at handshake.
func (c *Connection) Name() string { return c.name }

// JoinedAt returns when the handshake completed.
func (c *Connection) JoinedAt() time.Time { return c.joinedAt }

// State reports the lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// subscribed reports whether c asked for events of kind. Kinds outside the
// optional groups are always delivered.
func (c *Connection) subscribed(kind protocol.Kind) bool {
	if c.subscriptions == nil {
		return true
	}
	switch kind {
	case protocol.KindMessageHistory:
		return c.subscriptions[protocol.SubscribePastChats]
	case protocol.KindTyping:
		return c.subscriptions[protocol.SubscribeTyping]
	case protocol.KindUserJoin, protocol.KindUserLeave, protocol.KindUsersOnline:
		return c.subscriptions[protocol.SubscribeUserEvent]
	default:
		return true
	}
}

// enqueue places an encoded frame in the mailbox without blocking. A full
// mailbox trips backpressure: the connection starts closing and the frame is
// dropped. It reports whether the frame was queued.
func (c *Connection) enqueue(frame []byte) bool {
	if c.State() != StateOpen {
		return false
	}

	select {
	case c.mailbox <- frame:
		return true
	default:
	}

	if c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		c.hub.metrics.BackpressureTrips.WithLabelValues(c.hub.room).Inc()
		c.log.Warn("mailbox full; disconnecting slow consumer", zap.Int("capacity", cap(c.mailbox)))
		go c.closeWith(websocket.CloseTryAgainLater, "mailbox full")
	}
	return false
}

func (c *Connection) notify(text string, severity protocol.Severity) {
	c.enqueue(protocol.MustEncode(protocol.SystemNotice{Text: text, Severity: severity}))
}

func (c *Connection) send(ev protocol.Event) {
	c.enqueue(protocol.MustEncode(ev))
}

// start launches the send loop. The caller has already added it to the hub's
// wait group.
func (c *Connection) start() {
	go func() {
		defer c.hub.wg.Done()
		defer close(c.sendDone)
		c.sendLoop()
	}()
}

// sendLoop is the mailbox's only consumer. It writes one frame per event in
// queue order and pings the peer every PingPeriod.
func (c *Connection) sendLoop() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.mailbox:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.handleWriteError(err)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.handleWriteError(err)
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	if err := c.transport.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
		return err
	}
	return c.transport.WriteMessage(messageType, data)
}

func (c *Connection) handleWriteError(err error) {
	if c.ctx.Err() == nil && !isExpectedCloseError(err) {
		c.log.Warn("error writing to connection", zap.Error(err))
	}
	go c.closeWith(websocket.CloseGoingAway, "write failed")
}

// setupReadConnection configures the read deadline and pong handler.
func (c *Connection) setupReadConnection() {
	c.extendReadDeadline()
	c.transport.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
}

func (c *Connection) extendReadDeadline() {
	if err := c.transport.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait)); err != nil {
		c.log.Debug("error setting read deadline", zap.Error(err))
	}
}

// Run is the receive loop. It reads and dispatches frames until the peer
// disconnects, a read fails or an empty frame arrives, then closes the
// connection.
func (c *Connection) Run() {
	defer c.Close()

	c.setupReadConnection()

	for {
		_, raw, err := c.transport.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.extendReadDeadline()

		if len(bytes.TrimSpace(raw)) == 0 {
			c.log.Info("empty frame received; closing connection")
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		ev, err := protocol.Decode(raw)
		if err != nil {
			c.handleDecodeError(err)
			continue
		}
		c.dispatch(ev)
	}
}

// handleReadError logs a read failure at a level matching how ordinary it is.
func (c *Connection) handleReadError(err error) {
	if c.State() != StateOpen {
		return
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("frame exceeded maximum size", zap.Int64("limit", c.hub.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure):
		c.log.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err):
		c.log.Warn("unexpected WebSocket close", zap.Error(err))
	default:
		c.log.Warn("WebSocket read error", zap.Error(err))
	}
}

func (c *Connection) handleDecodeError(err error) {
	if errors.Is(err, protocol.ErrUnknownKind) {
		c.log.Info("ignoring event of unknown kind", zap.Error(err))
		return
	}
	c.log.Info("invalid frame", zap.Error(err))
	c.hub.metrics.RejectedMessages.WithLabelValues(c.hub.room, "malformed").Inc()
	c.notify("Invalid message", protocol.SeverityError)
}

// checkRateLimit reports whether the frame may be processed.
func (c *Connection) checkRateLimit() bool {
	if c.limiter.allow() {
		return true
	}
	c.log.Warn("rate limit exceeded; discarding frame",
		zap.Int("burst", c.hub.cfg.RateLimit.Burst),
		zap.Duration("interval", c.hub.cfg.RateLimit.RefillInterval))
	c.hub.metrics.RejectedMessages.WithLabelValues(c.hub.room, "rate_limited").Inc()
	c.notify("You are sending messages too fast", protocol.SeverityWarning)
	return false
}

func (c *Connection) dispatch(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.ChatMessage:
		c.handleChat(ev)
	case protocol.Typing:
		c.hub.Broadcast(c, protocol.Typing{Username: c.name, IsTyping: ev.IsTyping})
	case protocol.RoomList:
		c.handleRoomList()
	case protocol.RoomCreated:
		c.handleRoomCreate(ev)
	case protocol.RoomSwitchRequest:
		c.handleRoomSwitch(ev)
	case protocol.RoomChatCleared:
		c.handleRoomClear(ev)
	case protocol.ConnectionRequest,
		protocol.ConnectionResponse,
		protocol.ConnectionReject,
		protocol.MessageHistory,
		protocol.SystemNotice,
		protocol.UsersOnline,
		protocol.UserJoined,
		protocol.UserLeft,
		protocol.RoomCreateReject,
		protocol.RoomSwitchResponse,
		protocol.RoomSwitchReject:
		c.log.Info("ignoring server-only event sent by client", zap.String("kind", string(ev.Kind())))
	default:
		c.log.Warn("unhandled event", zap.String("kind", string(ev.Kind())))
	}
}

func (c *Connection) handleChat(msg protocol.ChatMessage) {
	if err := ValidateMessage(msg.Text); err != nil {
		if errors.Is(err, ErrMessageTooLong) {
			c.hub.metrics.RejectedMessages.WithLabelValues(c.hub.room, "too_long").Inc()
			c.log.Info("refusing oversized message", zap.Error(err))
			c.notify(tooLongNotice, protocol.SeverityWarning)
			return
		}
		c.hub.metrics.RejectedMessages.WithLabelValues(c.hub.room, "empty").Inc()
		c.notify("Message cannot be empty", protocol.SeverityWarning)
		return
	}

	c.log.Debug("received message", zap.Int("length", len(msg.Text)))
	c.hub.Broadcast(c, protocol.ChatMessage{Username: c.name, Text: msg.Text})
}

func (c *Connection) handleRoomList() {
	if c.hub.rooms == nil {
		c.send(protocol.RoomList{Rooms: []protocol.RoomInfo{{RoomName: c.hub.room}}})
		return
	}
	c.send(protocol.RoomList{Rooms: c.hub.rooms.roomInfos()})
}

func (c *Connection) handleRoomCreate(ev protocol.RoomCreated) {
	if c.hub.rooms == nil {
		c.send(protocol.RoomCreateReject{Reason: "Rooms are not available"})
		return
	}
	name, err := NormalizeRoomName(ev.Room.RoomName)
	if err != nil {
		c.send(protocol.RoomCreateReject{Reason: "Invalid room name"})
		return
	}
	if _, created := c.hub.rooms.ensure(name, c.name); !created {
		// Already known: echo the announcement to the requester only.
		c.send(protocol.RoomCreated{Room: protocol.RoomInfo{RoomName: name}, Username: c.name})
	}
}

func (c *Connection) handleRoomSwitch(ev protocol.RoomSwitchRequest) {
	if c.hub.rooms == nil {
		c.send(protocol.RoomSwitchReject{Reason: "Rooms are not available"})
		return
	}
	name, err := NormalizeRoomName(ev.RoomName)
	if err != nil {
		c.send(protocol.RoomSwitchReject{Reason: "Invalid room name"})
		return
	}
	c.hub.rooms.ensure(name, c.name)
	c.send(protocol.RoomSwitchResponse{RoomName: name})
}

func (c *Connection) handleRoomClear(ev protocol.RoomChatCleared) {
	name, err := NormalizeRoomName(ev.RoomName)
	if err != nil {
		c.notify("Invalid room name", protocol.SeverityError)
		return
	}

	target := c.hub
	if c.hub.rooms != nil {
		target, _ = c.hub.rooms.ensure(name, c.name)
	} else if name != c.hub.room {
		c.notify("Rooms are not available", protocol.SeverityError)
		return
	}
	target.ClearHistory(c.name)
}

// Close runs the close sequence once; later and concurrent calls wait for it
// and return without effect.
func (c *Connection) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *Connection) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))

		c.closeStep("announce departure", func() {
			c.hub.leave(c)
		})
		c.closeStep("send close frame", func() {
			msg := websocket.FormatCloseMessage(code, reason)
			deadline := time.Now().Add(c.hub.cfg.WriteWait)
			if err := c.transport.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
				c.log.Debug("error writing close frame", zap.Error(err))
			}
		})
		c.closeStep("stop send loop", func() {
			c.cancel()
			closeTransport(c.transport, c.log)
			<-c.sendDone
		})

		c.state.Store(int32(StateClosed))
		c.log.Info("connection closed", zap.Int("code", code), zap.String("reason", reason))
	})
}

// closeStep runs one step of the close sequence, logging a panic instead of
// letting it stop the sequence.
func (c *Connection) closeStep(step string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic while closing connection", zap.String("step", step), zap.Any("panic", r))
		}
	}()
	fn()
}
