package server

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BusterWarn/WebSockets-Workshop/internal/protocol"
)

const eventTimeout = 2 * time.Second

var errFakeClosed = errors.New("use of closed network connection")

// fakeTransport is an in-memory Transport. Frames pushed with push are read by
// the server; text frames the server writes are delivered on written.
type fakeTransport struct {
	inbound chan []byte
	written chan []byte
	closed  chan struct{}

	// When non-nil, text writes wait until it is closed or the transport is.
	block chan struct{}

	mu          sync.Mutex
	closeFrames [][]byte
	closeOnce   sync.Once
	hangupOnce  sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		written: make(chan []byte, 1024),
		closed:  make(chan struct{}),
	}
}

func newBlockingTransport() *fakeTransport {
	ft := newFakeTransport()
	ft.block = make(chan struct{})
	return ft
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case frame, ok := <-f.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, frame, nil
	case <-f.closed:
		return 0, nil, errFakeClosed
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}

	if messageType != websocket.TextMessage {
		return nil
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-f.closed:
			return errFakeClosed
		}
	}

	select {
	case f.written <- append([]byte(nil), data...):
		return nil
	case <-f.closed:
		return errFakeClosed
	}
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage {
		f.mu.Lock()
		f.closeFrames = append(f.closeFrames, data)
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeTransport) SetReadLimit(int64)                 {}
func (f *fakeTransport) SetReadDeadline(time.Time) error    { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error   { return nil }
func (f *fakeTransport) SetPongHandler(func(string) error) {}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// push queues a client frame for the server to read.
func (f *fakeTransport) push(t *testing.T, v any) {
	t.Helper()
	raw, ok := v.([]byte)
	if !ok {
		var err error
		raw, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("Failed to marshal frame: %v", err)
		}
	}
	f.inbound <- raw
}

// hangup simulates the peer going away.
func (f *fakeTransport) hangup() {
	f.hangupOnce.Do(func() { close(f.inbound) })
}

// next returns the next event the server wrote.
func (f *fakeTransport) next(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case raw := <-f.written:
		ev, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("Server wrote undecodable frame %s: %v", raw, err)
		}
		return ev
	case <-time.After(eventTimeout):
		t.Fatalf("Timed out waiting for an event")
		return nil
	}
}

// expectNone fails if the server writes anything within timeout.
func (f *fakeTransport) expectNone(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case raw := <-f.written:
		t.Fatalf("Expected no event, but received %s", raw)
	case <-time.After(timeout):
	}
}

// drain collects every event written within timeout.
func (f *fakeTransport) drain(t *testing.T, timeout time.Duration) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	deadline := time.After(timeout)
	for {
		select {
		case raw := <-f.written:
			ev, err := protocol.Decode(raw)
			if err != nil {
				t.Fatalf("Server wrote undecodable frame %s: %v", raw, err)
			}
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
}

func expectEvent[T protocol.Event](t *testing.T, f *fakeTransport) T {
	t.Helper()
	ev := f.next(t)
	got, ok := ev.(T)
	if !ok {
		var want T
		t.Fatalf("Expected %s event, got %s: %#v", want.Kind(), ev.Kind(), ev)
	}
	return got
}

func testConfig(customize func(cfg *Config)) Config {
	cfg := NewConfig()
	cfg.RateLimit.Burst = 1000
	if customize != nil {
		customize(&cfg)
	}
	return cfg.sanitize()
}

func newTestLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func newTestHub(t *testing.T, customize func(cfg *Config)) *Hub {
	t.Helper()
	log, _ := newTestLogger()
	h := NewHub(DefaultRoom, testConfig(customize), log, NewMetrics(nil))
	t.Cleanup(func() { _ = h.Shutdown(eventTimeout) })
	return h
}

// join admits name into h over a fake transport, starts its receive loop and
// consumes the frames sent during the handshake.
func join(t *testing.T, h *Hub, name string) (*Connection, *fakeTransport) {
	t.Helper()
	return joinWith(t, h, newFakeTransport(), protocol.ConnectionRequest{Username: name})
}

func joinWith(t *testing.T, h *Hub, ft *fakeTransport, req protocol.ConnectionRequest) (*Connection, *fakeTransport) {
	t.Helper()
	ft.push(t, map[string]any{
		"event_type":           protocol.KindConnectionRequest,
		"username":             req.Username,
		"subscribe_for_events": req.SubscribeForEvents,
	})

	c, err := h.Join(ft, "test")
	if err != nil {
		t.Fatalf("Join(%q) failed: %v", req.Username, err)
	}
	go c.Run()

	if ft.block == nil {
		expectEvent[protocol.ConnectionResponse](t, ft)
		if c.subscribed(protocol.KindMessageHistory) {
			expectEvent[protocol.MessageHistory](t, ft)
		}
		if c.subscribed(protocol.KindUsersOnline) {
			expectEvent[protocol.UsersOnline](t, ft)
		}
		if h.rooms != nil {
			expectEvent[protocol.RoomList](t, ft)
		}
	}
	return c, ft
}

func chat(text string) map[string]any {
	return map[string]any{"event_type": protocol.KindMessage, "message": text}
}

// waitFor polls cond until it holds or the event timeout passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
