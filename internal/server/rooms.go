package server

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BusterWarn/WebSockets-Workshop/internal/protocol"
)

// Registry owns one Hub per room. Rooms are created on first reference and
// live for the rest of the process.
type Registry struct {
	cfg     Config
	log     *zap.Logger
	metrics *Metrics

	mu    sync.Mutex
	rooms map[string]*Hub
}

// NewRegistry returns a registry holding only DefaultRoom.
func NewRegistry(cfg Config, log *zap.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	r := &Registry{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		rooms:   make(map[string]*Hub),
	}
	r.ensure(DefaultRoom, "")
	return r
}

// Room returns the hub for name, creating it if needed. The empty name is
// DefaultRoom.
func (r *Registry) Room(name string) (*Hub, error) {
	normalized, err := NormalizeRoomName(name)
	if err != nil {
		return nil, err
	}
	hub, _ := r.ensure(normalized, "")
	return hub, nil
}

// ensure returns the hub for an already normalized name and reports whether
// it was created by this call. Creation is announced to every room.
func (r *Registry) ensure(name, by string) (*Hub, bool) {
	r.mu.Lock()
	hub, ok := r.rooms[name]
	if !ok {
		hub = NewHub(name, r.cfg, r.log, r.metrics)
		hub.rooms = r
		r.rooms[name] = hub
	}
	r.mu.Unlock()

	if ok {
		return hub, false
	}

	r.log.Info("room created", zap.String("room", name), zap.String("by", by))
	r.Announce(protocol.RoomCreated{Room: protocol.RoomInfo{RoomName: name}, Username: by})
	return hub, true
}

// Names lists the rooms with DefaultRoom first and the rest sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		if name != DefaultRoom {
			names = append(names, name)
		}
	}
	_, hasDefault := r.rooms[DefaultRoom]
	r.mu.Unlock()

	sort.Strings(names)
	if hasDefault {
		names = append([]string{DefaultRoom}, names...)
	}
	return names
}

func (r *Registry) roomInfos() []protocol.RoomInfo {
	names := r.Names()
	infos := make([]protocol.RoomInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, protocol.RoomInfo{RoomName: name})
	}
	return infos
}

func (r *Registry) hubs() []*Hub {
	r.mu.Lock()
	defer r.mu.Unlock()

	hubs := make([]*Hub, 0, len(r.rooms))
	for _, hub := range r.rooms {
		hubs = append(hubs, hub)
	}
	return hubs
}

// Announce server-broadcasts ev in every room.
func (r *Registry) Announce(ev protocol.Event) {
	for _, hub := range r.hubs() {
		hub.ServerBroadcast(ev)
	}
}

// PostMessage validates a chat line submitted outside any WebSocket and
// broadcasts it to every connection in room, attributed to username.
func (r *Registry) PostMessage(room, username, text string) error {
	name, err := NormalizeUsername(username)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if err := ValidateMessage(text); err != nil {
		return err
	}

	hub, err := r.Room(room)
	if err != nil {
		return err
	}
	hub.ServerBroadcast(protocol.ChatMessage{Username: name, Text: text})
	return nil
}

// Shutdown closes every room's connections, sharing one timeout between them.
func (r *Registry) Shutdown(timeout time.Duration) error {
	hubs := r.hubs()

	errs := make(chan error, len(hubs))
	for _, hub := range hubs {
		go func(h *Hub) {
			errs <- h.Shutdown(timeout)
		}(hub)
	}

	var result error
	for range hubs {
		result = errors.Join(result, <-errs)
	}
	return result
}
