package server

import (
	"sync"

	"github.com/BusterWarn/WebSockets-Workshop/internal/protocol"
)

// History is the ordered log of chat lines delivered in one room. With a
// positive limit it keeps only the newest limit entries; zero keeps all.
type History struct {
	mu      sync.RWMutex
	limit   int
	entries []protocol.HistoryEntry
	start   int // index of the oldest entry once the ring is full
}

// NewHistory returns an empty log holding at most limit entries.
func NewHistory(limit int) *History {
	if limit < 0 {
		limit = 0
	}
	return &History{limit: limit}
}

// Append records entry as the newest line, evicting the oldest one when the
// ring is full.
func (h *History) Append(entry protocol.HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.limit == 0 || len(h.entries) < h.limit {
		h.entries = append(h.entries, entry)
		return
	}
	h.entries[h.start] = entry
	h.start = (h.start + 1) % h.limit
}

// Snapshot returns a copy of the log, oldest first. It is never nil.
func (h *History) Snapshot() []protocol.HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]protocol.HistoryEntry, 0, len(h.entries))
	out = append(out, h.entries[h.start:]...)
	out = append(out, h.entries[:h.start]...)
	return out
}

// Len reports the number of retained entries.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Clear drops every entry.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
	h.start = 0
}
