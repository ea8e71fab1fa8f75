package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/BusterWarn/WebSockets-Workshop/internal/protocol"
)

func entry(i int) protocol.HistoryEntry {
	return protocol.HistoryEntry{
		Username:  "user",
		Message:   fmt.Sprintf("line %d", i),
		Timestamp: time.Unix(int64(i), 0).UTC(),
	}
}

// TestHistoryEvictsOldest tests that a bounded history keeps the newest
// entries in order once it wraps around.
func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := range 7 {
		h.Append(entry(i))
	}

	got := h.Snapshot()
	if len(got) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(got))
	}
	for i, want := range []string{"line 4", "line 5", "line 6"} {
		if got[i].Message != want {
			t.Errorf("Entry %d = %q, want %q", i, got[i].Message, want)
		}
	}
}

func TestHistoryUnbounded(t *testing.T) {
	h := NewHistory(0)
	for i := range 1000 {
		h.Append(entry(i))
	}
	if h.Len() != 1000 {
		t.Errorf("Expected 1000 entries, got %d", h.Len())
	}
	if first := h.Snapshot()[0].Message; first != "line 0" {
		t.Errorf("Expected oldest entry first, got %q", first)
	}
}

func TestHistorySnapshotIsCopy(t *testing.T) {
	h := NewHistory(2)
	h.Append(entry(1))

	snap := h.Snapshot()
	snap[0].Message = "changed"

	if got := h.Snapshot()[0].Message; got != "line 1" {
		t.Errorf("Snapshot mutation leaked into history: %q", got)
	}
}

func TestHistoryClear(t *testing.T) {
	h := NewHistory(2)
	for i := range 5 {
		h.Append(entry(i))
	}
	h.Clear()

	snap := h.Snapshot()
	if snap == nil {
		t.Error("Expected a non-nil snapshot after Clear")
	}
	if len(snap) != 0 {
		t.Errorf("Expected empty history, got %d entries", len(snap))
	}

	h.Append(entry(9))
	h.Append(entry(10))
	h.Append(entry(11))
	got := h.Snapshot()
	if len(got) != 2 || got[0].Message != "line 10" || got[1].Message != "line 11" {
		t.Errorf("Unexpected entries after refill: %+v", got)
	}
}
