package broker

import "sync"

// DefaultHistoryCapacity is the number of recent messages retained per
// room when no explicit capacity is configured.
const DefaultHistoryCapacity = 5

// History keeps the most recent messages for each room in a
// fixed-capacity FIFO ring. A room's buffer is created lazily on first
// append and is never reclaimed, even if the room empties out.
// All methods are safe for concurrent use.
type History struct {
	mu       sync.RWMutex
	capacity int
	rooms    map[string][]Message
}

// NewHistory creates an empty History retaining up to capacity messages
// per room. A capacity <= 0 falls back to DefaultHistoryCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		capacity: capacity,
		rooms:    make(map[string][]Message),
	}
}

// Capacity returns the per-room retention limit.
func (h *History) Capacity() int {
	return h.capacity
}

// Append records msg as the newest entry in the room's buffer, evicting
// the oldest entry once the buffer exceeds capacity.
func (h *History) Append(room string, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := append(h.rooms[room], msg)
	if len(buf) > h.capacity {
		buf = buf[len(buf)-h.capacity:]
	}
	h.rooms[room] = buf
}

// Snapshot returns a copy of the room's buffered messages, oldest
// first. The result is empty for a room that has never had a publish.
func (h *History) Snapshot(room string) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	buf := h.rooms[room]
	out := make([]Message, len(buf))
	copy(out, buf)
	return out
}
