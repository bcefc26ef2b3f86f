package rooms

import "sync"

// MaxHistoryMessages is the number of recent messages retained per room.
// The history backs the context snapshot attached to user reports.
const MaxHistoryMessages = 5

// HistoryEntry is a single message retained in a room's ring buffer.
type HistoryEntry struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	Ts        int64  `json:"ts"`
}

// History stores the last N messages per room in memory.
// It is goroutine-safe and uses a ring buffer internally.
type History struct {
	mu      sync.RWMutex
	buffers map[string]*ringBuffer // room slug -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of HistoryEntry.
type ringBuffer struct {
	items []HistoryEntry
	pos   int
	count int
}

// NewHistory creates a new empty History.
func NewHistory() *History {
	return &History{
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends a message to the room's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (h *History) Add(room string, entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rb, ok := h.buffers[room]
	if !ok {
		rb = &ringBuffer{
			items: make([]HistoryEntry, MaxHistoryMessages),
		}
		h.buffers[room] = rb
	}

	rb.items[rb.pos] = entry
	rb.pos = (rb.pos + 1) % MaxHistoryMessages
	if rb.count < MaxHistoryMessages {
		rb.count++
	}
}

// Recent returns the last N messages for a room in chronological order
// (oldest first). Returns an empty slice if the room has no buffer.
func (h *History) Recent(room string) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rb, ok := h.buffers[room]
	if !ok {
		return []HistoryEntry{}
	}

	result := make([]HistoryEntry, rb.count)
	// The oldest message is at position (pos - count) mod MaxHistoryMessages.
	start := (rb.pos - rb.count + MaxHistoryMessages) % MaxHistoryMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxHistoryMessages]
	}
	return result
}

// Remove deletes the buffer for a room (called when its last member leaves).
func (h *History) Remove(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.buffers, room)
}
