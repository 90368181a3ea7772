package chat

import (
	"sync"
	"time"
)

type entry struct {
	msg     Message
	expires time.Time
}

// History keeps messages for a fixed time after they were added.
type History struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries []entry
}

func NewHistory(ttl time.Duration) *History {
	return &History{ttl: ttl, now: time.Now}
}

func (h *History) Add(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry{msg: m, expires: h.now().Add(h.ttl)})
}

// Messages returns the live messages in insertion order.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	out := make([]Message, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.msg
	}
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	return len(h.entries)
}

func (h *History) Clear() {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
}

func (h *History) pruneLocked() {
	if h.ttl <= 0 {
		return
	}
	now := h.now()
	keep := h.entries[:0]
	for _, e := range h.entries {
		if now.Before(e.expires) {
			keep = append(keep, e)
		}
	}
	h.entries = keep
}
