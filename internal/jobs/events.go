package jobs

import (
	"sync"

	"github.com/canopyfs/canopy/internal/store"
)

// Event is a progress or lifecycle update for one job.
type Event struct {
	JobID  string         `json:"jobId"`
	Status string         `json:"status"`
	Stats  store.JobStats `json:"stats"`
	Error  string         `json:"error,omitempty"`
}

// Hub fans job events out to subscribers. Slow subscribers drop events
// rather than blocking the publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]string
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]string)}
}

// Subscribe registers a channel for events of one job, or all jobs when
// jobID is empty. The returned cancel func must be called to release it.
func (h *Hub) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	h.mu.Lock()
	h.subs[ch] = jobID
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Publish delivers an event to matching subscribers without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch, want := range h.subs {
		if want != "" && want != ev.JobID {
			continue
		}

		select {
		case ch <- ev:
		default:
		}
	}
}
