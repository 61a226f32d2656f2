// Package stream is the in-process fan-out used by the reviewer live feed.
// Slow subscribers lose events rather than stall publishers.
package stream

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, requestID string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			raw = b
		}
	}
	return Event{Type: eventType, RequestID: requestID, At: time.Now().UTC(), Data: raw}
}

// Subscription receives events whose type starts with one of its prefixes.
// An empty prefix list receives everything.
type Subscription struct {
	C        chan Event
	prefixes []string
}

func (s *Subscription) wants(eventType string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	dropped atomic.Uint64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{subs: map[*Subscription]struct{}{}, buffer: buffer}
}

func (h *Hub) Subscribe(prefixes ...string) *Subscription {
	sub := &Subscription{C: make(chan Event, h.buffer), prefixes: prefixes}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe is idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if ok {
		close(sub.C)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.C <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts deliveries skipped because a subscriber buffer was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
