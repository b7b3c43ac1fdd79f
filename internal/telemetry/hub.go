// Package telemetry fans trading events out to interested observers
// (dashboard, journal, notifiers). Delivery is best-effort: a slow
// subscriber drops events instead of stalling the trading cycle.
package telemetry

import (
	"log"
	"os"
	"sync"
	"time"
)

// EventType labels what a published event describes.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventSessionEnd   EventType = "session_end"
	EventCycleReport  EventType = "cycle_report"
	EventTrade        EventType = "trade"
	EventError        EventType = "error"
)

// Event is one published observation.
type Event struct {
	Type    EventType
	At      time.Time
	Payload any
}

type subscriber struct {
	id int
	ch chan Event
}

// Hub is the fan-out point. The zero value is not usable; use NewHub.
type Hub struct {
	logger *log.Logger

	mu      sync.Mutex
	subs    []subscriber
	nextID  int
	dropped uint64
}

// NewHub creates an event hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "telemetry: ", log.LstdFlags)
	}
	return &Hub{logger: logger}
}

// Subscribe registers an observer with the given channel buffer. The
// returned cancel function must be called when done; the channel is closed
// by cancel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs = append(h.subs, subscriber{id: id, ch: ch})
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		for i, s := range h.subs {
			if s.id == id {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				close(s.ch)
				break
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking. Events a
// full subscriber cannot take are dropped and counted.
func (h *Hub) Publish(typ EventType, payload any) {
	ev := Event{Type: typ, At: time.Now(), Payload: payload}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.dropped++
			if h.dropped%100 == 1 {
				h.logger.Printf("telemetry backpressure: %d events dropped so far", h.dropped)
			}
		}
	}
}

// Dropped returns how many events were discarded due to slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
