package daemon

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the operator event stream.
const (
	EventInbound   = "inbound"   // message received from the gateway
	EventReply     = "reply"     // automated reply dispatched
	EventBroadcast = "broadcast" // campaign delivery progress
	EventStatus    = "status"    // daemon/session status changes
	EventError     = "error"     // handler failures
)

// Event is one entry on the operator event stream.
type Event struct {
	Type    string `json:"type"`
	Chat    string `json:"chat,omitempty"`
	Session string `json:"session,omitempty"`
	Message string `json:"message,omitempty"`
	TS      string `json:"ts"`
}

// MarshalEvent serializes an event to JSON, stamping the time if unset.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// EventBus fans out events to connected SSE clients. Thread-safe.
// Slow subscribers drop events rather than blocking publishers; a
// small ring buffer hydrates new connections.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	recentMu  sync.RWMutex
	recent    []Event
	maxRecent int
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   200,
	}
}

// Publish sends an event to all subscribers without blocking.
func (eb *EventBus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	eb.recentMu.Lock()
	eb.recent = append(eb.recent, e)
	if len(eb.recent) > eb.maxRecent {
		eb.recent = eb.recent[len(eb.recent)-eb.maxRecent:]
	}
	eb.recentMu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for sub := range eb.subscribers {
		select {
		case sub.ch <- e:
		default:
			// subscriber too slow, drop
		}
	}
}

// Subscribe registers a new client. The caller must Unsubscribe with
// the returned done channel.
func (eb *EventBus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
	eb.mu.Lock()
	eb.subscribers[sub] = struct{}{}
	eb.mu.Unlock()
	return sub.ch, sub.done
}

func (eb *EventBus) Unsubscribe(done chan struct{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for sub := range eb.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(eb.subscribers, sub)
			return
		}
	}
}

// Recent returns up to n events from the tail of the ring buffer.
func (eb *EventBus) Recent(n int) []Event {
	eb.recentMu.RLock()
	defer eb.recentMu.RUnlock()
	if n <= 0 || n > len(eb.recent) {
		n = len(eb.recent)
	}
	out := make([]Event, n)
	copy(out, eb.recent[len(eb.recent)-n:])
	return out
}
