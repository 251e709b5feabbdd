// events.go implements the session event log: a per-session ring buffer of
// lifecycle events (100 entries) plus synchronous listeners. It complements
// the transition history in state.go, which tracks status changes, by
// recording individual actions and their outcomes.

package session

import (
	"sync"
	"time"
)

// eventBufferSize is the maximum number of events stored per session.
const eventBufferSize = 100

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventConnecting         EventType = "connecting"
	EventConnected          EventType = "connected"
	EventDisconnected       EventType = "disconnected"
	EventConnectFailed      EventType = "connect_failed"
	EventReconnectRequested EventType = "reconnect_requested"
)

// Event is one session lifecycle event.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// EventListener receives session events. Listeners are called synchronously;
// long-running handlers should spawn goroutines.
type EventListener func(event Event)

type eventBuffer struct {
	events [eventBufferSize]Event
	head   int
	count  int
}

func (b *eventBuffer) record(event Event) {
	b.events[b.head] = event
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

func (b *eventBuffer) history() []Event {
	if b.count == 0 {
		return nil
	}
	result := make([]Event, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}

type eventLog struct {
	mu        sync.RWMutex
	buffers   map[string]*eventBuffer
	listeners []EventListener
}

func newEventLog() *eventLog {
	return &eventLog{buffers: make(map[string]*eventBuffer)}
}

func (el *eventLog) emit(event Event) {
	el.mu.Lock()
	buf, ok := el.buffers[event.SessionID]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[event.SessionID] = buf
	}
	buf.record(event)
	listeners := make([]EventListener, len(el.listeners))
	copy(listeners, el.listeners)
	el.mu.Unlock()

	for _, l := range listeners {
		l(event)
	}
}

func (el *eventLog) history(sessionID string) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	buf, ok := el.buffers[sessionID]
	if !ok {
		return nil
	}
	return buf.history()
}

func (el *eventLog) onEvent(l EventListener) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.listeners = append(el.listeners, l)
}

func (el *eventLog) remove(sessionID string) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.buffers, sessionID)
}
