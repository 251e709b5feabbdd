package handlers

import (
	"sync"

	"github.com/portsidehq/portside/internal/session"
)

// streamNotice is a control frame pushed to attached stream sockets as a
// text message, distinct from the binary terminal output.
type streamNotice struct {
	Type    string `json:"type"`
	Dir     string `json:"dir,omitempty"`
	Status  string `json:"status,omitempty"`
	Event   string `json:"event,omitempty"`
	Details string `json:"details,omitempty"`
}

// notifyHub fans per-session control notices out to every attached stream.
// Callbacks are copied under the lock and invoked outside it.
type notifyHub struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func(streamNotice)
}

var notices = &notifyHub{subs: make(map[string]map[int]func(streamNotice))}

func (h *notifyHub) subscribe(sessionID string, fn func(streamNotice)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]func(streamNotice))
	}
	h.subs[sessionID][id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[sessionID], id)
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
	}
}

func (h *notifyHub) publish(sessionID string, n streamNotice) {
	h.mu.Lock()
	fns := make([]func(streamNotice), 0, len(h.subs[sessionID]))
	for _, fn := range h.subs[sessionID] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

// NotifyRefresh tells every stream attached to the session that the
// directory's listing may have changed. Installed as the orchestrator's
// refresh hook, so mutating file operations fire it on success and failure
// alike.
func NotifyRefresh(sessionID, dir string) {
	notices.publish(sessionID, streamNotice{Type: "refresh", Dir: dir})
}

// NotifyStatus pushes a connection status change to attached streams.
func NotifyStatus(sessionID string, status session.Status) {
	notices.publish(sessionID, streamNotice{Type: "status", Status: status.String()})
}

// NotifyEvent pushes a session lifecycle event to attached streams.
func NotifyEvent(ev session.Event) {
	notices.publish(ev.SessionID, streamNotice{Type: "event", Event: string(ev.Type), Details: ev.Details})
}
