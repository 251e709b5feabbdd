// Package relay forwards bytes from a session's shell channel to whichever
// tabs are subscribed, keyed by session ID. Delivery preserves the order
// produced by the transport, and each subscriber's close notification fires
// exactly once per channel lifetime.
//
// A bounded scrollback buffer per channel lets a tab that attaches late
// replay output it missed.
package relay

import (
	"sync"
)

// defaultScrollbackBytes is the default per-channel scrollback cap (1 MB).
const defaultScrollbackBytes = 1024 * 1024

// DataFunc receives a chunk of channel output.
type DataFunc func(p []byte)

// ClosedFunc is invoked once when the channel closes. No DataFunc calls
// follow it.
type ClosedFunc func()

type subscriber struct {
	onData   DataFunc
	onClosed ClosedFunc
}

type channel struct {
	mu         sync.Mutex
	subs       map[uint64]*subscriber
	nextSub    uint64
	scrollback []byte
	closed     bool

	// deliverMu serializes callback invocation so chunks are observed in
	// publish order even while subscribers come and go.
	deliverMu sync.Mutex
}

// Relay multiplexes channel output to subscribers across all sessions.
type Relay struct {
	mu             sync.Mutex
	channels       map[string]*channel
	scrollbackSize int
}

// New creates a Relay. scrollbackSize <= 0 selects the default cap.
func New(scrollbackSize int) *Relay {
	if scrollbackSize <= 0 {
		scrollbackSize = defaultScrollbackBytes
	}
	return &Relay{
		channels:       make(map[string]*channel),
		scrollbackSize: scrollbackSize,
	}
}

func (r *Relay) get(sessionID string) *channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[sessionID]
	if !ok {
		ch = &channel{subs: make(map[uint64]*subscriber)}
		r.channels[sessionID] = ch
	}
	return ch
}

// Reset discards any previous channel state for the session and begins a
// fresh channel lifetime. Called when a session's transport is (re)built.
func (r *Relay) Reset(sessionID string) {
	r.CloseChannel(sessionID)
	r.mu.Lock()
	r.channels[sessionID] = &channel{subs: make(map[uint64]*subscriber)}
	r.mu.Unlock()
}

// Subscribe attaches a consumer to the session's channel. It returns the
// scrollback accumulated so far (replayed output) and an unsubscribe
// function that is safe to call multiple times and from within a callback.
//
// Subscribing to an already closed channel invokes onClosed immediately.
func (r *Relay) Subscribe(sessionID string, onData DataFunc, onClosed ClosedFunc) ([]byte, func()) {
	ch := r.get(sessionID)

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		if onClosed != nil {
			onClosed()
		}
		return nil, func() {}
	}
	id := ch.nextSub
	ch.nextSub++
	ch.subs[id] = &subscriber{onData: onData, onClosed: onClosed}
	replay := make([]byte, len(ch.scrollback))
	copy(replay, ch.scrollback)
	ch.mu.Unlock()

	return replay, func() {
		ch.mu.Lock()
		delete(ch.subs, id)
		ch.mu.Unlock()
	}
}

// Publish delivers a chunk to all current subscribers of the session's
// channel, in publish order, and appends it to the scrollback. Chunks
// published after the channel closed are dropped.
func (r *Relay) Publish(sessionID string, p []byte) {
	ch := r.get(sessionID)

	ch.deliverMu.Lock()
	defer ch.deliverMu.Unlock()

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.scrollback = append(ch.scrollback, p...)
	if len(ch.scrollback) > r.scrollbackSize {
		ch.scrollback = ch.scrollback[len(ch.scrollback)-r.scrollbackSize:]
	}
	subs := make([]*subscriber, 0, len(ch.subs))
	for _, s := range ch.subs {
		subs = append(subs, s)
	}
	ch.mu.Unlock()

	for _, s := range subs {
		if s.onData != nil {
			s.onData(p)
		}
	}
}

// CloseChannel ends the session's channel lifetime. Each subscriber's
// onClosed fires exactly once; subsequent closes are no-ops.
func (r *Relay) CloseChannel(sessionID string) {
	r.mu.Lock()
	ch, ok := r.channels[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	ch.deliverMu.Lock()
	defer ch.deliverMu.Unlock()

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	subs := make([]*subscriber, 0, len(ch.subs))
	for _, s := range ch.subs {
		subs = append(subs, s)
	}
	ch.subs = make(map[uint64]*subscriber)
	ch.mu.Unlock()

	for _, s := range subs {
		if s.onClosed != nil {
			s.onClosed()
		}
	}
}

// Remove drops all state for a session's channel, closing it first.
func (r *Relay) Remove(sessionID string) {
	r.CloseChannel(sessionID)
	r.mu.Lock()
	delete(r.channels, sessionID)
	r.mu.Unlock()
}

// Scrollback returns a copy of the channel's buffered output.
func (r *Relay) Scrollback(sessionID string) []byte {
	r.mu.Lock()
	ch, ok := r.channels[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]byte, len(ch.scrollback))
	copy(out, ch.scrollback)
	return out
}
