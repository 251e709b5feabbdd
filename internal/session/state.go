// state.go tracks per-session status with a bounded transition history.
//
// Transitions are recorded in a fixed-size ring buffer (50 entries) per
// session ID for debugging, and registered callbacks fire on every change.
// The tracker outlives Session objects: a disconnected session keeps its
// history even after the registry drops the entry.

package session

import (
	"sync"
	"time"
)

// stateTransitionBufferSize is the maximum number of transitions retained
// per session.
const stateTransitionBufferSize = 50

// StateTransition records a single status change.
type StateTransition struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChangeCallback is invoked on every status change. Callbacks run
// synchronously; long-running handlers should spawn goroutines.
type StateChangeCallback func(sessionID string, from, to Status)

type stateEntry struct {
	current     Status
	transitions [stateTransitionBufferSize]StateTransition
	head        int
	count       int
}

func (e *stateEntry) record(from, to Status, reason string) {
	e.transitions[e.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	e.head = (e.head + 1) % stateTransitionBufferSize
	if e.count < stateTransitionBufferSize {
		e.count++
	}
}

// history returns transitions in chronological order, oldest first.
func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}
	result := make([]StateTransition, e.count)
	if e.count < stateTransitionBufferSize {
		copy(result, e.transitions[:e.count])
	} else {
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

type stateTracker struct {
	mu        sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]*stateEntry)}
}

// setState updates a session's status, records the transition, and invokes
// callbacks. No-op if the status is unchanged.
func (st *stateTracker) setState(sessionID string, status Status, reason string) {
	st.mu.Lock()
	entry, ok := st.states[sessionID]
	if !ok {
		entry = &stateEntry{current: StatusDisconnected}
		st.states[sessionID] = entry
	}
	from := entry.current
	if from == status {
		st.mu.Unlock()
		return
	}
	entry.current = status
	entry.record(from, status, reason)

	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(sessionID, from, status)
	}
}

func (st *stateTracker) getState(sessionID string) Status {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[sessionID]
	if !ok {
		return StatusDisconnected
	}
	return entry.current
}

func (st *stateTracker) getTransitions(sessionID string) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[sessionID]
	if !ok {
		return nil
	}
	return entry.history()
}

func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

func (st *stateTracker) remove(sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.states, sessionID)
}
