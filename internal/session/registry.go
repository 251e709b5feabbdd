package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/portsidehq/portside/internal/logutil"
	"github.com/portsidehq/portside/internal/relay"
	"github.com/portsidehq/portside/internal/transport"
)

// Default shell dimensions used until the first resize arrives.
const (
	defaultShellCols uint16 = 80
	defaultShellRows uint16 = 24
)

// MaxShellCols and MaxShellRows bound resize requests.
const (
	MaxShellCols uint16 = 500
	MaxShellRows uint16 = 500
)

// Dialer opens a transport to a host. Production wiring uses transport.Dial;
// tests substitute a fake.
type Dialer func(ctx context.Context, cfg transport.HostConfig) (transport.Transport, error)

// Registry maps session IDs to Sessions. It creates sessions lazily on
// Ensure, tears them down on Disconnect, and rebuilds them on Reconnect.
// It is the exclusive owner of Session objects.
type Registry struct {
	dial  Dialer
	relay *relay.Relay

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex

	tracker *stateTracker
	events  *eventLog
}

// NewRegistry creates a Registry that dials with the given Dialer and
// publishes shell output through the given relay.
func NewRegistry(dial Dialer, r *relay.Relay) *Registry {
	return &Registry{
		dial:     dial,
		relay:    r,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
		tracker:  newStateTracker(),
		events:   newEventLog(),
	}
}

// lockFor returns the per-session mutex, creating it on first use. The
// per-session lock serializes connect, disconnect, and transport-closed
// handling for one ID without blocking other sessions.
func (r *Registry) lockFor(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sessionID] = l
	}
	return l
}

// Ensure returns the live session for the ID, or establishes a new one:
// dial the transport, open the shell channel, start relaying its output.
// Connection failures surface as transport.AuthenticationError,
// transport.UnreachableError, or transport.ProtocolError and are never
// retried here.
func (r *Registry) Ensure(ctx context.Context, sessionID string, cfg transport.HostConfig) (*Session, error) {
	l := r.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	if s := r.liveSession(sessionID); s != nil {
		return s, nil
	}
	return r.connectLocked(ctx, sessionID, cfg)
}

// Reconnect explicitly rebuilds the session, discarding any previous one.
// This is the only path out of a Disconnected state.
func (r *Registry) Reconnect(ctx context.Context, sessionID string, cfg transport.HostConfig) (*Session, error) {
	l := r.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	r.events.emit(Event{SessionID: sessionID, Type: EventReconnectRequested, Timestamp: time.Now(), Details: "explicit reconnect"})
	return r.connectLocked(ctx, sessionID, cfg)
}

// liveSession returns the current session if it is connected and not torn
// down, nil otherwise.
func (r *Registry) liveSession(sessionID string) *Session {
	r.mu.Lock()
	s := r.sessions[sessionID]
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
	}
	if r.tracker.getState(sessionID) != StatusConnected {
		return nil
	}
	return s
}

// connectLocked builds a fresh session. Caller holds the per-session lock.
func (r *Registry) connectLocked(ctx context.Context, sessionID string, cfg transport.HostConfig) (*Session, error) {
	// Discard any previous session object, shell channel included.
	// In-flight work against it observes the teardown and fails with
	// SessionClosedError.
	r.discardLocked(sessionID, "superseded by new connection")

	r.tracker.setState(sessionID, StatusConnecting, fmt.Sprintf("connecting to %s", cfg.Addr()))
	r.events.emit(Event{SessionID: sessionID, Type: EventConnecting, Timestamp: time.Now(), Details: cfg.Addr()})

	t, err := r.dial(ctx, cfg)
	if err != nil {
		r.tracker.setState(sessionID, StatusDisconnected, fmt.Sprintf("connect failed: %v", err))
		r.events.emit(Event{SessionID: sessionID, Type: EventConnectFailed, Timestamp: time.Now(), Details: err.Error()})
		return nil, err
	}

	shell, output, err := t.OpenShell(defaultShellCols, defaultShellRows)
	if err != nil {
		t.Close()
		r.tracker.setState(sessionID, StatusDisconnected, fmt.Sprintf("shell open failed: %v", err))
		r.events.emit(Event{SessionID: sessionID, Type: EventConnectFailed, Timestamp: time.Now(), Details: err.Error()})
		return nil, fmt.Errorf("open shell for session %s: %w", logutil.SanitizeForLog(sessionID), err)
	}

	s := &Session{
		ID:        sessionID,
		transport: t,
		shell:     shell,
		done:      make(chan struct{}),
	}

	// Fresh relay channel lifetime for the new transport.
	r.relay.Reset(sessionID)

	r.mu.Lock()
	r.sessions[sessionID] = s
	r.mu.Unlock()

	// Shell output pump: transport order is delivery order.
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := output.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				r.relay.Publish(sessionID, chunk)
			}
			if readErr != nil {
				return
			}
		}
	}()

	// Transport closure watcher. No automatic reconnect.
	go func() {
		select {
		case <-t.Done():
			r.transportClosed(s)
		case <-s.done:
		}
	}()

	r.tracker.setState(sessionID, StatusConnected, fmt.Sprintf("connected to %s", cfg.Addr()))
	r.events.emit(Event{SessionID: sessionID, Type: EventConnected, Timestamp: time.Now(), Details: cfg.Addr()})
	log.Printf("[session] %s connected to %s", logutil.SanitizeForLog(sessionID), cfg.Addr())
	return s, nil
}

// discardLocked tears down the current session object for the ID, if any.
// The map entry is removed; state history is retained. Caller holds the
// per-session lock.
func (r *Registry) discardLocked(sessionID, reason string) {
	r.mu.Lock()
	s := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if s == nil {
		return
	}

	s.markClosed()
	s.mu.Lock()
	shell, t := s.shell, s.transport
	s.mu.Unlock()
	if shell != nil {
		shell.Close()
	}
	if t != nil {
		t.Close()
	}
	r.relay.CloseChannel(sessionID)
	log.Printf("[session] %s discarded (%s)", logutil.SanitizeForLog(sessionID), reason)
}

// transportClosed handles an unsolicited transport closure. The session
// moves to Disconnected and stays there until an explicit reconnect.
func (r *Registry) transportClosed(s *Session) {
	// A session that is no longer current can never become current again;
	// bail before lockFor so a forgotten ID's lock entry is not recreated.
	r.mu.Lock()
	stale := r.sessions[s.ID] != s
	r.mu.Unlock()
	if stale {
		return
	}

	l := r.lockFor(s.ID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	current := r.sessions[s.ID] == s
	if current {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()
	if !current {
		// Already discarded or replaced; nothing to report.
		return
	}

	s.markClosed()
	r.relay.CloseChannel(s.ID)
	r.tracker.setState(s.ID, StatusDisconnected, "transport closed")
	r.events.emit(Event{SessionID: s.ID, Type: EventDisconnected, Timestamp: time.Now(), Details: "transport closed"})
	log.Printf("[session] %s transport closed", logutil.SanitizeForLog(s.ID))
}

// Disconnect closes the session's transport and removes the session.
// Idempotent: disconnecting an unknown ID is a no-op.
func (r *Registry) Disconnect(sessionID string) {
	l := r.lockFor(sessionID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	_, exists := r.sessions[sessionID]
	r.mu.Unlock()
	if !exists {
		return
	}

	r.discardLocked(sessionID, "explicit disconnect")
	r.tracker.setState(sessionID, StatusDisconnected, "explicit disconnect")
	r.events.emit(Event{SessionID: sessionID, Type: EventDisconnected, Timestamp: time.Now(), Details: "explicit disconnect"})
}

// Lookup returns the live session for an ID. Callers must look sessions up
// at the moment of use rather than caching them across callbacks.
func (r *Registry) Lookup(sessionID string) (*Session, error) {
	if s := r.liveSession(sessionID); s != nil {
		return s, nil
	}
	return nil, &NotConnectedError{SessionID: sessionID}
}

// WriteInput forwards keystrokes to the session's shell channel.
func (r *Registry) WriteInput(sessionID string, p []byte) error {
	s, err := r.Lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	shell := s.shell
	s.mu.Unlock()
	if shell == nil {
		return &NotConnectedError{SessionID: sessionID}
	}
	_, err = shell.Write(p)
	return err
}

// Resize updates the shell channel's terminal dimensions. A session without
// a shell channel makes this a no-op.
func (r *Registry) Resize(sessionID string, rows, cols uint16) error {
	s := r.liveSession(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	shell := s.shell
	s.mu.Unlock()
	if shell == nil {
		return nil
	}
	if cols > MaxShellCols {
		cols = MaxShellCols
	}
	if rows > MaxShellRows {
		rows = MaxShellRows
	}
	return shell.Resize(cols, rows)
}

// Status returns the tracked status for a session ID.
func (r *Registry) Status(sessionID string) Status {
	return r.tracker.getState(sessionID)
}

// Transitions returns the recent status transition history, oldest first.
func (r *Registry) Transitions(sessionID string) []StateTransition {
	return r.tracker.getTransitions(sessionID)
}

// Events returns the session's lifecycle event history, oldest first.
func (r *Registry) Events(sessionID string) []Event {
	return r.events.history(sessionID)
}

// OnStateChange registers a status change callback.
func (r *Registry) OnStateChange(cb StateChangeCallback) {
	r.tracker.onStateChange(cb)
}

// OnEvent registers a session event listener.
func (r *Registry) OnEvent(l EventListener) {
	r.events.onEvent(l)
}

// Forget drops all tracked state for a session ID after disconnecting it.
// Used when a tab is closed for good. The per-session lock entry is dropped
// too so forgotten IDs do not accumulate in a long-lived process.
func (r *Registry) Forget(sessionID string) {
	r.Disconnect(sessionID)
	r.tracker.remove(sessionID)
	r.events.remove(sessionID)
	r.relay.Remove(sessionID)
	r.mu.Lock()
	delete(r.locks, sessionID)
	r.mu.Unlock()
}

// CloseAll disconnects every session. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Disconnect(id)
	}
	if len(ids) > 0 {
		log.Printf("[session] closed all %d session(s)", len(ids))
	}
}

// SessionIDs returns the IDs of all sessions currently held.
func (r *Registry) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SessionCount returns the number of sessions currently held.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
