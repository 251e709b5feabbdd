// Package session owns the client-side session objects: one authenticated
// transport per session ID plus its long-lived shell channel. The Registry
// is the only owner of Session objects; status transitions happen through
// the registry's connect/disconnect/reconnect paths and nowhere else.
//
// A broken transport moves its session to Disconnected and stays there.
// Reconnection is never automatic: it happens only when a caller invokes
// Reconnect, so an unreachable or misconfigured host cannot cause a silent
// retry storm.
package session

import (
	"fmt"
	"sync"

	"github.com/portsidehq/portside/internal/transport"
)

// Status is the lifecycle state of a session.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Session is one logical tab-group's connection to a remote host: a
// transport plus at most one shell channel. Exec and file-transfer channels
// are opened against the transport per request and never stored here.
type Session struct {
	ID string

	mu        sync.Mutex
	transport transport.Transport
	shell     transport.ShellChannel

	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed when the session is discarded. Batch operations select on
// it between items so teardown cancels the remainder of a batch.
func (s *Session) Done() <-chan struct{} { return s.done }

// Transport returns the session's transport, or SessionClosedError if the
// session has been discarded.
func (s *Session) Transport() (transport.Transport, error) {
	select {
	case <-s.done:
		return nil, &SessionClosedError{SessionID: s.ID}
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport, nil
}

// markClosed flags the session as discarded. Idempotent.
func (s *Session) markClosed() {
	s.closeOnce.Do(func() { close(s.done) })
}

// NotConnectedError reports an operation attempted against a session ID
// with no live session. Recoverable by reconnecting.
type NotConnectedError struct {
	SessionID string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("session %q is not connected", e.SessionID)
}

// SessionClosedError reports a race between session teardown and an
// in-flight operation. Treated as cancellation, not corruption.
type SessionClosedError struct {
	SessionID string
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("session %q closed during operation", e.SessionID)
}
