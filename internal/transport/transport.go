// Package transport provides the secure-transport primitive underneath a
// session: one authenticated connection to a remote host, over which shell,
// exec, and file-transfer channels are multiplexed.
//
// The Transport interface abstracts the SSH implementation so the session
// registry and the file-operation orchestrator can be tested against an
// in-memory fake.
package transport

import (
	"context"
	"fmt"
	"io"
	"time"
)

// DefaultConnectTimeout bounds connection establishment. There is no
// operation timeout above this; a hung remote command blocks its caller.
const DefaultConnectTimeout = 20 * time.Second

// HostConfig holds everything needed to open a transport to one host.
type HostConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	PrivateKeyPEM []byte
	KeyPassphrase string

	// ConnectTimeout defaults to DefaultConnectTimeout when zero.
	ConnectTimeout time.Duration
}

// Addr returns the host:port dial address.
func (c HostConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ExecResult is the outcome of a one-shot exec channel.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ShellChannel is the long-lived interactive shell channel of a transport.
// It is single-writer: only the owning tab writes keystrokes and resizes.
type ShellChannel interface {
	io.Writer
	Resize(cols, rows uint16) error
	Close() error
}

// Transport is one authenticated connection to a remote host.
// Exec and ExecInput open short-lived channels that are closed when the
// call returns; OpenShell opens the single long-lived shell channel.
type Transport interface {
	// OpenShell starts the interactive shell with the given dimensions and
	// returns the channel plus a reader producing the shell's output bytes.
	OpenShell(cols, rows uint16) (ShellChannel, io.Reader, error)

	// Exec runs a command line on a fresh channel and waits for it.
	// A non-zero remote exit code is reported in ExecResult, not as an error;
	// the error return is reserved for transport-level failures.
	Exec(ctx context.Context, commandLine string) (ExecResult, error)

	// ExecInput runs a command line with the given reader piped to its stdin.
	ExecInput(ctx context.Context, commandLine string, input io.Reader) error

	// Close tears down the connection and all channels on it.
	Close() error

	// Done is closed when the underlying connection ends, whether by Close
	// or by a transport failure.
	Done() <-chan struct{}
}

// AuthenticationError reports rejected credentials during connection
// establishment. Never retried automatically.
type AuthenticationError struct {
	Addr string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Addr, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// UnreachableError reports a dial failure or connect timeout.
type UnreachableError struct {
	Addr string
	Err  error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("host %s unreachable: %v", e.Addr, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// ProtocolError reports an unexpected handshake failure that is neither an
// authentication rejection nor a dial failure.
type ProtocolError struct {
	Addr string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error with %s: %v", e.Addr, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
