package remotefs

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/portsidehq/portside/internal/relay"
	"github.com/portsidehq/portside/internal/session"
	"github.com/portsidehq/portside/internal/transport"
)

// scriptedTransport records every command line and answers them from a
// caller-provided script.
type scriptedTransport struct {
	mu       sync.Mutex
	commands []string
	stdins   map[string]string
	respond  func(cmd string) (transport.ExecResult, error)
	done     chan struct{}
	once     sync.Once
}

func newScriptedTransport(respond func(cmd string) (transport.ExecResult, error)) *scriptedTransport {
	return &scriptedTransport{
		stdins:  make(map[string]string),
		respond: respond,
		done:    make(chan struct{}),
	}
}

type nopShell struct{}

func (nopShell) Write(p []byte) (int, error)    { return len(p), nil }
func (nopShell) Resize(cols, rows uint16) error { return nil }
func (nopShell) Close() error                   { return nil }

func (s *scriptedTransport) OpenShell(cols, rows uint16) (transport.ShellChannel, io.Reader, error) {
	r, _ := io.Pipe()
	return nopShell{}, r, nil
}

func (s *scriptedTransport) Exec(ctx context.Context, commandLine string) (transport.ExecResult, error) {
	s.mu.Lock()
	s.commands = append(s.commands, commandLine)
	s.mu.Unlock()
	if s.respond != nil {
		return s.respond(commandLine)
	}
	return transport.ExecResult{}, nil
}

func (s *scriptedTransport) ExecInput(ctx context.Context, commandLine string, input io.Reader) error {
	data, err := io.ReadAll(input)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.commands = append(s.commands, commandLine)
	s.stdins[commandLine] = string(data)
	s.mu.Unlock()
	return nil
}

func (s *scriptedTransport) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *scriptedTransport) Done() <-chan struct{} { return s.done }

func (s *scriptedTransport) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

func (s *scriptedTransport) recordedWith(substr string) []string {
	var out []string
	for _, c := range s.recorded() {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}

type recordedOp struct {
	SessionID, Kind, Target, Outcome, Detail string
}

type fakeAuditor struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (a *fakeAuditor) RecordOperation(sessionID, kind, target, outcome, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops = append(a.ops, recordedOp{sessionID, kind, target, outcome, detail})
}

type refreshRecorder struct {
	mu   sync.Mutex
	dirs []string
}

func (r *refreshRecorder) refresh(sessionID, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append(r.dirs, dir)
}

func (r *refreshRecorder) seen(dir string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.dirs {
		if d == dir {
			return true
		}
	}
	return false
}

// newTestOrchestrator wires an Orchestrator to a registry whose sessions
// are backed by scripted transports, one per connected session ID.
func newTestOrchestrator(t *testing.T, respond func(cmd string) (transport.ExecResult, error), sessionIDs ...string) (*Orchestrator, map[string]*scriptedTransport, *refreshRecorder) {
	t.Helper()

	transports := make(map[string]*scriptedTransport)
	var mu sync.Mutex
	var nextID string

	reg := session.NewRegistry(func(ctx context.Context, cfg transport.HostConfig) (transport.Transport, error) {
		st := newScriptedTransport(respond)
		mu.Lock()
		transports[nextID] = st
		mu.Unlock()
		return st, nil
	}, relay.New(0))

	for _, id := range sessionIDs {
		mu.Lock()
		nextID = id
		mu.Unlock()
		if _, err := reg.Ensure(context.Background(), id, transport.HostConfig{Host: "h"}); err != nil {
			t.Fatalf("Ensure %s: %v", id, err)
		}
	}

	orch := NewOrchestrator(reg)
	rec := &refreshRecorder{}
	orch.SetRefreshFunc(rec.refresh)
	return orch, transports, rec
}

// respondOK answers every command with exit 0 and no output.
func respondOK(cmd string) (transport.ExecResult, error) {
	return transport.ExecResult{}, nil
}
