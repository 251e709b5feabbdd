package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/portsidehq/portside/internal/relay"
	"github.com/portsidehq/portside/internal/transport"
)

type fakeShell struct {
	mu     sync.Mutex
	input  bytes.Buffer
	cols   uint16
	rows   uint16
	closed bool
}

func (f *fakeShell) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	return f.input.Write(p)
}

func (f *fakeShell) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cols, f.rows = cols, rows
	return nil
}

func (f *fakeShell) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeShell) dims() (uint16, uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cols, f.rows
}

type fakeTransport struct {
	shell     *fakeShell
	outR      *io.PipeReader
	outW      *io.PipeWriter
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	r, w := io.Pipe()
	return &fakeTransport{outR: r, outW: w, done: make(chan struct{})}
}

func (f *fakeTransport) OpenShell(cols, rows uint16) (transport.ShellChannel, io.Reader, error) {
	f.shell = &fakeShell{cols: cols, rows: rows}
	return f.shell, f.outR, nil
}

func (f *fakeTransport) Exec(ctx context.Context, commandLine string) (transport.ExecResult, error) {
	return transport.ExecResult{}, nil
}

func (f *fakeTransport) ExecInput(ctx context.Context, commandLine string, input io.Reader) error {
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
		f.outW.Close()
	})
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

// emit pushes bytes through the fake shell's output stream.
func (f *fakeTransport) emit(s string) {
	f.outW.Write([]byte(s))
}

type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
}

func (d *fakeDialer) dial(ctx context.Context, cfg transport.HostConfig) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

func newTestRegistry(d *fakeDialer) (*Registry, *relay.Relay) {
	rl := relay.New(0)
	return NewRegistry(d.dial, rl), rl
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnsureReusesLiveSession(t *testing.T) {
	d := &fakeDialer{}
	reg, _ := newTestRegistry(d)

	s1, err := reg.Ensure(context.Background(), "alpha", transport.HostConfig{Host: "h"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	s2, err := reg.Ensure(context.Background(), "alpha", transport.HostConfig{Host: "h"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if s1 != s2 {
		t.Error("second Ensure built a new session for a live one")
	}
	if d.count() != 1 {
		t.Errorf("dialed %d times, want 1", d.count())
	}
	if got := reg.Status("alpha"); got != StatusConnected {
		t.Errorf("status = %v, want Connected", got)
	}
}

func TestTransportDropDisconnectsWithoutRedial(t *testing.T) {
	d := &fakeDialer{}
	reg, _ := newTestRegistry(d)

	if _, err := reg.Ensure(context.Background(), "alpha", transport.HostConfig{Host: "h"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	// Simulate the remote side dropping the connection.
	d.last().Close()

	waitFor(t, "disconnected state", func() bool {
		return reg.Status("alpha") == StatusDisconnected
	})

	// The registry must not dial on its own. Give any stray goroutine a
	// moment to misbehave before checking.
	time.Sleep(50 * time.Millisecond)
	if d.count() != 1 {
		t.Errorf("dialed %d times after drop, want 1 (no automatic reconnect)", d.count())
	}

	if _, err := reg.Lookup("alpha"); err == nil {
		t.Error("Lookup succeeded on a disconnected session")
	} else if !errors.As(err, new(*NotConnectedError)) {
		t.Errorf("Lookup error = %v, want NotConnectedError", err)
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	d := &fakeDialer{}
	reg, _ := newTestRegistry(d)

	s1, err := reg.Ensure(context.Background(), "alpha", transport.HostConfig{Host: "h"})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	old := d.last()

	s2, err := reg.Reconnect(context.Background(), "alpha", transport.HostConfig{Host: "h"})
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}

	if s1 == s2 {
		t.Error("Reconnect returned the old session")
	}
	if d.count() != 2 {
		t.Errorf("dialed %d times, want 2", d.count())
	}
	select {
	case <-old.Done():
	default:
		t.Error("old transport not closed by reconnect")
	}
	if got := reg.Status("alpha"); got != StatusConnected {
		t.Errorf("status = %v, want Connected", got)
	}

	found := false
	for _, ev := range reg.Events("alpha") {
		if ev.Type == EventReconnectRequested {
			found = true
		}
	}
	if !found {
		t.Error("no reconnect-requested event recorded")
	}
}

func TestOldTransportDropAfterReconnectIsIgnored(t *testing.T) {
	d := &fakeDialer{}
	reg, rl := newTestRegistry(d)

	if _, err := reg.Ensure(context.Background(), "alpha", transport.HostConfig{Host: "h"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	old := d.last()

	if _, err := reg.Reconnect(context.Background(), "alpha", transport.HostConfig{Host: "h"}); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}

	// The old transport's closure must not tear down the new session or
	// its relay channel.
	old.Close()
	time.Sleep(50 * time.Millisecond)

	if got := reg.Status("alpha"); got != StatusConnected {
		t.Errorf("status after old transport drop = %v, want Connected", got)
	}

	closed := false
	rl.Subscribe("alpha", nil, func() { closed = true })
	if closed {
		t.Error("new relay channel was closed by old transport's drop")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	reg, _ := newTestRegistry(d)

	if _, err := reg.Ensure(context.Background(), "alpha", transport.HostConfig{Host: "h"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	reg.Disconnect("alpha")
	reg.Disconnect("alpha")
	reg.Disconnect("never-connected")

	if got := reg.Status("alpha"); got != StatusDisconnected {
		t.Errorf("status = %v, want Disconnected", got)
	}

	disconnects := 0
	for _, ev := range reg.Events("alpha") {
		if ev.Type == EventDisconnected {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Errorf("recorded %d disconnect events, want 1", disconnects)
	}
}

func TestDialFailureSurfacesTypedError(t *testing.T) {
	authErr := &transport.AuthenticationError{Addr: "h:22", Err: errors.New("permission denied")}
	d := &fakeDialer{err: authErr}
	reg, _ := newTestRegistry(d)

	_, err := reg.Ensure(context.Background(), "alpha", transport.HostConfig{Host: "h"})
	if err == nil {
		t.Fatal("Ensure succeeded with failing dialer")
	}
	if !errors.As(err, new(*transport.AuthenticationError)) {
		t.Errorf("error = %v, want AuthenticationError", err)
	}
	if got := reg.Status("alpha"); got != StatusDisconnected {
		t.Errorf("status = %v, want Disconnected", got)
	}
}

func TestShellOutputFlowsToRelay(t *testing.T) {
	d := &fakeDialer{}
	reg, rl := newTestRegistry(d)

	if _, err := reg.Ensure(context.Background(), "alpha", transport.HostConfig{Host: "h"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	var mu sync.Mutex
	var got bytes.Buffer
	rl.Subscribe("alpha", func(p []byte) {
		mu.Lock()
		got.Write(p)
		mu.Unlock()
	}, nil)

	d.last().emit("hello from shell")

	waitFor(t, "shell output", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.String() == "hello from shell"
	})
}

func TestWriteInputReachesShell(t *testing.T) {
	d := &fakeDialer{}
	reg, _ := newTestRegistry(d)

	if _, err := reg.Ensure(context.Background(), "alpha", transport.HostConfig{Host: "h"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := reg.WriteInput("alpha", []byte("ls\n")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}

	shell := d.last().shell
	shell.mu.Lock()
	defer shell.mu.Unlock()
	if shell.input.String() != "ls\n" {
		t.Errorf("shell received %q", shell.input.String())
	}
}

func TestWriteInputWithoutSessionFails(t *testing.T) {
	d := &fakeDialer{}
	reg, _ := newTestRegistry(d)

	err := reg.WriteInput("nope", []byte("x"))
	if !errors.As(err, new(*NotConnectedError)) {
		t.Errorf("error = %v, want NotConnectedError", err)
	}
}

func TestResizeWithoutSessionIsNoop(t *testing.T) {
	d := &fakeDialer{}
	reg, _ := newTestRegistry(d)

	if err := reg.Resize("nope", 40, 120); err != nil {
		t.Errorf("resize without session: %v, want nil", err)
	}
}

func TestResizeClampsDimensions(t *testing.T) {
	d := &fakeDialer{}
	reg, _ := newTestRegistry(d)

	if _, err := reg.Ensure(context.Background(), "alpha", transport.HostConfig{Host: "h"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := reg.Resize("alpha", 9999, 9999); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	cols, rows := d.last().shell.dims()
	if cols != MaxShellCols || rows != MaxShellRows {
		t.Errorf("dims = %dx%d, want clamped to %dx%d", cols, rows, MaxShellCols, MaxShellRows)
	}
}

func TestStatusForUnknownSessionIsDisconnected(t *testing.T) {
	d := &fakeDialer{}
	reg, _ := newTestRegistry(d)

	if got := reg.Status("unknown"); got != StatusDisconnected {
		t.Errorf("status = %v, want Disconnected", got)
	}
}

func TestStateTransitionsRecorded(t *testing.T) {
	d := &fakeDialer{}
	reg, _ := newTestRegistry(d)

	if _, err := reg.Ensure(context.Background(), "alpha", transport.HostConfig{Host: "h"}); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	reg.Disconnect("alpha")

	trs := reg.Transitions("alpha")
	if len(trs) < 3 {
		t.Fatalf("recorded %d transitions, want at least 3", len(trs))
	}
	want := []Status{StatusConnecting, StatusConnected, StatusDisconnected}
	for i, w := range want {
		if trs[i].To != w {
			t.Errorf("transition %d: to %v, want %v", i, trs[i].To, w)
		}
	}
}

func TestForgetDropsAllTrackedState(t *testing.T) {
	d := &fakeDialer{}
	reg, _ := newTestRegistry(d)

	for _, id := range []string{"alpha", "beta"} {
		if _, err := reg.Ensure(context.Background(), id, transport.HostConfig{Host: "h"}); err != nil {
			t.Fatalf("Ensure %s: %v", id, err)
		}
	}
	reg.Forget("alpha")

	if got := reg.Status("alpha"); got != StatusDisconnected {
		t.Errorf("status = %v, want Disconnected", got)
	}
	if trs := reg.Transitions("alpha"); len(trs) != 0 {
		t.Errorf("transitions survived Forget: %v", trs)
	}
	if evs := reg.Events("alpha"); len(evs) != 0 {
		t.Errorf("events survived Forget: %v", evs)
	}

	// The per-session lock entry must go too, or forgotten IDs pile up.
	reg.mu.Lock()
	_, lockKept := reg.locks["alpha"]
	_, otherKept := reg.locks["beta"]
	reg.mu.Unlock()
	if lockKept {
		t.Error("lock entry survived Forget")
	}
	if !otherKept {
		t.Error("Forget dropped another session's lock entry")
	}
}
