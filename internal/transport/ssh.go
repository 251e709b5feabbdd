package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHTransport implements Transport over a single multiplexed SSH connection.
type SSHTransport struct {
	client *ssh.Client
	addr   string

	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens an SSH connection to the host described by cfg. Failures are
// classified as AuthenticationError, UnreachableError, or ProtocolError so
// callers can surface them without string matching.
func Dial(ctx context.Context, cfg HostConfig) (*SSHTransport, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := cfg.Addr()
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &UnreachableError{Addr: addr, Err: err}
	}

	// ssh.NewClientConn honors clientCfg.Timeout for the handshake, but a
	// stalled server could still hold us past the deadline; enforce it on
	// the socket as well.
	_ = netConn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		if isAuthFailure(err) {
			return nil, &AuthenticationError{Addr: addr, Err: err}
		}
		return nil, &ProtocolError{Addr: addr, Err: err}
	}
	_ = netConn.SetDeadline(time.Time{})

	t := &SSHTransport{
		client: ssh.NewClient(sshConn, chans, reqs),
		addr:   addr,
		done:   make(chan struct{}),
	}

	go func() {
		t.client.Wait()
		t.closeOnce.Do(func() { close(t.done) })
	}()
	go t.keepaliveLoop()

	return t, nil
}

// keepaliveInterval is how often an idle connection is probed. A failed
// probe closes the transport; recovery is the caller's decision.
const keepaliveInterval = 30 * time.Second

func (t *SSHTransport) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if _, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.Close()
				return
			}
		}
	}
}

// authMethods builds the SSH auth method list from the host config.
func authMethods(cfg HostConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if len(cfg.PrivateKeyPEM) > 0 {
		var signer ssh.Signer
		var err error
		if cfg.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cfg.PrivateKeyPEM, []byte(cfg.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(cfg.PrivateKeyPEM)
		}
		if err != nil {
			return nil, &AuthenticationError{Addr: cfg.Addr(), Err: fmt.Errorf("parse private key: %w", err)}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, &AuthenticationError{Addr: cfg.Addr(), Err: fmt.Errorf("no credentials supplied")}
	}
	return methods, nil
}

// isAuthFailure reports whether a handshake error was an authentication
// rejection. x/crypto/ssh does not expose a typed error for this.
func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied")
}

// shellChannel wraps the PTY-backed SSH session behind ShellChannel.
type shellChannel struct {
	stdin   io.WriteCloser
	session *ssh.Session
}

func (s *shellChannel) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *shellChannel) Resize(cols, rows uint16) error {
	return s.session.WindowChange(int(rows), int(cols))
}

func (s *shellChannel) Close() error { return s.session.Close() }

// OpenShell starts the remote user's login shell on a PTY-backed channel.
func (t *SSHTransport) OpenShell(cols, rows uint16) (ShellChannel, io.Reader, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("open shell channel: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("start shell: %w", err)
	}

	return &shellChannel{stdin: stdin, session: session}, stdout, nil
}

// Exec runs a command on a fresh channel and collects its output.
// A non-zero exit status is returned in ExecResult with a nil error.
func (t *SSHTransport) Exec(ctx context.Context, commandLine string) (ExecResult, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("open exec channel: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	runDone := make(chan error, 1)
	go func() { runDone <- session.Run(commandLine) }()

	select {
	case <-ctx.Done():
		// Closing the session unblocks Run with a read error.
		session.Close()
		<-runDone
		return ExecResult{}, ctx.Err()
	case runErr := <-runDone:
		res := ExecResult{Stdout: outBuf.String(), Stderr: errBuf.String()}
		if runErr != nil {
			if exitErr, ok := runErr.(*ssh.ExitError); ok {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			res.ExitCode = -1
			return res, runErr
		}
		return res, nil
	}
}

// ExecInput runs a command with input piped to its stdin.
func (t *SSHTransport) ExecInput(ctx context.Context, commandLine string, input io.Reader) error {
	session, err := t.client.NewSession()
	if err != nil {
		return fmt.Errorf("open exec channel: %w", err)
	}
	defer session.Close()

	stdinPipe, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	var errBuf bytes.Buffer
	session.Stderr = &errBuf

	if err := session.Start(commandLine); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(stdinPipe, input)
		stdinPipe.Close()
		copyDone <- copyErr
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Close()
		<-waitDone
		return ctx.Err()
	case waitErr := <-waitDone:
		if copyErr := <-copyDone; copyErr != nil && waitErr == nil {
			return fmt.Errorf("write to stdin: %w", copyErr)
		}
		if waitErr != nil {
			if exitErr, ok := waitErr.(*ssh.ExitError); ok {
				return fmt.Errorf("command exited %d: %s", exitErr.ExitStatus(), strings.TrimSpace(errBuf.String()))
			}
			return waitErr
		}
		return nil
	}
}

// Close tears down the connection. Safe to call more than once.
func (t *SSHTransport) Close() error {
	err := t.client.Close()
	t.closeOnce.Do(func() { close(t.done) })
	return err
}

// Done is closed when the connection ends.
func (t *SSHTransport) Done() <-chan struct{} { return t.done }
