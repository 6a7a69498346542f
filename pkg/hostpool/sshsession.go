package hostpool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/buildfleet/hostpool/pkg/resilience/xretry"
)

// errNotConnected is returned when a command is attempted on a Session
// that has not completed Connect yet.
var errNotConnected = errors.New("hostpool: session is not connected")

// commandTimeout bounds every SSH command round trip (spec §4.2/§5).
const commandTimeout = 30 * time.Second

// lockSettleDelay is the only mandatory internal delay in the lock
// protocol: time for the remote shell to finish spawning `cat` and wiring
// up its stdin pipe after the flock command is issued (spec §4.4 step 3).
const lockSettleDelay = 100 * time.Millisecond

// sessionRetryer drives the exponential backoff around Connect/exec:
// base factor 3, up to 3 attempts, no jitter (spec §4.2).
func sessionRetryer() *xretry.Retryer {
	return xretry.NewRetryer(
		xretry.WithRetryPolicy(xretry.NewFixedRetry(3)),
		xretry.WithBackoffPolicy(xretry.NewExponentialBackoff(
			xretry.WithInitialDelay(1*time.Second),
			xretry.WithMultiplier(3),
			xretry.WithJitter(0),
		)),
	)
}

// Dialer opens SSH connections to remote build hosts. Production code
// uses sshDialer; tests substitute a fake that talks to an in-process
// server (pkg/hostpool/sshtest).
type Dialer interface {
	Dial(ctx context.Context, hostname, username, keyfile string) (*ssh.Client, error)
}

type sshDialer struct{}

// DefaultDialer dials real SSH hosts with host-key verification set to
// auto-add — spec §4.2: "this is cooperating infrastructure, not a
// hostile endpoint".
var DefaultDialer Dialer = sshDialer{}

func (sshDialer) Dial(ctx context.Context, hostname, username, keyfile string) (*ssh.Client, error) {
	key, err := os.ReadFile(keyfile)
	if err != nil {
		return nil, fmt.Errorf("hostpool: read ssh keyfile: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("hostpool: parse ssh keyfile: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // auto-add policy, see doc comment above
		Timeout:         commandTimeout,
	}

	addr := hostname
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(hostname, "22")
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

// Session is an SSH client with retry around Connect and command
// execution, matching the original paramiko-based SSHRetrySession
// (original_source/atomic_reactor/utils/remote_host.py).
type Session struct {
	id       string
	hostname string
	username string
	keyfile  string
	dialer   Dialer
	retryer  *xretry.Retryer
	client   *ssh.Client
}

// NewSession creates an unconnected Session. Call Connect before issuing
// any command.
func NewSession(hostname, username, keyfile string, dialer Dialer) *Session {
	if dialer == nil {
		dialer = DefaultDialer
	}
	return &Session{
		id:       uuid.NewString(),
		hostname: hostname,
		username: username,
		keyfile:  keyfile,
		dialer:   dialer,
		retryer:  sessionRetryer(),
	}
}

// Connect dials the host, retrying transient connection failures with
// exponential backoff. Authentication failures are not retried.
func (s *Session) Connect(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	err := s.retryer.Do(ctx, func(ctx context.Context) error {
		client, dialErr := s.dialer.Dial(ctx, s.hostname, s.username, s.keyfile)
		if dialErr != nil {
			return classifyConnectError(s.hostname, dialErr)
		}
		s.client = client
		return nil
	})
	return err
}

// Close closes the underlying SSH connection. Safe to call more than
// once and on an unconnected Session.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// Run executes cmd to completion with a 30s timeout and returns its
// trimmed stdout/stderr and exit code, matching SSHRetrySession.run in
// the original implementation.
func (s *Session) Run(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error) {
	if ctx == nil {
		return "", "", 0, ErrNilContext
	}
	type result struct {
		stdout, stderr string
		code           int
		err            error
	}
	res, err := xretry.DoWithResult(ctx, s.retryer, func(ctx context.Context) (result, error) {
		if s.client == nil {
			return result{}, newError(KindHostUnreachable, s.hostname, "run", errNotConnected)
		}
		sess, openErr := s.client.NewSession()
		if openErr != nil {
			return result{}, classifyExecError(s.hostname, openErr)
		}
		defer sess.Close()

		var outBuf, errBuf strings.Builder
		sess.Stdout = &outBuf
		sess.Stderr = &errBuf

		runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- sess.Run(cmd) }()

		select {
		case <-runCtx.Done():
			_ = sess.Close()
			return result{}, newError(KindHostUnreachable, s.hostname, "run", runCtx.Err())
		case runErr := <-done:
			code := 0
			if runErr != nil {
				var exitErr *ssh.ExitError
				if errors.As(runErr, &exitErr) {
					code = exitErr.ExitStatus()
				} else {
					return result{}, classifyExecError(s.hostname, runErr)
				}
			}
			return result{
				stdout: strings.TrimSpace(outBuf.String()),
				stderr: strings.TrimSpace(errBuf.String()),
				code:   code,
			}, nil
		}
	})
	if err != nil {
		return "", "", 0, err
	}
	return res.stdout, res.stderr, res.code, nil
}

// InteractiveCommand is a long-running remote command whose stdin/stdout
// the caller drives directly — used for the flock-holding session (spec
// §4.4).
type InteractiveCommand struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	stderr  io.Reader
	started bool
}

// StartInteractive starts cmd without waiting for it to finish, exposing
// its stdin/stdout/stderr for the caller to drive. Used to run
// `flock ... cat` and keep it alive by holding stdin open.
func (s *Session) StartInteractive(cmd string) (*InteractiveCommand, error) {
	if s.client == nil {
		return nil, newError(KindHostUnreachable, s.hostname, "start", errNotConnected)
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, classifyExecError(s.hostname, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, classifyExecError(s.hostname, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, classifyExecError(s.hostname, err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = sess.Close()
		return nil, classifyExecError(s.hostname, err)
	}
	if err := sess.Start(cmd); err != nil {
		_ = sess.Close()
		return nil, classifyExecError(s.hostname, err)
	}
	return &InteractiveCommand{
		session: sess,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		stderr:  stderr,
		started: true,
	}, nil
}

// Settle sleeps lockSettleDelay — the one mandatory wall-clock delay in
// the protocol, giving the remote shell time to finish spawning `cat` and
// wiring up its stdin pipe (spec §4.4 step 3).
func (c *InteractiveCommand) Settle() {
	time.Sleep(lockSettleDelay)
}

// WriteLine writes s followed by a newline to the command's stdin and
// flushes it. Returns an error if the write fails (e.g. the remote side
// already exited because flock failed).
func (c *InteractiveCommand) WriteLine(s string) error {
	_, err := io.WriteString(c.stdin, s+"\n")
	return err
}

// ReadLine reads one line from the command's stdout. An empty return with
// a nil error means the remote side closed stdout without echoing
// anything back.
func (c *InteractiveCommand) ReadLine() (string, error) {
	line, err := c.stdout.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}

// ExitStatus blocks until the remote command exits and returns its exit
// code. Safe to call after the session has already been closed via Stop.
func (c *InteractiveCommand) ExitStatus() int {
	err := c.session.Wait()
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}

// Stop closes stdin (which makes the remote `cat` exit, releasing the
// flock the kernel was holding on its behalf) and then closes the
// session. Idempotent.
func (c *InteractiveCommand) Stop() {
	if !c.started {
		return
	}
	_ = c.stdin.Close()
	_ = c.session.Close()
	c.started = false
}

func classifyConnectError(host string, err error) error {
	if isAuthError(err) {
		return newError(KindInvalidArgument, host, "connect", err)
	}
	return newError(KindHostUnreachable, host, "connect", err)
}

func classifyExecError(host string, err error) error {
	if isAuthError(err) {
		return newError(KindInvalidArgument, host, "exec", err)
	}
	return newError(KindHostUnreachable, host, "exec", err)
}

// isAuthError reports whether err represents an authentication failure,
// which spec §4.2 says must never be retried.
func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "ssh: handshake failed")
}

// ID returns the session's correlation id, stamped into logs so the two
// sessions of a single lock attempt (lock session and work session) can
// be traced together.
func (s *Session) ID() string {
	return s.id
}

// Stderr returns the command's stderr stream, for callers that want to
// surface it verbatim on a non-42 flock exit (spec §4.4 step 5).
func (c *InteractiveCommand) Stderr() io.Reader {
	return c.stderr
}
