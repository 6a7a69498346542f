// Package sshtest provides an in-process SSH server double for tests
// that exercise pkg/hostpool without a real build host. There is no
// SSH-protocol module in the example corpus's testcontainers usage, so
// this talks golang.org/x/crypto/ssh directly on both the client and
// server side — the same dependency pkg/hostpool's production dialer
// already uses.
package sshtest

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"

	"golang.org/x/crypto/ssh"
)

// execRequest is the wire shape of an SSH "exec" channel request
// (RFC 4254 §6.5): a single SSH string holding the command line.
type execRequest struct {
	Command string
}

// exitStatusRequest is the wire shape of the "exit-status" channel
// request a server sends back after a command completes.
type exitStatusRequest struct {
	Status uint32
}

// Server is a minimal SSH server that executes every "exec" request
// with /bin/sh -c, the same shell commands pkg/hostpool's sessions run
// in production. It does not implement a real filesystem sandbox —
// tests should point it at a throwaway directory via the command's
// working directory or pass self-contained commands.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig

	mu     sync.Mutex
	closed bool
}

// NewServer starts a Server listening on loopback with an ephemeral
// port and authorizing only connections presenting authorizedKey.
func NewServer(hostSigner ssh.Signer, authorizedKey ssh.PublicKey) (*Server, error) {
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorizedKey == nil || !bytes.Equal(key.Marshal(), authorizedKey.Marshal()) {
				return nil, fmt.Errorf("sshtest: unauthorized public key")
			}
			return nil, nil
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("sshtest: listen: %w", err)
	}

	s := &Server{listener: ln, config: config}
	go s.serve()
	return s, nil
}

// Addr returns the address to dial, e.g. "127.0.0.1:54321".
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go handleSession(channel, requests)
	}
}

func handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload execRequest
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			runExec(channel, payload.Command)
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// runExec runs cmd via /bin/sh -c, wiring the channel as stdin/stdout
// and channel.Stderr() as stderr, then reports the exit status the way
// a real sshd does.
func runExec(channel ssh.Channel, cmd string) {
	proc := exec.Command("/bin/sh", "-c", cmd)
	proc.Stdin = channel
	proc.Stdout = channel
	proc.Stderr = channel.Stderr()

	exitStatus := uint32(0)
	if err := proc.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitStatus = uint32(exitErr.ExitCode())
		} else {
			exitStatus = 1
		}
	}

	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(exitStatusRequest{Status: exitStatus}))
}

// Copy is a small helper tests use to drain an io.Reader into a
// bytes.Buffer without pulling in additional dependencies.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, src)
}
