package sshtest

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// Dialer implements hostpool.Dialer against one or more fake Servers,
// keyed by hostname, authenticating with a fixed client signer instead
// of reading a keyfile off disk — tests never touch the filesystem for
// SSH credentials.
type Dialer struct {
	Signer    ssh.Signer
	Addresses map[string]string
}

// NewDialer builds a Dialer authenticating as signer against the given
// hostname-to-address map (e.g. {"remote-host-001": server.Addr()}).
func NewDialer(signer ssh.Signer, addresses map[string]string) *Dialer {
	return &Dialer{Signer: signer, Addresses: addresses}
}

// Dial implements hostpool.Dialer. keyfile and username are accepted for
// interface compatibility but ignored — authentication uses Signer.
func (d *Dialer) Dial(ctx context.Context, hostname, _ /* username */, _ /* keyfile */ string) (*ssh.Client, error) {
	addr, ok := d.Addresses[hostname]
	if !ok {
		return nil, fmt.Errorf("sshtest: no fake server registered for host %q", hostname)
	}

	config := &ssh.ClientConfig{
		User:            "test",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.Signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	clientConn, newChans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(clientConn, newChans, reqs), nil
}
