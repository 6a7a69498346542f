package sshtest

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// KeyPair is a generated ed25519 SSH keypair, used to stand in for both
// the fake server's host key and a fake client identity in tests.
type KeyPair struct {
	Signer    ssh.Signer
	PublicKey ssh.PublicKey
}

// GenerateKeyPair creates a fresh ed25519 SSH keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("sshtest: generate key: %w", err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		return KeyPair{}, fmt.Errorf("sshtest: wrap signer: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return KeyPair{}, fmt.Errorf("sshtest: wrap public key: %w", err)
	}
	return KeyPair{Signer: signer, PublicKey: sshPub}, nil
}
