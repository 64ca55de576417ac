package sshkeygen

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyPair is an ed25519 key in OpenSSH PEM form plus its authorized_keys line.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// Generate creates a new ed25519 key pair. comment is appended to the public
// key line when non-empty.
func Generate(comment string) (*KeyPair, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	privKeyPEM, err := ssh.MarshalPrivateKey(privKey, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create public key: %w", err)
	}
	pub := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPubKey)))
	if comment != "" {
		pub += " " + comment
	}

	return &KeyPair{
		PrivateKey: string(pem.EncodeToMemory(privKeyPEM)),
		PublicKey:  pub + "\n",
	}, nil
}

// WriteFiles stores the pair at privateKeyPath and privateKeyPath+".pub".
// An existing private key is never overwritten unless force is set.
func (k *KeyPair) WriteFiles(privateKeyPath string, force bool) error {
	if _, err := os.Stat(privateKeyPath); err == nil && !force {
		return fmt.Errorf("%s already exists", privateKeyPath)
	}

	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, []byte(k.PrivateKey), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(privateKeyPath+".pub", []byte(k.PublicKey), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

// Fingerprint returns the SHA256 fingerprint of an authorized_keys line.
func Fingerprint(publicKey string) (string, error) {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(pk), nil
}
