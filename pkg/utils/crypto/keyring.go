package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	keystoreService = "hostshift"
	keystoreUser    = "encryption-key"
)

// LoadOrCreateKeyringKey returns the credential encryption key stored in the
// OS keychain, generating and storing a new one on first use.
func LoadOrCreateKeyringKey() (string, error) {
	key, err := keyring.Get(keystoreService, keystoreUser)
	if err == nil && key != "" {
		return key, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("keyring unavailable: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	key = base64.StdEncoding.EncodeToString(raw)

	if err := keyring.Set(keystoreService, keystoreUser, key); err != nil {
		return "", fmt.Errorf("failed to store key in keyring: %w", err)
	}
	return key, nil
}

// ResolveEncryptionKey prefers the configured key and falls back to the
// keychain when allowed.
func ResolveEncryptionKey(configured string, useKeyring bool) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if !useKeyring {
		return "", ErrInvalidKey
	}
	return LoadOrCreateKeyringKey()
}
