package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	ErrInvalidKey        = errors.New("crypto: invalid encryption key")
	ErrEncryptionFailed  = errors.New("crypto: encryption failed")
	ErrDecryptionFailed  = errors.New("crypto: decryption failed")
	ErrInvalidCipherText = errors.New("crypto: invalid cipher text")
)

// Sealer encrypts short secrets (host credentials, API tokens) with
// AES-256-GCM. Output is base64(nonce || ciphertext).
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 32-byte key from passphrase with SHA-256.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrInvalidKey
	}
	sum := sha256.Sum256([]byte(passphrase))

	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, ErrInvalidKey
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(plainText string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", ErrEncryptionFailed
	}
	out := s.aead.Seal(nonce, nonce, []byte(plainText), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *Sealer) Open(cipherText string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return "", ErrInvalidCipherText
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return "", ErrInvalidCipherText
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

func Encrypt(plainText string, key string) (string, error) {
	s, err := NewSealer(key)
	if err != nil {
		return "", err
	}
	return s.Seal(plainText)
}

func Decrypt(cipherText string, key string) (string, error) {
	s, err := NewSealer(key)
	if err != nil {
		return "", err
	}
	return s.Open(cipherText)
}
