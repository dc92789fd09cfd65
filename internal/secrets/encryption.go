// Package secrets provides symmetric encryption for stored exchange credentials.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySalt       = "mexc-sniper-salt"
	keyIterations = 100000
	keyLength     = 32
)

// Encryptor encrypts and decrypts credential strings with a key derived from
// an operator passphrase. Implements core.IEncryptor.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives an AES-256-GCM key from the passphrase via
// PBKDF2-HMAC-SHA256 with a fixed salt.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase is empty")
	}

	key := pbkdf2.Key([]byte(passphrase), []byte(keySalt), keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt seals the plaintext and returns a URL-safe base64 envelope
// (nonce || ciphertext || tag).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a URL-safe base64 envelope produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := e.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// EncryptMap encrypts every value of a credential map.
func (e *Encryptor) EncryptMap(creds map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(creds))
	for k, v := range creds {
		enc, err := e.Encrypt(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt %q: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// DecryptMap decrypts every value of a credential map.
func (e *Encryptor) DecryptMap(creds map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(creds))
	for k, v := range creds {
		dec, err := e.Decrypt(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %q: %w", k, err)
		}
		out[k] = dec
	}
	return out, nil
}
