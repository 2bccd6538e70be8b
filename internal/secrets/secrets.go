// Package secrets encrypts project secrets and git tokens at rest.
// Values are sealed with AES-256-GCM under a key derived from TM_SECRET_KEY
// and stored as "v1:" + base64(nonce || ciphertext).
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const prefix = "v1:"

// ErrNoKey is returned when sealing without a configured key.
var ErrNoKey = errors.New("secret key is not configured (set TM_SECRET_KEY)")

// ErrDecrypt is returned for ciphertext that does not open under the key.
var ErrDecrypt = errors.New("cannot decrypt secret")

// Box seals and opens values.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives the AES key from passphrase. An empty passphrase yields a
// Box that can only open plaintext values.
func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return &Box{}, nil
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// HasKey reports whether the box can seal.
func (b *Box) HasKey() bool { return b.aead != nil }

// Seal encrypts plain. Empty input stays empty.
func (b *Box) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	if b.aead == nil {
		return "", ErrNoKey
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plain), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Values without the version prefix were
// stored before a key existed and are returned unchanged.
func (b *Box) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, prefix) {
		return stored, nil
	}
	if b.aead == nil {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	n := b.aead.NonceSize()
	if len(raw) < n {
		return "", ErrDecrypt
	}
	plain, err := b.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// SealEnv encrypts an environment map as one JSON document.
func (b *Box) SealEnv(env map[string]string) (string, error) {
	if len(env) == 0 {
		return "", nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return b.Seal(string(data))
}

// OpenEnv decrypts a value produced by SealEnv.
func (b *Box) OpenEnv(stored string) (map[string]string, error) {
	plain, err := b.Open(stored)
	if err != nil || plain == "" {
		return nil, err
	}
	var env map[string]string
	if err := json.Unmarshal([]byte(plain), &env); err != nil {
		return nil, fmt.Errorf("decode secrets: %w", err)
	}
	return env, nil
}

// ParseEnvPairs turns KEY=VALUE pairs into a map. Later keys win.
func ParseEnvPairs(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid secret %q: want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}
