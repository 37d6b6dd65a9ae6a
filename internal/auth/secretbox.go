package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// tokenVersion prefixes every envelope so the format can be rotated without
// guessing at ciphertexts.
const tokenVersion = "argus1"

var ErrBadEnvelope = errors.New("malformed or undecryptable envelope")

// DeriveKey maps a shared secret to a 32-byte AES key. Core derives its
// at-rest key from the master secret and a per-agent transit key from that
// agent's API key; both sides recompute the same key independently.
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Box seals and opens short config values with AES-256-GCM.
type Box struct {
	aead cipher.AEAD
}

// NewBox builds a Box from a shared secret.
func NewBox(secret string) (*Box, error) {
	block, err := aes.NewCipher(DeriveKey(secret))
	if err != nil {
		return nil, fmt.Errorf("secretbox cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretbox gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext into an argus1 envelope. Each call uses a fresh
// random nonce, so encrypting the same value twice yields different tokens.
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return tokenVersion + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an argus1 envelope.
func (b *Box) Decrypt(token string) (string, error) {
	version, payload, found := strings.Cut(token, ":")
	if !found || version != tokenVersion {
		return "", ErrBadEnvelope
	}
	sealed, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrBadEnvelope
	}
	ns := b.aead.NonceSize()
	if len(sealed) < ns {
		return "", ErrBadEnvelope
	}
	plain, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", ErrBadEnvelope
	}
	return string(plain), nil
}

// Reseal decrypts a token with this box and re-encrypts it with dst. Used
// when serving config: values stored under the master key are re-wrapped
// under the requesting agent's key.
func (b *Box) Reseal(token string, dst *Box) (string, error) {
	plain, err := b.Decrypt(token)
	if err != nil {
		return "", err
	}
	return dst.Encrypt(plain)
}
