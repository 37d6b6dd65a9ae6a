// Package auth covers the three credential surfaces: agent API keys
// (bcrypt-at-rest with an indexable prefix), operator passwords and JWTs,
// and the shared-secret envelope used for config values in transit.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

const (
	// KeyPrefixLen is how many leading characters of an API key are stored
	// in clear for indexed lookup. The full key only ever exists as a
	// bcrypt hash.
	KeyPrefixLen = 16

	keyPrefix   = "agk_"
	keyRawBytes = 32
)

var ErrKeyTooShort = errors.New("api key must be at least 16 characters")

// GenerateAPIKey creates a new agent API key. The plaintext is held by the
// agent alone; Core keeps only the prefix and the bcrypt hash.
func GenerateAPIKey() (string, error) {
	raw := make([]byte, keyRawBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// KeyPrefix returns the lookup prefix for an API key.
func KeyPrefix(key string) (string, error) {
	if len(key) < KeyPrefixLen {
		return "", ErrKeyTooShort
	}
	return key[:KeyPrefixLen], nil
}

// HashAPIKey returns a bcrypt hash of the full API key.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckAPIKey verifies an API key against a stored bcrypt hash. Keys sharing
// a prefix still verify independently through the full hash.
func CheckAPIKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

var (
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
	ErrPasswordNoLetter = errors.New("password must contain at least one letter")
	ErrPasswordNoDigit  = errors.New("password must contain at least one digit")
)

// ValidatePassword checks an operator password meets the minimum policy.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	var hasLetter, hasDigit bool
	for _, r := range password {
		if unicode.IsLetter(r) {
			hasLetter = true
		}
		if unicode.IsDigit(r) {
			hasDigit = true
		}
	}
	if !hasLetter {
		return ErrPasswordNoLetter
	}
	if !hasDigit {
		return ErrPasswordNoDigit
	}
	return nil
}

// HashPassword returns a bcrypt hash of an operator password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword verifies a password against a bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HeaderAgentKey is the HTTP header agents authenticate with.
const HeaderAgentKey = "X-Agent-API-Key"

// ExtractBearerToken extracts a bearer token from an Authorization header.
// Returns the empty string if not present or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
