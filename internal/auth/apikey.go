package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16

	// APIKeyPrefix marks keys minted by GenerateAPIKey.
	APIKeyPrefix = "kk_"
)

// ErrInvalidAPIKey is returned when a presented key matches no entry.
var ErrInvalidAPIKey = errors.New("auth: invalid api key")

// HashAPIKey hashes an API key using Argon2id. The result is
// base64(salt) + "$" + base64(hash).
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash), nil
}

// VerifyAPIKey checks an API key against an Argon2id hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	saltB64, hashB64, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, errors.New("auth: invalid hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	expected, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	computed := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(expected, computed) == 1, nil
}

// GenerateAPIKey returns a new random API key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate api key: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}

// APIKeyEntry binds one hashed key to the client and user it authenticates.
type APIKeyEntry struct {
	Client string
	UserID string
	Hash   string
}

// ParseAPIKeyEntry parses "client:user:hash".
func ParseAPIKeyEntry(s string) (APIKeyEntry, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return APIKeyEntry{}, fmt.Errorf("auth: api key entry must be client:user:hash")
	}
	return APIKeyEntry{Client: parts[0], UserID: parts[1], Hash: parts[2]}, nil
}

// String renders the entry in the form ParseAPIKeyEntry reads.
func (e APIKeyEntry) String() string {
	return e.Client + ":" + e.UserID + ":" + e.Hash
}

// APIKeyring verifies presented API keys against configured hashes.
type APIKeyring struct {
	entries []APIKeyEntry
}

// NewAPIKeyring builds a keyring. An empty keyring rejects every key.
func NewAPIKeyring(entries []APIKeyEntry) *APIKeyring {
	return &APIKeyring{entries: entries}
}

// Len returns the number of configured keys.
func (k *APIKeyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.entries)
}

// Verify returns claims for the entry matching apiKey. Every entry is
// checked so timing does not reveal which one matched.
func (k *APIKeyring) Verify(apiKey string) (*Claims, error) {
	if k == nil || apiKey == "" {
		return nil, ErrInvalidAPIKey
	}
	var match *APIKeyEntry
	for i := range k.entries {
		ok, err := VerifyAPIKey(apiKey, k.entries[i].Hash)
		if err == nil && ok && match == nil {
			match = &k.entries[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidAPIKey
	}
	c := &Claims{Client: match.Client}
	c.Subject = match.UserID
	return c, nil
}
