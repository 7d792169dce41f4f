package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ashita-ai/kakehashi/internal/model"
)

// sealedPrefix marks a token sealed by SealedCredentials. Values without it
// are read as plaintext, so a store can be switched to sealing in place.
const sealedPrefix = "v1:"

// SealedCredentials wraps a CredentialStore and encrypts access and refresh
// tokens at rest with XChaCha20-Poly1305. The credential's provider, scope,
// and owner are bound as additional data, so a sealed token copied onto
// another row fails to open.
type SealedCredentials struct {
	inner CredentialStore
	aead  cipher.AEAD
}

// NewSealedCredentials wraps inner. key must be 32 bytes.
func NewSealedCredentials(inner CredentialStore, key []byte) (*SealedCredentials, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("storage: credential key: %w", err)
	}
	return &SealedCredentials{inner: inner, aead: aead}, nil
}

// UpsertCredential implements CredentialStore.
func (s *SealedCredentials) UpsertCredential(ctx context.Context, c model.IntegrationCredentials) (model.IntegrationCredentials, error) {
	plainAccess, plainRefresh := c.AccessToken, c.RefreshToken
	ad := additionalData(c)

	var err error
	if c.AccessToken, err = s.seal(plainAccess, ad); err != nil {
		return model.IntegrationCredentials{}, err
	}
	if c.RefreshToken, err = s.seal(plainRefresh, ad); err != nil {
		return model.IntegrationCredentials{}, err
	}

	out, err := s.inner.UpsertCredential(ctx, c)
	if err != nil {
		return model.IntegrationCredentials{}, err
	}
	out.AccessToken, out.RefreshToken = plainAccess, plainRefresh
	return out, nil
}

// GetUserCredential implements CredentialStore.
func (s *SealedCredentials) GetUserCredential(ctx context.Context, providerKey, userID string) (model.IntegrationCredentials, error) {
	c, err := s.inner.GetUserCredential(ctx, providerKey, userID)
	if err != nil {
		return c, err
	}
	return s.open(c)
}

// GetWorkspaceCredential implements CredentialStore.
func (s *SealedCredentials) GetWorkspaceCredential(ctx context.Context, providerKey, workspaceID string) (model.IntegrationCredentials, error) {
	c, err := s.inner.GetWorkspaceCredential(ctx, providerKey, workspaceID)
	if err != nil {
		return c, err
	}
	return s.open(c)
}

// DeleteCredential implements CredentialStore.
func (s *SealedCredentials) DeleteCredential(ctx context.Context, id string) error {
	return s.inner.DeleteCredential(ctx, id)
}

func (s *SealedCredentials) open(c model.IntegrationCredentials) (model.IntegrationCredentials, error) {
	ad := additionalData(c)
	var err error
	if c.AccessToken, err = s.unseal(c.AccessToken, ad); err != nil {
		return model.IntegrationCredentials{}, err
	}
	if c.RefreshToken, err = s.unseal(c.RefreshToken, ad); err != nil {
		return model.IntegrationCredentials{}, err
	}
	return c, nil
}

func (s *SealedCredentials) seal(plaintext string, ad []byte) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("storage: seal nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), ad)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (s *SealedCredentials) unseal(value string, ad []byte) (string, error) {
	encoded, ok := strings.CutPrefix(value, sealedPrefix)
	if !ok {
		return value, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("storage: decode sealed token: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", errors.New("storage: sealed token too short")
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return "", fmt.Errorf("storage: open sealed token: %w", err)
	}
	return string(plain), nil
}

func additionalData(c model.IntegrationCredentials) []byte {
	return []byte(c.ProviderKey + "\x00" + string(c.Scope) + "\x00" + CredentialOwner(c))
}
