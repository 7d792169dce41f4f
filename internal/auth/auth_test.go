package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/auth"
)

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken(auth.Principal{
		UserID:     "user-1",
		Name:       "Ada",
		Workspaces: []string{"ws-1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "Ada", claims.Name)
	assert.Equal(t, []string{"ws-1"}, claims.Workspaces)
	assert.False(t, claims.Admin)
}

func TestIssueToken_RequiresUserID(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	_, _, err = mgr.IssueToken(auth.Principal{})
	require.Error(t, err)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	privPath, pubPath := writeKeyPair(t, priv, pub)

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func writeKeyPair(t *testing.T, priv ed25519.PrivateKey, pub ed25519.PublicKey) (string, string) {
	t.Helper()
	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))
	return privPath, pubPath
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func validClaims() *auth.Claims {
	now := time.Now().UTC()
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    auth.Issuer,
			Audience:  jwt.ClaimStrings{auth.Issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
	}
}

func TestValidateToken_FromPEMFiles(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	claims, err := mgr.ValidateToken(forgeToken(t, privKey, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	c := validClaims()
	c.Issuer = "not-kakehashi"
	_, err := mgr.ValidateToken(forgeToken(t, privKey, c))
	require.Error(t, err)
}

func TestValidateToken_WrongAudience(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	c := validClaims()
	c.Audience = jwt.ClaimStrings{"someone-else"}
	_, err := mgr.ValidateToken(forgeToken(t, privKey, c))
	require.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	c := validClaims()
	c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err := mgr.ValidateToken(forgeToken(t, privKey, c))
	require.Error(t, err)
}

func TestValidateToken_MissingSubject(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	c := validClaims()
	c.Subject = ""
	_, err := mgr.ValidateToken(forgeToken(t, privKey, c))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no subject")
}

func TestValidateToken_SignedByOtherKey(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = mgr.ValidateToken(forgeToken(t, other, validClaims()))
	require.Error(t, err)
}

func TestNewJWTManager_MismatchedKeys(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	privPath, pubPath := writeKeyPair(t, priv, otherPub)

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

// ---- API keys ----------------------------------------------------------

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyAPIKey("x", "no-dollar-sign")
	require.Error(t, err)
}

func TestAPIKeyring(t *testing.T) {
	key, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	assert.Regexp(t, `^kk_[0-9a-f]{48}$`, key)

	hash, err := auth.HashAPIKey(key)
	require.NoError(t, err)
	entry, err := auth.ParseAPIKeyEntry("ci-bot:user-9:" + hash)
	require.NoError(t, err)
	assert.Equal(t, "ci-bot:user-9:"+hash, entry.String())

	ring := auth.NewAPIKeyring([]auth.APIKeyEntry{entry})
	assert.Equal(t, 1, ring.Len())

	claims, err := ring.Verify(key)
	require.NoError(t, err)
	assert.Equal(t, "user-9", claims.UserID())
	assert.Equal(t, "ci-bot", claims.Client)

	_, err = ring.Verify("kk_wrong")
	require.ErrorIs(t, err, auth.ErrInvalidAPIKey)
	_, err = auth.NewAPIKeyring(nil).Verify(key)
	require.ErrorIs(t, err, auth.ErrInvalidAPIKey)
}

func TestParseAPIKeyEntry_Invalid(t *testing.T) {
	for _, s := range []string{"", "client", "client:user", "client::hash", ":user:hash"} {
		_, err := auth.ParseAPIKeyEntry(s)
		assert.Error(t, err, s)
	}
}
