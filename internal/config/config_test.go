package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, StorageMemory, cfg.Storage)
	assert.Equal(t, 10*time.Minute, cfg.OAuthStateTTL)
	assert.Equal(t, int64(1<<20), cfg.MaxRequestBodyBytes)
	assert.Equal(t, "http://localhost:8080/v1/integrations/oauth/callback", cfg.CallbackURL())
}

func TestParseValues(t *testing.T) {
	t.Setenv("KAKEHASHI_PORT", "9090")
	t.Setenv("KAKEHASHI_BASE_URL", "https://kakehashi.example.com/")
	t.Setenv("KAKEHASHI_RETURN_URL_ALLOWLIST", "https://a.example.com,https://b.example.com/settings")
	t.Setenv("KAKEHASHI_WEBHOOK_SECRETS", "github=gh-secret,stripe=whsec_1")
	t.Setenv("KAKEHASHI_OAUTH_STATE_TTL", "5m")

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "https://kakehashi.example.com/v1/integrations/oauth/callback", cfg.CallbackURL())
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com/settings"}, cfg.ReturnURLAllowlist)
	assert.Equal(t, map[string]string{"github": "gh-secret", "stripe": "whsec_1"}, cfg.WebhookSecrets)
	assert.Equal(t, 5*time.Minute, cfg.OAuthStateTTL)
}

func TestParseInvalidPortNamesVariable(t *testing.T) {
	t.Setenv("KAKEHASHI_PORT", "abc")
	_, err := Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAKEHASHI_PORT")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Setenv("KAKEHASHI_STORAGE", "postgres")
	t.Setenv("KAKEHASHI_MAX_REQUEST_BODY_BYTES", "0")
	t.Setenv("KAKEHASHI_INTEGRATIONS_URL", "/relative")

	_, err := Parse()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "DATABASE_URL")
	assert.Contains(t, msg, "KAKEHASHI_MAX_REQUEST_BODY_BYTES")
	assert.Contains(t, msg, "KAKEHASHI_INTEGRATIONS_URL")
}

func TestValidateStorage(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"unknown backend", map[string]string{"KAKEHASHI_STORAGE": "mongo"}, "KAKEHASHI_STORAGE"},
		{"redis without url", map[string]string{"KAKEHASHI_STORAGE": "redis"}, "REDIS_URL"},
		{"redis", map[string]string{"KAKEHASHI_STORAGE": "redis", "REDIS_URL": "redis://localhost:6379/0"}, ""},
		{"sqlite", map[string]string{"KAKEHASHI_STORAGE": "sqlite"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Parse()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestCredentialKey(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
	t.Setenv("KAKEHASHI_CREDENTIAL_KEY", key)
	cfg, err := Parse()
	require.NoError(t, err)
	b, err := cfg.CredentialKeyBytes()
	require.NoError(t, err)
	assert.Len(t, b, 32)

	t.Setenv("KAKEHASHI_CREDENTIAL_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
	_, err = Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestAPIKeyEntries(t *testing.T) {
	t.Setenv("KAKEHASHI_API_KEYS", "ci:svc-ci:c2FsdHNhbHRzYWx0c2FsdA==$aGFzaA==")
	cfg, err := Parse()
	require.NoError(t, err)
	entries, err := cfg.APIKeyEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ci", entries[0].Client)
	assert.Equal(t, "svc-ci", entries[0].UserID)

	t.Setenv("KAKEHASHI_API_KEYS", "missing-parts")
	_, err = Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAKEHASHI_API_KEYS")
}

func TestProvidersData(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)
	b, err := cfg.ProvidersData()
	require.NoError(t, err)
	assert.Nil(t, b)

	path := filepath.Join(t.TempDir(), "providers.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"key":"github"}]`), 0o600))
	t.Setenv("KAKEHASHI_PROVIDERS_FILE", path)
	cfg, err = Parse()
	require.NoError(t, err)
	b, err = cfg.ProvidersData()
	require.NoError(t, err)
	assert.JSONEq(t, `[{"key":"github"}]`, string(b))

	t.Setenv("KAKEHASHI_PROVIDERS", `[]`)
	_, err = Parse()
	require.Error(t, err, "file and inline document are exclusive")
}
