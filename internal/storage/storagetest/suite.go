// Package storagetest holds behavior tests every storage backend must pass.
// Backend test files call the Run functions with a live store.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/storage"
)

// NewState returns a state for provider that expires ttl after now.
func NewState(provider string, now time.Time, ttl time.Duration) model.OAuthState {
	return model.OAuthState{
		Token:        "st-" + uuid.NewString(),
		ProviderKey:  provider,
		UserID:       "user-" + uuid.NewString()[:8],
		WorkspaceID:  "ws-1",
		RedirectURI:  "https://app.example.com/integrations",
		Scopes:       []string{"repo", "read:user"},
		AppItemID:    "app-1",
		CodeVerifier: "verifier-" + uuid.NewString(),
		CreatedAt:    now.UTC().Truncate(time.Microsecond),
		ExpiresAt:    now.Add(ttl).UTC().Truncate(time.Microsecond),
	}
}

// RunStateStore exercises single consumption, expiry, and sweeping.
func RunStateStore(t *testing.T, s storage.StateStore) {
	ctx := context.Background()
	now := time.Now()

	t.Run("consume once", func(t *testing.T) {
		st := NewState("github", now, 10*time.Minute)
		require.NoError(t, s.PutState(ctx, st))

		got, err := s.ConsumeState(ctx, st.Token, now)
		require.NoError(t, err)
		assert.Equal(t, st.ProviderKey, got.ProviderKey)
		assert.Equal(t, st.UserID, got.UserID)
		assert.Equal(t, st.WorkspaceID, got.WorkspaceID)
		assert.Equal(t, st.RedirectURI, got.RedirectURI)
		assert.Equal(t, st.Scopes, got.Scopes)
		assert.Equal(t, st.AppItemID, got.AppItemID)
		assert.Equal(t, st.CodeVerifier, got.CodeVerifier)
		assert.WithinDuration(t, st.ExpiresAt, got.ExpiresAt, time.Second)

		_, err = s.ConsumeState(ctx, st.Token, now)
		require.ErrorIs(t, err, storage.ErrStateInvalid)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := s.ConsumeState(ctx, "st-does-not-exist", now)
		require.ErrorIs(t, err, storage.ErrStateInvalid)
	})

	t.Run("expired", func(t *testing.T) {
		st := NewState("github", now, time.Minute)
		require.NoError(t, s.PutState(ctx, st))
		_, err := s.ConsumeState(ctx, st.Token, now.Add(2*time.Minute))
		require.ErrorIs(t, err, storage.ErrStateInvalid)
	})

	t.Run("concurrent consumers", func(t *testing.T) {
		st := NewState("github", now, 10*time.Minute)
		require.NoError(t, s.PutState(ctx, st))

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.ConsumeState(ctx, st.Token, now); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("sweep", func(t *testing.T) {
		old := NewState("sweep-test", now.Add(-time.Hour), time.Minute)
		fresh := NewState("sweep-test", now, time.Hour)
		require.NoError(t, s.PutState(ctx, old))
		require.NoError(t, s.PutState(ctx, fresh))

		_, err := s.SweepStates(ctx, now)
		require.NoError(t, err)

		// Consuming with a clock before its expiry shows the row is gone
		// rather than merely expired.
		_, err = s.ConsumeState(ctx, old.Token, now.Add(-2*time.Hour))
		require.ErrorIs(t, err, storage.ErrStateInvalid)
		_, err = s.ConsumeState(ctx, fresh.Token, now)
		require.NoError(t, err)
	})
}

// RunCredentialStore exercises scoping, last-writer-wins, and deletion.
func RunCredentialStore(t *testing.T, s storage.CredentialStore) {
	ctx := context.Background()
	provider := "prov-" + uuid.NewString()[:8]
	userID := "user-" + uuid.NewString()[:8]
	wsID := "ws-" + uuid.NewString()[:8]
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)

	t.Run("missing", func(t *testing.T) {
		_, err := s.GetUserCredential(ctx, provider, userID)
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.GetWorkspaceCredential(ctx, provider, wsID)
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.GetWorkspaceCredential(ctx, provider, "")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	var userCred model.IntegrationCredentials
	t.Run("user upsert and get", func(t *testing.T) {
		var err error
		userCred, err = s.UpsertCredential(ctx, model.IntegrationCredentials{
			ProviderKey:   provider,
			UserID:        userID,
			Scope:         model.ScopeUser,
			AccessToken:   "at-1",
			RefreshToken:  "rt-1",
			TokenType:     "Bearer",
			ExpiresAt:     &exp,
			GrantedScopes: []string{"repo"},
		})
		require.NoError(t, err)
		require.NotEmpty(t, userCred.ID)
		assert.Equal(t, "at-1", userCred.AccessToken)

		got, err := s.GetUserCredential(ctx, provider, userID)
		require.NoError(t, err)
		assert.Equal(t, userCred.ID, got.ID)
		assert.Equal(t, model.ScopeUser, got.Scope)
		assert.Equal(t, "at-1", got.AccessToken)
		assert.Equal(t, "rt-1", got.RefreshToken)
		assert.Equal(t, []string{"repo"}, got.GrantedScopes)
		require.NotNil(t, got.ExpiresAt)
		assert.WithinDuration(t, exp, *got.ExpiresAt, time.Second)
	})

	t.Run("last writer wins and keeps id", func(t *testing.T) {
		again, err := s.UpsertCredential(ctx, model.IntegrationCredentials{
			ProviderKey: provider,
			UserID:      userID,
			Scope:       model.ScopeUser,
			AccessToken: "at-2",
		})
		require.NoError(t, err)
		assert.Equal(t, userCred.ID, again.ID)

		got, err := s.GetUserCredential(ctx, provider, userID)
		require.NoError(t, err)
		assert.Equal(t, "at-2", got.AccessToken)
		assert.Empty(t, got.RefreshToken)
		assert.Nil(t, got.ExpiresAt)
	})

	t.Run("workspace scope is separate", func(t *testing.T) {
		ws, err := s.UpsertCredential(ctx, model.IntegrationCredentials{
			ProviderKey: provider,
			UserID:      userID,
			WorkspaceID: wsID,
			Scope:       model.ScopeWorkspace,
			AccessToken: "ws-at",
		})
		require.NoError(t, err)
		assert.NotEqual(t, userCred.ID, ws.ID)

		got, err := s.GetWorkspaceCredential(ctx, provider, wsID)
		require.NoError(t, err)
		assert.Equal(t, "ws-at", got.AccessToken)
		assert.Equal(t, model.ScopeWorkspace, got.Scope)

		user, err := s.GetUserCredential(ctx, provider, userID)
		require.NoError(t, err)
		assert.Equal(t, "at-2", user.AccessToken)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteCredential(ctx, userCred.ID))
		_, err := s.GetUserCredential(ctx, provider, userID)
		require.ErrorIs(t, err, storage.ErrNotFound)
		require.ErrorIs(t, s.DeleteCredential(ctx, userCred.ID), storage.ErrNotFound)
	})
}

// RunDeliveryStore exercises redelivery detection and sweeping.
func RunDeliveryStore(t *testing.T, s storage.DeliveryStore) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("duplicate returns original", func(t *testing.T) {
		first := storage.WebhookDelivery{Provider: "github", DeliveryID: uuid.NewString(), RequestID: "req-1", TraceID: "trc-1", ReceivedAt: now}
		got, dup, err := s.BeginDelivery(ctx, first)
		require.NoError(t, err)
		assert.False(t, dup)
		assert.Equal(t, "req-1", got.RequestID)

		second := first
		second.RequestID, second.TraceID = "req-2", "trc-2"
		got, dup, err = s.BeginDelivery(ctx, second)
		require.NoError(t, err)
		assert.True(t, dup)
		assert.Equal(t, "req-1", got.RequestID)
		assert.Equal(t, "trc-1", got.TraceID)
	})

	t.Run("same id different provider", func(t *testing.T) {
		id := uuid.NewString()
		_, dup, err := s.BeginDelivery(ctx, storage.WebhookDelivery{Provider: "github", DeliveryID: id, RequestID: "a", TraceID: "a", ReceivedAt: now})
		require.NoError(t, err)
		assert.False(t, dup)
		_, dup, err = s.BeginDelivery(ctx, storage.WebhookDelivery{Provider: "stripe", DeliveryID: id, RequestID: "b", TraceID: "b", ReceivedAt: now})
		require.NoError(t, err)
		assert.False(t, dup)
	})

	t.Run("sweep", func(t *testing.T) {
		old := storage.WebhookDelivery{Provider: "github", DeliveryID: uuid.NewString(), RequestID: "r", TraceID: "t", ReceivedAt: now.Add(-48 * time.Hour)}
		_, _, err := s.BeginDelivery(ctx, old)
		require.NoError(t, err)

		n, err := s.SweepDeliveries(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))

		_, dup, err := s.BeginDelivery(ctx, old)
		require.NoError(t, err)
		assert.False(t, dup, "swept delivery id is accepted again")
	})
}
