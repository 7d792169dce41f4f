package redisstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/storage/redisstore"
	"github.com/ashita-ai/kakehashi/internal/storage/storagetest"
	"github.com/ashita-ai/kakehashi/internal/testutil"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	tc, rdb := testutil.MustStartRedis()
	testRedis = rdb

	code := m.Run()

	if testRedis != nil {
		_ = testRedis.Close()
	}
	tc.Terminate()
	os.Exit(code)
}

func newStore(t *testing.T) *redisstore.Store {
	t.Helper()
	testutil.RequireRedis(t, testRedis)
	return redisstore.New(testRedis, redisstore.WithPrefix("test:"+t.Name()+":"))
}

func TestStateStore(t *testing.T) {
	storagetest.RunStateStore(t, newStore(t))
}

func TestCredentialStore(t *testing.T) {
	storagetest.RunCredentialStore(t, newStore(t))
}

func TestDeliveryStore(t *testing.T) {
	storagetest.RunDeliveryStore(t, newStore(t))
}

func TestStateKeyExpires(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	st := storagetest.NewState("github", time.Now(), 10*time.Minute)
	require.NoError(t, s.PutState(ctx, st))

	ttl, err := testRedis.TTL(ctx, "test:"+t.Name()+":oauth_state:"+st.Token).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 9*time.Minute)
	assert.LessOrEqual(t, ttl, 10*time.Minute)
}

func TestCredentialTokensStored(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.UpsertCredential(ctx, model.IntegrationCredentials{
		ProviderKey:  "github",
		UserID:       "u-1",
		Scope:        model.ScopeUser,
		AccessToken:  "at",
		RefreshToken: "rt",
	})
	require.NoError(t, err)

	got, err := s.GetUserCredential(ctx, "github", "u-1")
	require.NoError(t, err)
	assert.Equal(t, "at", got.AccessToken)
	assert.Equal(t, "rt", got.RefreshToken)
}

func TestOpen_BadURL(t *testing.T) {
	_, err := redisstore.Open(context.Background(), "not a url")
	require.Error(t, err)
}
