// Package redisstore implements storage.Store on Redis, for deployments that
// run several instances without a relational database.
//
// OAuth states are plain keys with a TTL and are consumed with GETDEL, which
// is atomic across instances. Webhook deliveries are reserved with SET NX and
// indexed in a sorted set by receive time so they can be swept.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/storage"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "kakehashi:"

// DefaultDeliveryTTL bounds how long a delivery key lives when the sweeper
// never runs.
const DefaultDeliveryTTL = 72 * time.Hour

// Store implements storage.Store on a go-redis client.
type Store struct {
	rdb         redis.UniversalClient
	prefix      string
	deliveryTTL time.Duration
	now         func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(p string) Option { return func(s *Store) { s.prefix = p } }

// WithDeliveryTTL sets the expiry of delivery keys.
func WithDeliveryTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.deliveryTTL = d
		}
	}
}

// New wraps an existing client. The caller keeps ownership of rdb only if it
// does not call Close.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, prefix: DefaultPrefix, deliveryTTL: DefaultDeliveryTTL, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open parses a redis:// URL and connects.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	rdb := redis.NewClient(o)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return New(rdb, opts...), nil
}

// Client exposes the underlying client so the queue and rate limiter can
// share the connection pool.
func (s *Store) Client() redis.UniversalClient { return s.rdb }

// Name implements storage.Store.
func (s *Store) Name() string { return "redis" }

// Ping implements storage.Store.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// Close implements storage.Store.
func (s *Store) Close(context.Context) { _ = s.rdb.Close() }

func (s *Store) stateKey(token string) string { return s.prefix + "oauth_state:" + token }

func (s *Store) credKey(provider string, scope model.CredentialScope, owner string) string {
	return s.prefix + "cred:" + provider + ":" + string(scope) + ":" + owner
}

func (s *Store) credIDKey(id string) string { return s.prefix + "cred_id:" + id }

func (s *Store) deliveryKey(provider, id string) string {
	return s.prefix + "delivery:" + provider + ":" + id
}

func (s *Store) deliveryIndex() string { return s.prefix + "deliveries" }

// ---- OAuth states ----

// PutState implements storage.StateStore. A state that has already expired
// is not written, since it could never be consumed.
func (s *Store) PutState(ctx context.Context, st model.OAuthState) error {
	ttl := st.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redisstore: encode oauth state: %w", err)
	}
	if err := s.rdb.Set(ctx, s.stateKey(st.Token), b, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: put oauth state: %w", err)
	}
	return nil
}

// ConsumeState implements storage.StateStore.
func (s *Store) ConsumeState(ctx context.Context, token string, now time.Time) (model.OAuthState, error) {
	b, err := s.rdb.GetDel(ctx, s.stateKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.OAuthState{}, storage.ErrStateInvalid
	}
	if err != nil {
		return model.OAuthState{}, fmt.Errorf("redisstore: consume oauth state: %w", err)
	}
	var st model.OAuthState
	if err := json.Unmarshal(b, &st); err != nil {
		return model.OAuthState{}, fmt.Errorf("redisstore: decode oauth state: %w", err)
	}
	if st.Expired(now) {
		return model.OAuthState{}, storage.ErrStateInvalid
	}
	return st, nil
}

// SweepStates implements storage.StateStore. Key expiry removes states, so
// there is never anything to sweep.
func (s *Store) SweepStates(context.Context, time.Time) (int64, error) { return 0, nil }

// ---- Credentials ----

// UpsertCredential implements storage.CredentialStore.
func (s *Store) UpsertCredential(ctx context.Context, c model.IntegrationCredentials) (model.IntegrationCredentials, error) {
	key := s.credKey(c.ProviderKey, c.Scope, storage.CredentialOwner(c))
	now := s.now().UTC()

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			c.CreatedAt = now
		case err != nil:
			return err
		default:
			var old model.IntegrationCredentials
			if err := json.Unmarshal(prev, &old); err != nil {
				return err
			}
			c.ID, c.CreatedAt = old.ID, old.CreatedAt
		}
		c.UpdatedAt = now

		b, err := json.Marshal(storedCredential(c))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, 0)
			p.Set(ctx, s.credIDKey(c.ID), key, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return model.IntegrationCredentials{}, fmt.Errorf("redisstore: upsert credential: %w", err)
	}
	return c, nil
}

// GetUserCredential implements storage.CredentialStore.
func (s *Store) GetUserCredential(ctx context.Context, providerKey, userID string) (model.IntegrationCredentials, error) {
	return s.getCredential(ctx, providerKey, model.ScopeUser, userID)
}

// GetWorkspaceCredential implements storage.CredentialStore.
func (s *Store) GetWorkspaceCredential(ctx context.Context, providerKey, workspaceID string) (model.IntegrationCredentials, error) {
	return s.getCredential(ctx, providerKey, model.ScopeWorkspace, workspaceID)
}

func (s *Store) getCredential(ctx context.Context, providerKey string, scope model.CredentialScope, owner string) (model.IntegrationCredentials, error) {
	if owner == "" {
		return model.IntegrationCredentials{}, storage.ErrNotFound
	}
	b, err := s.rdb.Get(ctx, s.credKey(providerKey, scope, owner)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.IntegrationCredentials{}, storage.ErrNotFound
	}
	if err != nil {
		return model.IntegrationCredentials{}, fmt.Errorf("redisstore: get credential: %w", err)
	}
	var sc credentialRecord
	if err := json.Unmarshal(b, &sc); err != nil {
		return model.IntegrationCredentials{}, fmt.Errorf("redisstore: decode credential: %w", err)
	}
	return sc.credentials(), nil
}

// DeleteCredential implements storage.CredentialStore.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	idKey := s.credIDKey(id)
	key, err := s.rdb.GetDel(ctx, idKey).Result()
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redisstore: delete credential: %w", err)
	}
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redisstore: delete credential: %w", err)
	}
	return nil
}

// credentialRecord is the stored form. model.IntegrationCredentials hides its
// tokens from JSON, so they are carried explicitly here.
type credentialRecord struct {
	model.IntegrationCredentials
	Access  string `json:"accessToken"`
	Refresh string `json:"refreshToken,omitempty"`
}

func storedCredential(c model.IntegrationCredentials) credentialRecord {
	return credentialRecord{IntegrationCredentials: c, Access: c.AccessToken, Refresh: c.RefreshToken}
}

func (r credentialRecord) credentials() model.IntegrationCredentials {
	c := r.IntegrationCredentials
	c.AccessToken, c.RefreshToken = r.Access, r.Refresh
	return c
}

// ---- Webhook deliveries ----

// BeginDelivery implements storage.DeliveryStore.
func (s *Store) BeginDelivery(ctx context.Context, d storage.WebhookDelivery) (storage.WebhookDelivery, bool, error) {
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = s.now().UTC()
	}
	b, err := json.Marshal(d)
	if err != nil {
		return storage.WebhookDelivery{}, false, fmt.Errorf("redisstore: encode delivery: %w", err)
	}
	key := s.deliveryKey(d.Provider, d.DeliveryID)

	ok, err := s.rdb.SetNX(ctx, key, b, s.deliveryTTL).Result()
	if err != nil {
		return storage.WebhookDelivery{}, false, fmt.Errorf("redisstore: begin delivery: %w", err)
	}
	if ok {
		if err := s.rdb.ZAdd(ctx, s.deliveryIndex(), redis.Z{Score: float64(d.ReceivedAt.UnixMilli()), Member: key}).Err(); err != nil {
			return storage.WebhookDelivery{}, false, fmt.Errorf("redisstore: index delivery: %w", err)
		}
		return d, false, nil
	}

	prev, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return storage.WebhookDelivery{}, false, fmt.Errorf("redisstore: lookup delivery: %w", err)
	}
	var out storage.WebhookDelivery
	if err := json.Unmarshal(prev, &out); err != nil {
		return storage.WebhookDelivery{}, false, fmt.Errorf("redisstore: decode delivery: %w", err)
	}
	return out, true, nil
}

// SweepDeliveries implements storage.DeliveryStore.
func (s *Store) SweepDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	keys, err := s.rdb.ZRangeByScore(ctx, s.deliveryIndex(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: sweep deliveries: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	var deleted *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		deleted = p.Del(ctx, keys...)
		p.ZRem(ctx, s.deliveryIndex(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redisstore: sweep deliveries: %w", err)
	}
	return deleted.Val(), nil
}
