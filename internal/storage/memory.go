package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kakehashi/internal/model"
)

// Memory is an in-process Store. It is the default for development and
// single-instance deployments; nothing survives a restart.
type Memory struct {
	mu         sync.Mutex
	states     map[string]model.OAuthState
	creds      map[credKey]model.IntegrationCredentials
	deliveries map[deliveryKey]WebhookDelivery
	now        func() time.Time
}

type credKey struct {
	provider string
	scope    model.CredentialScope
	owner    string
}

type deliveryKey struct {
	provider string
	id       string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		states:     make(map[string]model.OAuthState),
		creds:      make(map[credKey]model.IntegrationCredentials),
		deliveries: make(map[deliveryKey]WebhookDelivery),
		now:        time.Now,
	}
}

// Name implements Store.
func (m *Memory) Name() string { return "memory" }

// Ping implements Store.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements Store.
func (m *Memory) Close(context.Context) {}

// PutState implements StateStore.
func (m *Memory) PutState(_ context.Context, s model.OAuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Scopes = slices.Clone(s.Scopes)
	m.states[s.Token] = s
	return nil
}

// ConsumeState implements StateStore.
func (m *Memory) ConsumeState(_ context.Context, token string, now time.Time) (model.OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[token]
	if !ok {
		return model.OAuthState{}, ErrStateInvalid
	}
	delete(m.states, token)
	if s.Expired(now) {
		return model.OAuthState{}, ErrStateInvalid
	}
	return s, nil
}

// SweepStates implements StateStore.
func (m *Memory) SweepStates(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.states {
		if s.Expired(now) {
			delete(m.states, k)
			n++
		}
	}
	return n, nil
}

// UpsertCredential implements CredentialStore.
func (m *Memory) UpsertCredential(_ context.Context, c model.IntegrationCredentials) (model.IntegrationCredentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := credKey{provider: c.ProviderKey, scope: c.Scope, owner: CredentialOwner(c)}
	now := m.now().UTC()
	if prev, ok := m.creds[key]; ok {
		c.ID = prev.ID
		c.CreatedAt = prev.CreatedAt
	} else {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.GrantedScopes = slices.Clone(c.GrantedScopes)
	m.creds[key] = c
	return c, nil
}

// GetUserCredential implements CredentialStore.
func (m *Memory) GetUserCredential(_ context.Context, providerKey, userID string) (model.IntegrationCredentials, error) {
	return m.get(credKey{provider: providerKey, scope: model.ScopeUser, owner: userID})
}

// GetWorkspaceCredential implements CredentialStore.
func (m *Memory) GetWorkspaceCredential(_ context.Context, providerKey, workspaceID string) (model.IntegrationCredentials, error) {
	return m.get(credKey{provider: providerKey, scope: model.ScopeWorkspace, owner: workspaceID})
}

func (m *Memory) get(key credKey) (model.IntegrationCredentials, error) {
	if key.owner == "" {
		return model.IntegrationCredentials{}, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[key]
	if !ok {
		return model.IntegrationCredentials{}, ErrNotFound
	}
	c.GrantedScopes = slices.Clone(c.GrantedScopes)
	return c, nil
}

// DeleteCredential implements CredentialStore.
func (m *Memory) DeleteCredential(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, c := range m.creds {
		if c.ID == id {
			delete(m.creds, k)
			return nil
		}
	}
	return ErrNotFound
}

// BeginDelivery implements DeliveryStore.
func (m *Memory) BeginDelivery(_ context.Context, d WebhookDelivery) (WebhookDelivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := deliveryKey{provider: d.Provider, id: d.DeliveryID}
	if prev, ok := m.deliveries[key]; ok {
		return prev, true, nil
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = m.now().UTC()
	}
	m.deliveries[key] = d
	return d, false, nil
}

// SweepDeliveries implements DeliveryStore.
func (m *Memory) SweepDeliveries(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, d := range m.deliveries {
		if d.ReceivedAt.Before(cutoff) {
			delete(m.deliveries, k)
			n++
		}
	}
	return n, nil
}
