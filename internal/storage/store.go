package storage

import (
	"context"
	"time"

	"github.com/ashita-ai/kakehashi/internal/model"
)

// StateStore persists OAuth correlation state. ConsumeState must be atomic:
// of two concurrent calls with the same token, at most one succeeds.
type StateStore interface {
	PutState(ctx context.Context, state model.OAuthState) error
	// ConsumeState removes and returns the state for token. It returns
	// ErrStateInvalid when the token is unknown, already consumed, or
	// expired at now.
	ConsumeState(ctx context.Context, token string, now time.Time) (model.OAuthState, error)
	// SweepStates deletes states that expired before now.
	SweepStates(ctx context.Context, now time.Time) (int64, error)
}

// CredentialStore persists integration credentials. There is at most one
// credential per (provider, user) and one per (provider, workspace); writes
// to the same key are last-writer-wins.
type CredentialStore interface {
	// UpsertCredential inserts or replaces the credential for its key and
	// returns the stored record. The id of an existing record is kept.
	UpsertCredential(ctx context.Context, cred model.IntegrationCredentials) (model.IntegrationCredentials, error)
	GetUserCredential(ctx context.Context, providerKey, userID string) (model.IntegrationCredentials, error)
	GetWorkspaceCredential(ctx context.Context, providerKey, workspaceID string) (model.IntegrationCredentials, error)
	// DeleteCredential removes a credential by id. It returns ErrNotFound
	// when no such credential exists.
	DeleteCredential(ctx context.Context, id string) error
}

// WebhookDelivery records one accepted provider delivery.
type WebhookDelivery struct {
	Provider   string    `json:"provider"`
	DeliveryID string    `json:"deliveryId"`
	RequestID  string    `json:"requestId"`
	TraceID    string    `json:"traceId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// DeliveryStore deduplicates webhook redeliveries.
type DeliveryStore interface {
	// BeginDelivery records d unless (provider, delivery id) was seen
	// before. It returns the stored record and whether d was a duplicate;
	// for a duplicate the stored record is the original one.
	BeginDelivery(ctx context.Context, d WebhookDelivery) (WebhookDelivery, bool, error)
	// SweepDeliveries deletes deliveries received before cutoff.
	SweepDeliveries(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is a complete storage backend.
type Store interface {
	StateStore
	CredentialStore
	DeliveryStore

	// Name identifies the backend in health output and logs.
	Name() string
	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

// CredentialOwner returns the id a credential is keyed by within its scope.
func CredentialOwner(c model.IntegrationCredentials) string {
	if c.Scope == model.ScopeWorkspace {
		return c.WorkspaceID
	}
	return c.UserID
}
