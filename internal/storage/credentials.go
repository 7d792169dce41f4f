package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kakehashi/internal/model"
)

const credentialColumns = `id, provider_key, scope, user_id, workspace_id, access_token, refresh_token,
	token_type, expires_at, granted_scopes, created_at, updated_at`

// UpsertCredential implements CredentialStore. Conflicts on
// (provider_key, scope, owner_id) replace the tokens and keep the id.
func (db *DB) UpsertCredential(ctx context.Context, c model.IntegrationCredentials) (model.IntegrationCredentials, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := db.now().UTC()

	var out model.IntegrationCredentials
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		row := db.pool.QueryRow(ctx,
			`INSERT INTO integration_credentials
			   (id, provider_key, scope, owner_id, user_id, workspace_id, access_token, refresh_token,
			    token_type, expires_at, granted_scopes, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
			 ON CONFLICT (provider_key, scope, owner_id) DO UPDATE SET
			   user_id = EXCLUDED.user_id,
			   workspace_id = EXCLUDED.workspace_id,
			   access_token = EXCLUDED.access_token,
			   refresh_token = EXCLUDED.refresh_token,
			   token_type = EXCLUDED.token_type,
			   expires_at = EXCLUDED.expires_at,
			   granted_scopes = EXCLUDED.granted_scopes,
			   updated_at = EXCLUDED.updated_at
			 RETURNING `+credentialColumns,
			c.ID, c.ProviderKey, string(c.Scope), CredentialOwner(c), c.UserID, c.WorkspaceID,
			c.AccessToken, c.RefreshToken, c.TokenType, c.ExpiresAt, nonNil(c.GrantedScopes), now,
		)
		var err error
		out, err = scanCredential(row)
		return err
	})
	if err != nil {
		return model.IntegrationCredentials{}, fmt.Errorf("storage: upsert credential: %w", err)
	}
	return out, nil
}

// GetUserCredential implements CredentialStore.
func (db *DB) GetUserCredential(ctx context.Context, providerKey, userID string) (model.IntegrationCredentials, error) {
	return db.getCredential(ctx, providerKey, model.ScopeUser, userID)
}

// GetWorkspaceCredential implements CredentialStore.
func (db *DB) GetWorkspaceCredential(ctx context.Context, providerKey, workspaceID string) (model.IntegrationCredentials, error) {
	return db.getCredential(ctx, providerKey, model.ScopeWorkspace, workspaceID)
}

func (db *DB) getCredential(ctx context.Context, providerKey string, scope model.CredentialScope, owner string) (model.IntegrationCredentials, error) {
	if owner == "" {
		return model.IntegrationCredentials{}, ErrNotFound
	}
	row := db.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM integration_credentials
		 WHERE provider_key = $1 AND scope = $2 AND owner_id = $3`,
		providerKey, string(scope), owner,
	)
	c, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.IntegrationCredentials{}, ErrNotFound
	}
	if err != nil {
		return model.IntegrationCredentials{}, fmt.Errorf("storage: get credential: %w", err)
	}
	return c, nil
}

// DeleteCredential implements CredentialStore.
func (db *DB) DeleteCredential(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM integration_credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCredential(row pgx.Row) (model.IntegrationCredentials, error) {
	var (
		c     model.IntegrationCredentials
		scope string
	)
	err := row.Scan(&c.ID, &c.ProviderKey, &scope, &c.UserID, &c.WorkspaceID, &c.AccessToken,
		&c.RefreshToken, &c.TokenType, &c.ExpiresAt, &c.GrantedScopes, &c.CreatedAt, &c.UpdatedAt)
	c.Scope = model.CredentialScope(scope)
	return c, err
}
