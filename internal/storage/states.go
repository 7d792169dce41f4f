package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kakehashi/internal/model"
)

// PutState implements StateStore.
func (db *DB) PutState(ctx context.Context, s model.OAuthState) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO oauth_states
		   (token, provider_key, user_id, workspace_id, redirect_uri, scopes, app_item_id, code_verifier, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.Token, s.ProviderKey, s.UserID, s.WorkspaceID, s.RedirectURI, nonNil(s.Scopes),
		s.AppItemID, s.CodeVerifier, s.CreatedAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: put oauth state: %w", err)
	}
	return nil
}

// ConsumeState implements StateStore. DELETE ... RETURNING makes the read
// and the removal one statement, so concurrent callbacks cannot both win.
func (db *DB) ConsumeState(ctx context.Context, token string, now time.Time) (model.OAuthState, error) {
	var s model.OAuthState
	err := db.pool.QueryRow(ctx,
		`DELETE FROM oauth_states WHERE token = $1
		 RETURNING token, provider_key, user_id, workspace_id, redirect_uri, scopes, app_item_id, code_verifier, created_at, expires_at`,
		token,
	).Scan(&s.Token, &s.ProviderKey, &s.UserID, &s.WorkspaceID, &s.RedirectURI, &s.Scopes,
		&s.AppItemID, &s.CodeVerifier, &s.CreatedAt, &s.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.OAuthState{}, ErrStateInvalid
	}
	if err != nil {
		return model.OAuthState{}, fmt.Errorf("storage: consume oauth state: %w", err)
	}
	if s.Expired(now) {
		return model.OAuthState{}, ErrStateInvalid
	}
	return s, nil
}

// SweepStates implements StateStore.
func (db *DB) SweepStates(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("storage: sweep oauth states: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
