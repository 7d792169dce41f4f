// Package sqlite implements storage.Store over a single SQLite file, for
// single-instance deployments that want state to survive restarts without
// running Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/storage"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Store implements storage.Store over SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// bundled schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite: path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway and a single
	// connection avoids SQLITE_BUSY under concurrent consumers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Name implements storage.Store.
func (s *Store) Name() string { return "sqlite" }

// Ping implements storage.Store.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements storage.Store.
func (s *Store) Close(context.Context) { _ = s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("sqlite: ensure migration table: %w", err)
	}
	names, err := fs.Glob(schemaFS, "schema/*.sql")
	if err != nil {
		return fmt.Errorf("sqlite: list schema: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE name = ?`, name).Scan(&one)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: check migration %s: %w", name, err)
		}
		body, err := schemaFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("sqlite: read migration %s: %w", name, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`, name, toMillis(s.now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %s: %w", name, err)
		}
	}
	return nil
}

// ---- OAuth states ----

// PutState implements storage.StateStore.
func (s *Store) PutState(ctx context.Context, st model.OAuthState) error {
	scopes, err := encodeList(st.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO oauth_states
		   (token, provider_key, user_id, workspace_id, redirect_uri, scopes, app_item_id, code_verifier, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.Token, st.ProviderKey, st.UserID, st.WorkspaceID, st.RedirectURI, scopes,
		st.AppItemID, st.CodeVerifier, toMillis(st.CreatedAt), toMillis(st.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: put oauth state: %w", err)
	}
	return nil
}

// ConsumeState implements storage.StateStore.
func (s *Store) ConsumeState(ctx context.Context, token string, now time.Time) (model.OAuthState, error) {
	var (
		st                 model.OAuthState
		scopes             string
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM oauth_states WHERE token = ?
		 RETURNING token, provider_key, user_id, workspace_id, redirect_uri, scopes, app_item_id, code_verifier, created_at, expires_at`,
		token,
	).Scan(&st.Token, &st.ProviderKey, &st.UserID, &st.WorkspaceID, &st.RedirectURI, &scopes,
		&st.AppItemID, &st.CodeVerifier, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OAuthState{}, storage.ErrStateInvalid
	}
	if err != nil {
		return model.OAuthState{}, fmt.Errorf("sqlite: consume oauth state: %w", err)
	}
	if st.Scopes, err = decodeList(scopes); err != nil {
		return model.OAuthState{}, err
	}
	st.CreatedAt, st.ExpiresAt = fromMillis(created), fromMillis(expiresAt)
	if st.Expired(now) {
		return model.OAuthState{}, storage.ErrStateInvalid
	}
	return st, nil
}

// SweepStates implements storage.StateStore.
func (s *Store) SweepStates(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweep oauth states: %w", err)
	}
	return res.RowsAffected()
}

// ---- Credentials ----

const credentialColumns = `id, provider_key, scope, user_id, workspace_id, access_token, refresh_token,
	token_type, expires_at, granted_scopes, created_at, updated_at`

// UpsertCredential implements storage.CredentialStore.
func (s *Store) UpsertCredential(ctx context.Context, c model.IntegrationCredentials) (model.IntegrationCredentials, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	granted, err := encodeList(c.GrantedScopes)
	if err != nil {
		return model.IntegrationCredentials{}, err
	}
	var expiresAt sql.NullInt64
	if c.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: toMillis(*c.ExpiresAt), Valid: true}
	}
	now := toMillis(s.now())

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO integration_credentials
		   (id, provider_key, scope, owner_id, user_id, workspace_id, access_token, refresh_token,
		    token_type, expires_at, granted_scopes, created_at, updated_at)
		 VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?12)
		 ON CONFLICT (provider_key, scope, owner_id) DO UPDATE SET
		   user_id = excluded.user_id,
		   workspace_id = excluded.workspace_id,
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   token_type = excluded.token_type,
		   expires_at = excluded.expires_at,
		   granted_scopes = excluded.granted_scopes,
		   updated_at = excluded.updated_at
		 RETURNING `+credentialColumns,
		c.ID, c.ProviderKey, string(c.Scope), storage.CredentialOwner(c), c.UserID, c.WorkspaceID,
		c.AccessToken, c.RefreshToken, c.TokenType, expiresAt, granted, now,
	)
	out, err := scanCredential(row)
	if err != nil {
		return model.IntegrationCredentials{}, fmt.Errorf("sqlite: upsert credential: %w", err)
	}
	return out, nil
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
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM integration_credentials
		 WHERE provider_key = ? AND scope = ? AND owner_id = ?`,
		providerKey, string(scope), owner,
	)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.IntegrationCredentials{}, storage.ErrNotFound
	}
	if err != nil {
		return model.IntegrationCredentials{}, fmt.Errorf("sqlite: get credential: %w", err)
	}
	return c, nil
}

// DeleteCredential implements storage.CredentialStore.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM integration_credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete credential: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanCredential(row *sql.Row) (model.IntegrationCredentials, error) {
	var (
		c                  model.IntegrationCredentials
		scope, granted     string
		expiresAt          sql.NullInt64
		created, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.ProviderKey, &scope, &c.UserID, &c.WorkspaceID, &c.AccessToken,
		&c.RefreshToken, &c.TokenType, &expiresAt, &granted, &created, &updatedAt); err != nil {
		return model.IntegrationCredentials{}, err
	}
	var err error
	if c.GrantedScopes, err = decodeList(granted); err != nil {
		return model.IntegrationCredentials{}, err
	}
	c.Scope = model.CredentialScope(scope)
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		c.ExpiresAt = &t
	}
	c.CreatedAt, c.UpdatedAt = fromMillis(created), fromMillis(updatedAt)
	return c, nil
}

// ---- Webhook deliveries ----

// BeginDelivery implements storage.DeliveryStore.
func (s *Store) BeginDelivery(ctx context.Context, d storage.WebhookDelivery) (storage.WebhookDelivery, bool, error) {
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (provider, delivery_id, request_id, trace_id, received_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		d.Provider, d.DeliveryID, d.RequestID, d.TraceID, toMillis(d.ReceivedAt),
	)
	if err != nil {
		return storage.WebhookDelivery{}, false, fmt.Errorf("sqlite: begin delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return d, false, nil
	}

	var (
		prev     storage.WebhookDelivery
		received int64
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT provider, delivery_id, request_id, trace_id, received_at
		 FROM webhook_deliveries WHERE provider = ? AND delivery_id = ?`,
		d.Provider, d.DeliveryID,
	).Scan(&prev.Provider, &prev.DeliveryID, &prev.RequestID, &prev.TraceID, &received); err != nil {
		return storage.WebhookDelivery{}, false, fmt.Errorf("sqlite: lookup delivery: %w", err)
	}
	prev.ReceivedAt = fromMillis(received)
	return prev, true, nil
}

// SweepDeliveries implements storage.DeliveryStore.
func (s *Store) SweepDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE received_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweep deliveries: %w", err)
	}
	return res.RowsAffected()
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode list: %w", err)
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("sqlite: decode list: %w", err)
	}
	return out, nil
}
