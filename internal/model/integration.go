package model

import (
	"net/http"
	"slices"
	"time"
)

// CredentialScope says whether a stored credential belongs to one user or to
// a whole workspace.
type CredentialScope string

const (
	ScopeUser      CredentialScope = "user"
	ScopeWorkspace CredentialScope = "workspace"
)

// IntegrationCredentials is a stored OAuth grant for one provider.
// WorkspaceID is empty for user-scoped credentials.
type IntegrationCredentials struct {
	ID            string          `json:"id"`
	ProviderKey   string          `json:"providerKey"`
	UserID        string          `json:"userId"`
	WorkspaceID   string          `json:"workspaceId,omitempty"`
	Scope         CredentialScope `json:"scope"`
	AccessToken   string          `json:"-"`
	RefreshToken  string          `json:"-"`
	TokenType     string          `json:"tokenType,omitempty"`
	ExpiresAt     *time.Time      `json:"expiresAt,omitempty"`
	GrantedScopes []string        `json:"grantedScopes,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Expired reports whether the access token is past its expiry at now.
// Credentials without an expiry never expire on their own.
func (c IntegrationCredentials) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Refreshable reports whether an expired access token can be renewed.
func (c IntegrationCredentials) Refreshable() bool {
	return c.RefreshToken != ""
}

// MissingScopes returns the entries of required that were not granted.
func (c IntegrationCredentials) MissingScopes(required []string) []string {
	var missing []string
	for _, s := range required {
		if s == "" {
			continue
		}
		if !slices.Contains(c.GrantedScopes, s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// AppItem is an installed tool, assistant, or agent with a declared grant.
type AppItem struct {
	ID          string   `json:"id"`
	Type        string   `json:"type,omitempty"`
	Name        string   `json:"name,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// IsZero reports whether the request carries no app item at all. Any
// descriptive field counts as an app item, with or without an id.
func (a AppItem) IsZero() bool {
	return a.ID == "" && a.Type == "" && a.Name == "" && a.Permissions == nil
}

// ExternalOperationRequest asks the integration service to call a provider
// on behalf of an actor, optionally through an app item.
type ExternalOperationRequest struct {
	AppItem                    AppItem        `json:"appItem"`
	ActorUserID                string         `json:"actorUserId"`
	WorkspaceID                string         `json:"workspaceId,omitempty"`
	ProviderKey                string         `json:"providerKey"`
	Operation                  string         `json:"operation"`
	Payload                    map[string]any `json:"payload,omitempty"`
	PreferWorkspaceIntegration bool           `json:"preferWorkspaceIntegration,omitempty"`
	RequiredScopes             []string       `json:"requiredScopes,omitempty"`
}

// ErrorCode is the closed taxonomy of external-operation failures.
type ErrorCode string

const (
	ErrCredentialMissing ErrorCode = "credential_missing"
	ErrCredentialExpired ErrorCode = "credential_expired"
	ErrScopeInsufficient ErrorCode = "scope_insufficient"
	ErrRateLimited       ErrorCode = "rate_limited"
	ErrProviderError     ErrorCode = "provider_error"
)

// HTTPStatus maps an error code to the status returned to HTTP callers.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrCredentialMissing:
		return http.StatusNotFound
	case ErrCredentialExpired:
		return http.StatusUnauthorized
	case ErrScopeInsufficient:
		return http.StatusForbidden
	case ErrRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ExternalError is the typed failure half of an ExternalOperationResult.
type ExternalError struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
	RequiresReauth bool      `json:"requiresReauth"`
}

// ExternalResultMeta carries timing and routing facts about one call.
type ExternalResultMeta struct {
	Provider        string          `json:"provider"`
	Operation       string          `json:"operation"`
	ExecutionTimeMs int64           `json:"executionTimeMs"`
	CredentialScope CredentialScope `json:"credentialScope,omitempty"`
}

// ExternalOperationResult is the uniform outcome of an external call.
type ExternalOperationResult struct {
	Success  bool               `json:"success"`
	Data     any                `json:"data,omitempty"`
	Error    *ExternalError     `json:"error,omitempty"`
	Metadata ExternalResultMeta `json:"metadata"`
}

// HTTPStatus derives the response status for the result.
func (r ExternalOperationResult) HTTPStatus() int {
	if r.Success || r.Error == nil {
		return http.StatusOK
	}
	return r.Error.Code.HTTPStatus()
}

// OAuthState is the correlation record minted at authorization-init time.
// Token is the opaque value round-tripped through the provider.
type OAuthState struct {
	Token        string    `json:"token"`
	ProviderKey  string    `json:"providerKey"`
	UserID       string    `json:"userId"`
	WorkspaceID  string    `json:"workspaceId,omitempty"`
	RedirectURI  string    `json:"redirectUri,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	AppItemID    string    `json:"appItemId,omitempty"`
	CodeVerifier string    `json:"codeVerifier"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Expired reports whether the state can no longer be consumed at now.
func (s OAuthState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
