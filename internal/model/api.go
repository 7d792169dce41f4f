package model

import (
	"errors"
	"fmt"
	"time"
)

// Field length limits for inbound request bodies. These keep one oversized
// field from filling logs and provider payloads with caller-controlled data.
const (
	MaxMessageLen     = 256 * 1024 // 256 KB
	MaxProviderKeyLen = 64
	MaxOperationLen   = 128
	MaxScopes         = 64
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// OAuthInitRequest is the request body for POST /v1/integrations/oauth/init.
type OAuthInitRequest struct {
	ProviderKey    string   `json:"providerKey"`
	WorkspaceID    string   `json:"workspaceId,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
	RedirectURI    string   `json:"redirectUri,omitempty"`
	AppItemID      string   `json:"appItemId,omitempty"`
	AppPermissions []string `json:"appPermissions,omitempty"`
}

// Validate checks required fields and length limits.
func (r OAuthInitRequest) Validate() error {
	if err := ValidateIdentifier("providerKey", r.ProviderKey); err != nil {
		return err
	}
	if len(r.ProviderKey) > MaxProviderKeyLen {
		return fmt.Errorf("providerKey exceeds maximum length of %d characters", MaxProviderKeyLen)
	}
	if len(r.Scopes) > MaxScopes {
		return fmt.Errorf("scopes exceeds maximum of %d entries", MaxScopes)
	}
	if r.AppItemID == "" && r.AppPermissions != nil {
		return errAppItemID
	}
	return nil
}

var errAppItemID = errors.New("appItemId is required when an app item is described")

// OAuthInitResponse is the response body for POST /v1/integrations/oauth/init.
type OAuthInitResponse struct {
	AuthURL  string `json:"authUrl"`
	Provider string `json:"provider"`
	Message  string `json:"message"`
}

// ExternalCallRequest is the request body for POST /v1/integrations/external.
type ExternalCallRequest struct {
	ProviderKey                string         `json:"providerKey"`
	Operation                  string         `json:"operation"`
	Payload                    map[string]any `json:"payload,omitempty"`
	WorkspaceID                string         `json:"workspaceId,omitempty"`
	PreferWorkspaceIntegration bool           `json:"preferWorkspaceIntegration,omitempty"`
	RequiredScopes             []string       `json:"requiredScopes,omitempty"`
	AppItemID                  string         `json:"appItemId,omitempty"`
	AppItemType                string         `json:"appItemType,omitempty"`
	AppItemName                string         `json:"appItemName,omitempty"`
	AppPermissions             []string       `json:"appPermissions,omitempty"`
}

// Validate checks required fields and length limits.
func (r ExternalCallRequest) Validate() error {
	if err := ValidateIdentifier("providerKey", r.ProviderKey); err != nil {
		return err
	}
	if len(r.ProviderKey) > MaxProviderKeyLen {
		return fmt.Errorf("providerKey exceeds maximum length of %d characters", MaxProviderKeyLen)
	}
	if r.Operation == "" {
		return fmt.Errorf("operation is required")
	}
	if len(r.Operation) > MaxOperationLen {
		return fmt.Errorf("operation exceeds maximum length of %d characters", MaxOperationLen)
	}
	if len(r.RequiredScopes) > MaxScopes {
		return fmt.Errorf("requiredScopes exceeds maximum of %d entries", MaxScopes)
	}
	if r.AppItemID == "" && !r.AppItem().IsZero() {
		return errAppItemID
	}
	return nil
}

// AppItem returns the app item named by the request, if any.
func (r ExternalCallRequest) AppItem() AppItem {
	return AppItem{
		ID:          r.AppItemID,
		Type:        r.AppItemType,
		Name:        r.AppItemName,
		Permissions: r.AppPermissions,
	}
}

// SubmitRequest is the request body for POST /v1/requests (API channel).
type SubmitRequest struct {
	Message      string         `json:"message"`
	History      []ChatMessage  `json:"history,omitempty"`
	ChatID       string         `json:"chatId,omitempty"`
	WorkspaceID  string         `json:"workspaceId,omitempty"`
	PersonaID    string         `json:"personaId,omitempty"`
	Model        string         `json:"model,omitempty"`
	ResponseMode ResponseMode   `json:"responseMode,omitempty"`
	Priority     Priority       `json:"priority,omitempty"`
	CallbackURL  string         `json:"callbackUrl,omitempty"`
	ClientName   string         `json:"clientName,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Validate checks length limits. Presence of the message is the API
// adapter's concern.
func (r SubmitRequest) Validate() error {
	if len(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}

// SubmitResponse is the response body for POST /v1/requests.
type SubmitResponse struct {
	Request NormalizedRequest `json:"request"`
	Result  *ExecutionResult  `json:"result,omitempty"`
}

// WebhookAccepted is the response body for POST /v1/webhooks/{provider}.
type WebhookAccepted struct {
	RequestID string `json:"requestId"`
	TraceID   string `json:"traceId"`
	Duplicate bool   `json:"duplicate"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	Uptime  int64  `json:"uptime_seconds"`
}
