package kakehashi

import (
	"encoding/json"
	"time"
)

// ChatMessage is one prior turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Source identifies who or what produced a request.
type Source struct {
	Type     string         `json:"type"`
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RawRequest is the loose input shape accepted by Normalize and Enqueue.
type RawRequest struct {
	Message        string          `json:"message,omitempty"`
	History        []ChatMessage   `json:"history,omitempty"`
	ChatID         string          `json:"chatId,omitempty"`
	WorkspaceID    string          `json:"workspaceId,omitempty"`
	PersonaID      string          `json:"personaId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Model          string          `json:"model,omitempty"`
	WebhookPayload json.RawMessage `json:"webhookPayload,omitempty"`
	TaskName       string          `json:"taskName,omitempty"`
	TaskConfig     map[string]any  `json:"taskConfig,omitempty"`
	AgentID        string          `json:"agentId,omitempty"`
	AgentGoal      string          `json:"agentGoal,omitempty"`
	AgentContext   map[string]any  `json:"agentContext,omitempty"`
	CallbackURL    string          `json:"callbackUrl,omitempty"`
	SpaceContext   map[string]any  `json:"spaceContext,omitempty"`
	RequestType    string          `json:"requestType,omitempty"`
	Source         *Source         `json:"source,omitempty"`
	ResponseMode   string          `json:"responseMode,omitempty"`
	Priority       string          `json:"priority,omitempty"`
}

// NormalizedRequest mirrors the server's canonical request.
type NormalizedRequest struct {
	Message        string          `json:"message,omitempty"`
	History        []ChatMessage   `json:"history,omitempty"`
	ChatID         string          `json:"chatId,omitempty"`
	WorkspaceID    string          `json:"workspaceId,omitempty"`
	PersonaID      string          `json:"personaId,omitempty"`
	Model          string          `json:"model,omitempty"`
	WebhookPayload json.RawMessage `json:"webhookPayload,omitempty"`
	TaskName       string          `json:"taskName,omitempty"`
	TaskConfig     map[string]any  `json:"taskConfig,omitempty"`
	AgentID        string          `json:"agentId,omitempty"`
	AgentGoal      string          `json:"agentGoal,omitempty"`
	AgentContext   map[string]any  `json:"agentContext,omitempty"`
	CallbackURL    string          `json:"callbackUrl,omitempty"`
	SpaceContext   map[string]any  `json:"spaceContext,omitempty"`
	RequestType    string          `json:"requestType"`
	Source         Source          `json:"source"`
	ResponseMode   string          `json:"responseMode"`
	Priority       string          `json:"priority"`
	NormalizedAt   time.Time       `json:"normalizedAt"`
	RequestID      string          `json:"requestId"`
	TraceID        string          `json:"traceId"`
}

// SubmitRequest is the body of POST /v1/requests.
type SubmitRequest struct {
	Message      string         `json:"message"`
	History      []ChatMessage  `json:"history,omitempty"`
	ChatID       string         `json:"chatId,omitempty"`
	WorkspaceID  string         `json:"workspaceId,omitempty"`
	PersonaID    string         `json:"personaId,omitempty"`
	Model        string         `json:"model,omitempty"`
	ResponseMode string         `json:"responseMode,omitempty"`
	Priority     string         `json:"priority,omitempty"`
	CallbackURL  string         `json:"callbackUrl,omitempty"`
	ClientName   string         `json:"clientName,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TokenUsage is the token accounting of one completion.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ExecutionResult is what the server's dispatcher produced.
type ExecutionResult struct {
	Content string         `json:"content"`
	Model   string         `json:"model"`
	Usage   TokenUsage     `json:"usage"`
	Routing map[string]any `json:"routing,omitempty"`
}

// SubmitResponse is returned by Submit. Result is nil when the server has
// no dispatcher.
type SubmitResponse struct {
	Request NormalizedRequest `json:"request"`
	Result  *ExecutionResult  `json:"result,omitempty"`
}

// Actor is who sent a chat message.
type Actor struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// ChatRequest is one UI chat message.
type ChatRequest struct {
	RequestID    string         `json:"requestId,omitempty"`
	Actor        Actor          `json:"actor"`
	Message      string         `json:"message"`
	History      []ChatMessage  `json:"history,omitempty"`
	ChatID       string         `json:"chatId,omitempty"`
	WorkspaceID  string         `json:"workspaceId,omitempty"`
	PersonaID    string         `json:"personaId,omitempty"`
	Model        string         `json:"model,omitempty"`
	DisplayMode  string         `json:"displayMode,omitempty"`
	SpaceContext map[string]any `json:"spaceContext,omitempty"`
}

// ChatEvent is a server answer to a chat message. Type is "completion" or
// "error"; the error fields are set only for errors.
type ChatEvent struct {
	Type        string         `json:"type"`
	RequestID   string         `json:"requestId"`
	Content     string         `json:"content,omitempty"`
	Model       string         `json:"model,omitempty"`
	Usage       TokenUsage     `json:"usage"`
	Routing     map[string]any `json:"routing,omitempty"`
	CompletedAt time.Time      `json:"completedAt"`
	Code        string         `json:"code,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// IsError reports whether the event is an error event.
func (e ChatEvent) IsError() bool { return e.Type == "error" }

// Enqueued acknowledges a queued batch request.
type Enqueued struct {
	ID         string    `json:"id"`
	BatchID    string    `json:"batchId,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Provider is the public view of a configured integration provider.
type Provider struct {
	Key        string   `json:"key"`
	Name       string   `json:"name"`
	Scopes     []string `json:"scopes,omitempty"`
	Operations []string `json:"operations"`
}

// ConnectRequest starts an OAuth connection.
type ConnectRequest struct {
	ProviderKey    string   `json:"providerKey"`
	WorkspaceID    string   `json:"workspaceId,omitempty"`
	Scopes         []string `json:"scopes,omitempty"`
	RedirectURI    string   `json:"redirectUri,omitempty"`
	AppItemID      string   `json:"appItemId,omitempty"`
	AppPermissions []string `json:"appPermissions,omitempty"`
}

// ConnectResponse carries the URL to send the user's browser to.
type ConnectResponse struct {
	AuthURL  string `json:"authUrl"`
	Provider string `json:"provider"`
	Message  string `json:"message"`
}

// ExternalCallRequest runs an operation against a connected provider.
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

// ExternalError is the classified failure of an external call. Code is one
// of credential_missing, credential_expired, scope_insufficient,
// rate_limited or provider_error.
type ExternalError struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	RequiresReauth bool   `json:"requiresReauth"`
}

// ExternalResult is the uniform outcome of an external call.
type ExternalResult struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    *ExternalError `json:"error,omitempty"`
	Metadata struct {
		Provider        string `json:"provider"`
		Operation       string `json:"operation"`
		ExecutionTimeMs int64  `json:"executionTimeMs"`
		CredentialScope string `json:"credentialScope,omitempty"`
	} `json:"metadata"`
}

// Health is the server's health report.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	Uptime  int64  `json:"uptime_seconds"`
}
