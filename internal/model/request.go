package model

import (
	"encoding/json"
	"time"
)

// RequestType classifies what kind of work an inbound request asks for.
type RequestType string

const (
	RequestTypeChat        RequestType = "chat"
	RequestTypeWebhook     RequestType = "webhook"
	RequestTypeSystemTask  RequestType = "system_task"
	RequestTypeAgentAction RequestType = "agent_action"
	RequestTypeAPICall     RequestType = "api_call"
)

// RequestTypes returns every request type in declaration order.
func RequestTypes() []RequestType {
	return []RequestType{
		RequestTypeChat,
		RequestTypeWebhook,
		RequestTypeSystemTask,
		RequestTypeAgentAction,
		RequestTypeAPICall,
	}
}

// Valid reports whether t is one of the known request types.
func (t RequestType) Valid() bool {
	switch t {
	case RequestTypeChat, RequestTypeWebhook, RequestTypeSystemTask, RequestTypeAgentAction, RequestTypeAPICall:
		return true
	}
	return false
}

// SourceType identifies who or what originated a request.
type SourceType string

const (
	SourceUser    SourceType = "user"
	SourceAgent   SourceType = "agent"
	SourceSystem  SourceType = "system"
	SourceWebhook SourceType = "webhook"
	SourceAPI     SourceType = "api"
)

// Valid reports whether s is one of the known source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourceUser, SourceAgent, SourceSystem, SourceWebhook, SourceAPI:
		return true
	}
	return false
}

// ResponseMode is how the caller expects to receive output.
type ResponseMode string

const (
	ResponseStream ResponseMode = "stream"
	ResponseBatch  ResponseMode = "batch"
	ResponseSilent ResponseMode = "silent"
)

// Valid reports whether m is one of the known response modes.
func (m ResponseMode) Valid() bool {
	switch m {
	case ResponseStream, ResponseBatch, ResponseSilent:
		return true
	}
	return false
}

// Priority is the scheduling priority of a request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// RequestDefaults is one row of the default-derivation table.
type RequestDefaults struct {
	SourceType   SourceType
	ResponseMode ResponseMode
	Priority     Priority
}

// DefaultsFor returns the defaults applied when a request of type t does not
// specify its own source, response mode, or priority. Unknown types get the
// chat row so normalization never fails.
func DefaultsFor(t RequestType) RequestDefaults {
	switch t {
	case RequestTypeChat:
		return RequestDefaults{SourceType: SourceUser, ResponseMode: ResponseStream, Priority: PriorityNormal}
	case RequestTypeWebhook:
		return RequestDefaults{SourceType: SourceWebhook, ResponseMode: ResponseBatch, Priority: PriorityNormal}
	case RequestTypeSystemTask:
		return RequestDefaults{SourceType: SourceSystem, ResponseMode: ResponseBatch, Priority: PriorityLow}
	case RequestTypeAgentAction:
		return RequestDefaults{SourceType: SourceAgent, ResponseMode: ResponseSilent, Priority: PriorityHigh}
	case RequestTypeAPICall:
		return RequestDefaults{SourceType: SourceAPI, ResponseMode: ResponseBatch, Priority: PriorityNormal}
	}
	return DefaultsFor(RequestTypeChat)
}

// Source describes the originator of a request.
type Source struct {
	Type     SourceType     `json:"type"`
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChatMessage is one turn of prior conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NormalizedRequest is the canonical envelope every entry channel produces.
// Build it only with normalize.Normalize; downstream code derives from it and
// never mutates it.
type NormalizedRequest struct {
	// Carried fields. Which ones are set depends on the channel.
	Message        string          `json:"message,omitempty"`
	History        []ChatMessage   `json:"history,omitempty"`
	ChatID         string          `json:"chatId,omitempty"`
	WorkspaceID    string          `json:"workspaceId,omitempty"`
	PersonaID      string          `json:"personaId,omitempty"`
	Model          string          `json:"model,omitempty"`
	AuthToken      string          `json:"-"`
	WebhookPayload json.RawMessage `json:"webhookPayload,omitempty"`
	WebhookSecret  string          `json:"-"`
	TaskName       string          `json:"taskName,omitempty"`
	TaskConfig     map[string]any  `json:"taskConfig,omitempty"`
	AgentID        string          `json:"agentId,omitempty"`
	AgentGoal      string          `json:"agentGoal,omitempty"`
	AgentContext   map[string]any  `json:"agentContext,omitempty"`
	CallbackURL    string          `json:"callbackUrl,omitempty"`
	SpaceContext   map[string]any  `json:"spaceContext,omitempty"`

	// Guaranteed fields. Always populated after normalization.
	RequestType  RequestType  `json:"requestType"`
	Source       Source       `json:"source"`
	ResponseMode ResponseMode `json:"responseMode"`
	Priority     Priority     `json:"priority"`
	NormalizedAt time.Time    `json:"normalizedAt"`
	RequestID    string       `json:"requestId"`
	TraceID      string       `json:"traceId"`
}

// RawRequest is the pre-normalization shape produced by ingress adapters.
// Every guaranteed field is optional here; the zero value means "derive it".
type RawRequest struct {
	Message        string          `json:"message,omitempty"`
	History        []ChatMessage   `json:"history,omitempty"`
	ChatID         string          `json:"chatId,omitempty"`
	WorkspaceID    string          `json:"workspaceId,omitempty"`
	PersonaID      string          `json:"personaId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Model          string          `json:"model,omitempty"`
	AuthToken      string          `json:"-"`
	WebhookPayload json.RawMessage `json:"webhookPayload,omitempty"`
	WebhookSecret  string          `json:"-"`
	TaskName       string          `json:"taskName,omitempty"`
	TaskConfig     map[string]any  `json:"taskConfig,omitempty"`
	AgentID        string          `json:"agentId,omitempty"`
	AgentGoal      string          `json:"agentGoal,omitempty"`
	AgentContext   map[string]any  `json:"agentContext,omitempty"`
	CallbackURL    string          `json:"callbackUrl,omitempty"`
	SpaceContext   map[string]any  `json:"spaceContext,omitempty"`

	RequestType  RequestType  `json:"requestType,omitempty"`
	Source       *Source      `json:"source,omitempty"`
	ResponseMode ResponseMode `json:"responseMode,omitempty"`
	Priority     Priority     `json:"priority,omitempty"`
}
