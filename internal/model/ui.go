package model

import "time"

// ActorKind is the presentation-layer notion of who is acting in a chat.
type ActorKind string

const (
	ActorUser    ActorKind = "user"
	ActorEditor  ActorKind = "editor"
	ActorAgent   ActorKind = "agent"
	ActorSystem  ActorKind = "system"
	ActorWebhook ActorKind = "webhook"
	ActorAPI     ActorKind = "api"
)

// Valid reports whether k is one of the known actor kinds.
func (k ActorKind) Valid() bool {
	switch k {
	case ActorUser, ActorEditor, ActorAgent, ActorSystem, ActorWebhook, ActorAPI:
		return true
	}
	return false
}

// DisplayMode is how the chat UI wants output rendered.
type DisplayMode string

const (
	DisplayUI      DisplayMode = "ui"
	DisplayMinimal DisplayMode = "minimal"
	DisplaySilent  DisplayMode = "silent"
)

// Valid reports whether d is one of the known display modes.
func (d DisplayMode) Valid() bool {
	switch d {
	case DisplayUI, DisplayMinimal, DisplaySilent:
		return true
	}
	return false
}

// UIActor identifies the acting party in a UIRequest.
type UIActor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
	Name string    `json:"name,omitempty"`
}

// UIRequest is the request shape the interactive chat channel speaks.
type UIRequest struct {
	RequestID    string         `json:"requestId,omitempty"`
	Actor        UIActor        `json:"actor"`
	Message      string         `json:"message"`
	History      []ChatMessage  `json:"history,omitempty"`
	ChatID       string         `json:"chatId,omitempty"`
	WorkspaceID  string         `json:"workspaceId,omitempty"`
	PersonaID    string         `json:"personaId,omitempty"`
	Model        string         `json:"model,omitempty"`
	DisplayMode  DisplayMode    `json:"displayMode,omitempty"`
	SpaceContext map[string]any `json:"spaceContext,omitempty"`
}

// TokenUsage counts tokens consumed by one execution.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ExecutionResult is what routing and model execution hand back for a
// normalized request.
type ExecutionResult struct {
	Content string         `json:"content"`
	Model   string         `json:"model"`
	Usage   TokenUsage     `json:"usage"`
	Routing map[string]any `json:"routing,omitempty"`
}

// UICompletionEvent is the chat-facing view of an ExecutionResult.
type UICompletionEvent struct {
	Type        string         `json:"type"`
	RequestID   string         `json:"requestId"`
	Content     string         `json:"content"`
	Model       string         `json:"model"`
	Usage       TokenUsage     `json:"usage"`
	Routing     map[string]any `json:"routing,omitempty"`
	CompletedAt time.Time      `json:"completedAt"`
}

// UIErrorEvent is sent to chat clients when a request cannot be completed.
type UIErrorEvent struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
