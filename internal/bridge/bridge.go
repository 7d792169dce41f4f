// Package bridge translates between the chat UI's request and result shapes
// and the canonical request. Only the interactive chat channel uses it.
package bridge

import (
	"time"

	"github.com/ashita-ai/kakehashi/internal/ingress"
	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/normalize"
)

// CompletionEventType is the Type of every UICompletionEvent.
const CompletionEventType = "completion"

// ErrorEventType is the Type of every UIErrorEvent.
const ErrorEventType = "error"

// SourceTypeForActor maps a UI actor kind to a canonical source type.
// Editors are users as far as routing is concerned.
func SourceTypeForActor(k model.ActorKind) model.SourceType {
	switch k {
	case model.ActorAgent:
		return model.SourceAgent
	case model.ActorSystem:
		return model.SourceSystem
	case model.ActorWebhook:
		return model.SourceWebhook
	case model.ActorAPI:
		return model.SourceAPI
	default:
		return model.SourceUser
	}
}

// ResponseModeForDisplay maps a UI display mode to a response mode.
func ResponseModeForDisplay(d model.DisplayMode) model.ResponseMode {
	switch d {
	case model.DisplayMinimal:
		return model.ResponseBatch
	case model.DisplaySilent:
		return model.ResponseSilent
	default:
		return model.ResponseStream
	}
}

// ToCanonical normalizes a UI request. User and editor turns go through the
// chat adapter; other actors are normalized directly with their source and
// display mode forced. A caller-supplied RequestID is preserved.
func ToCanonical(req model.UIRequest, opts ...normalize.Option) (model.NormalizedRequest, error) {
	mode := ResponseModeForDisplay(req.DisplayMode)
	st := SourceTypeForActor(req.Actor.Kind)

	if st == model.SourceUser {
		in := ingress.ChatInput{
			UserID:       req.Actor.ID,
			UserName:     req.Actor.Name,
			Message:      req.Message,
			History:      req.History,
			ChatID:       req.ChatID,
			WorkspaceID:  req.WorkspaceID,
			PersonaID:    req.PersonaID,
			Model:        req.Model,
			SpaceContext: req.SpaceContext,
			RequestID:    req.RequestID,
		}
		if mode != model.ResponseStream {
			opts = append(opts[:len(opts):len(opts)], normalize.WithOverrides(normalize.Overrides{ResponseMode: &mode}))
		}
		return ingress.Chat(in, opts...)
	}

	raw := model.RawRequest{
		Message:      req.Message,
		History:      req.History,
		ChatID:       req.ChatID,
		WorkspaceID:  req.WorkspaceID,
		PersonaID:    req.PersonaID,
		Model:        req.Model,
		SpaceContext: req.SpaceContext,
		RequestType:  model.RequestTypeChat,
	}
	if st == model.SourceAgent {
		raw.AgentID = req.Actor.ID
	}
	forced := normalize.Overrides{
		Source:       &model.Source{Type: st, ID: req.Actor.ID, Name: req.Actor.Name},
		ResponseMode: &mode,
	}
	if req.RequestID != "" {
		forced.RequestID = &req.RequestID
	}
	return normalize.Normalize(raw, append(opts[:len(opts):len(opts)], normalize.WithOverrides(forced))...), nil
}

// ToUICompletion maps an execution result to the event the chat UI renders.
// requestID, the model, and token counts carry over unchanged; a zero total
// is filled in from the prompt and completion counts.
func ToUICompletion(requestID string, res model.ExecutionResult, now time.Time) model.UICompletionEvent {
	usage := res.Usage
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return model.UICompletionEvent{
		Type:        CompletionEventType,
		RequestID:   requestID,
		Content:     res.Content,
		Model:       res.Model,
		Usage:       usage,
		Routing:     res.Routing,
		CompletedAt: now.UTC(),
	}
}

// ToUIError builds the error event sent to chat clients.
func ToUIError(requestID, code, message string) model.UIErrorEvent {
	return model.UIErrorEvent{Type: ErrorEventType, RequestID: requestID, Code: code, Message: message}
}
