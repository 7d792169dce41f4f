package ingress

import (
	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/normalize"
)

// ChatInput is what the interactive chat channel receives for one turn.
type ChatInput struct {
	UserID      string
	UserName    string
	Message     string
	History     []model.ChatMessage
	ChatID      string
	WorkspaceID string
	PersonaID   string
	Model       string
	AuthToken   string

	// SpaceContext is passed through untouched (space instructions,
	// compliance rule, anything else the space attaches).
	SpaceContext map[string]any

	// RequestID is an optional caller-supplied id to preserve.
	RequestID string
}

// Chat normalizes an interactive chat turn: a chat request from the user,
// streamed back. Caller options run after the adapter's own overrides.
func Chat(in ChatInput, opts ...normalize.Option) (model.NormalizedRequest, error) {
	if in.UserID == "" {
		return model.NormalizedRequest{}, ErrUserIDRequired
	}
	raw := model.RawRequest{
		Message:      in.Message,
		History:      in.History,
		ChatID:       in.ChatID,
		WorkspaceID:  in.WorkspaceID,
		PersonaID:    in.PersonaID,
		UserID:       in.UserID,
		Model:        in.Model,
		AuthToken:    in.AuthToken,
		SpaceContext: in.SpaceContext,
	}
	rt := model.RequestTypeChat
	mode := model.ResponseStream
	forced := normalize.Overrides{
		RequestType:  &rt,
		Source:       &model.Source{Type: model.SourceUser, ID: in.UserID, Name: in.UserName},
		ResponseMode: &mode,
	}
	if in.RequestID != "" {
		forced.RequestID = &in.RequestID
	}
	return normalize.Normalize(raw, append([]normalize.Option{normalize.WithOverrides(forced)}, opts...)...), nil
}
