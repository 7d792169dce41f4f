package bridge_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/bridge"
	"github.com/ashita-ai/kakehashi/internal/ingress"
	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/normalize"
)

func TestSourceTypeForActor(t *testing.T) {
	cases := map[model.ActorKind]model.SourceType{
		model.ActorUser:    model.SourceUser,
		model.ActorEditor:  model.SourceUser,
		model.ActorAgent:   model.SourceAgent,
		model.ActorSystem:  model.SourceSystem,
		model.ActorWebhook: model.SourceWebhook,
		model.ActorAPI:     model.SourceAPI,
		"unknown":          model.SourceUser,
	}
	for kind, want := range cases {
		assert.Equal(t, want, bridge.SourceTypeForActor(kind), kind)
	}
}

func TestResponseModeForDisplay(t *testing.T) {
	assert.Equal(t, model.ResponseStream, bridge.ResponseModeForDisplay(model.DisplayUI))
	assert.Equal(t, model.ResponseBatch, bridge.ResponseModeForDisplay(model.DisplayMinimal))
	assert.Equal(t, model.ResponseSilent, bridge.ResponseModeForDisplay(model.DisplaySilent))
	assert.Equal(t, model.ResponseStream, bridge.ResponseModeForDisplay(""))
}

func TestToCanonical_EditorIsUser(t *testing.T) {
	out, err := bridge.ToCanonical(model.UIRequest{
		RequestID:   "req_ui_1",
		Actor:       model.UIActor{Kind: model.ActorEditor, ID: "u-7", Name: "Grace"},
		Message:     "rewrite intro",
		DisplayMode: model.DisplayMinimal,
	})
	require.NoError(t, err)
	assert.Equal(t, "req_ui_1", out.RequestID)
	assert.Equal(t, model.RequestTypeChat, out.RequestType)
	assert.Equal(t, model.SourceUser, out.Source.Type)
	assert.Equal(t, "u-7", out.Source.ID)
	assert.Equal(t, model.ResponseBatch, out.ResponseMode)
}

func TestToCanonical_UserWithoutIDFails(t *testing.T) {
	_, err := bridge.ToCanonical(model.UIRequest{Actor: model.UIActor{Kind: model.ActorUser}, Message: "hi"})
	require.ErrorIs(t, err, ingress.ErrUserIDRequired)
}

func TestToCanonical_AgentActor(t *testing.T) {
	out, err := bridge.ToCanonical(model.UIRequest{
		Actor:       model.UIActor{Kind: model.ActorAgent, ID: "agent-3"},
		Message:     "status?",
		DisplayMode: model.DisplaySilent,
	})
	require.NoError(t, err)
	assert.Equal(t, model.SourceAgent, out.Source.Type)
	assert.Equal(t, "agent-3", out.Source.ID)
	assert.Equal(t, "agent-3", out.AgentID)
	assert.Equal(t, model.ResponseSilent, out.ResponseMode)
	assert.NotEmpty(t, out.RequestID)
	assert.True(t, normalize.IsNormalizedRequest(out))
}

func TestToUICompletion_RoundTripIsLossless(t *testing.T) {
	req, err := bridge.ToCanonical(model.UIRequest{
		RequestID: "req_ui_42",
		Actor:     model.UIActor{Kind: model.ActorUser, ID: "u-1"},
		Message:   "hello",
	})
	require.NoError(t, err)

	now := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	res := model.ExecutionResult{
		Content: "hi there",
		Model:   "claude-sonnet",
		Usage:   model.TokenUsage{PromptTokens: 12, CompletionTokens: 30, TotalTokens: 42},
		Routing: map[string]any{"reason": "default"},
	}
	ev := bridge.ToUICompletion(req.RequestID, res, now)

	assert.Equal(t, bridge.CompletionEventType, ev.Type)
	assert.Equal(t, "req_ui_42", ev.RequestID)
	assert.Equal(t, "claude-sonnet", ev.Model)
	assert.Equal(t, 42, ev.Usage.TotalTokens)
	assert.Equal(t, "hi there", ev.Content)
	assert.Equal(t, "default", ev.Routing["reason"])
	assert.Equal(t, now, ev.CompletedAt)
}

func TestToUICompletion_FillsTotal(t *testing.T) {
	ev := bridge.ToUICompletion("r", model.ExecutionResult{Usage: model.TokenUsage{PromptTokens: 5, CompletionTokens: 7}}, time.Now())
	assert.Equal(t, 12, ev.Usage.TotalTokens)
}

func TestToUIError(t *testing.T) {
	ev := bridge.ToUIError("r-1", "INVALID_INPUT", "message is required")
	assert.Equal(t, model.UIErrorEvent{Type: "error", RequestID: "r-1", Code: "INVALID_INPUT", Message: "message is required"}, ev)
}
