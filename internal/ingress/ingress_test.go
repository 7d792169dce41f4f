package ingress_test

import (
	"encoding/json"
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/ingress"
	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/normalize"
)

// ---- Chat --------------------------------------------------------------

func TestChat_RequiresUserID(t *testing.T) {
	_, err := ingress.Chat(ingress.ChatInput{Message: "hi"})
	require.ErrorIs(t, err, ingress.ErrUserIDRequired)
}

func TestChat_ForcesChatUserStream(t *testing.T) {
	out, err := ingress.Chat(ingress.ChatInput{
		UserID:       "u-1",
		UserName:     "Ada",
		Message:      "summarize this thread",
		WorkspaceID:  "ws-1",
		SpaceContext: map[string]any{"instructions": "cite sources", "complianceRule": "no PII"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.RequestTypeChat, out.RequestType)
	assert.Equal(t, model.Source{Type: model.SourceUser, ID: "u-1", Name: "Ada"}, out.Source)
	assert.Equal(t, model.ResponseStream, out.ResponseMode)
	assert.Equal(t, model.PriorityNormal, out.Priority)
	assert.Equal(t, "cite sources", out.SpaceContext["instructions"])
	assert.Equal(t, "no PII", out.SpaceContext["complianceRule"])
	assert.True(t, normalize.IsNormalizedRequest(out))
}

func TestChat_PreservesCallerRequestID(t *testing.T) {
	out, err := ingress.Chat(ingress.ChatInput{UserID: "u-1", RequestID: "req_from_ui"})
	require.NoError(t, err)
	assert.Equal(t, "req_from_ui", out.RequestID)
}

func TestChat_AuthTokenNeverSerialized(t *testing.T) {
	out, err := ingress.Chat(ingress.ChatInput{UserID: "u-1", AuthToken: "bearer-secret"})
	require.NoError(t, err)
	assert.Equal(t, "bearer-secret", out.AuthToken)

	b, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "bearer-secret")
}

// ---- API ---------------------------------------------------------------

func TestAPI_RequiresMessage(t *testing.T) {
	_, err := ingress.API(ingress.APIInput{Message: "   "})
	require.ErrorIs(t, err, ingress.ErrMessageRequired)
}

func TestAPI_DefaultsAndRedaction(t *testing.T) {
	out, err := ingress.API(ingress.APIInput{
		Message:    "classify ticket 42",
		UserID:     "u-2",
		ClientName: "ci-bot",
		APIKey:     "sk-live-abcdef",
		Metadata:   map[string]any{"team": "support", "X-Auth-Token": "tok-123"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.RequestTypeAPICall, out.RequestType)
	assert.Equal(t, model.SourceAPI, out.Source.Type)
	assert.Equal(t, "ci-bot", out.Source.Name)
	assert.Equal(t, model.ResponseBatch, out.ResponseMode)
	assert.Equal(t, model.PriorityNormal, out.Priority)
	assert.Equal(t, ingress.Redacted, out.Source.Metadata["api_key"])
	assert.Equal(t, ingress.Redacted, out.Source.Metadata["X-Auth-Token"])
	assert.Equal(t, "support", out.Source.Metadata["team"])

	b, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "sk-live-abcdef")
	assert.NotContains(t, string(b), "tok-123")
}

func TestAPI_ExplicitModeAndPriorityWin(t *testing.T) {
	out, err := ingress.API(ingress.APIInput{Message: "go", ResponseMode: model.ResponseStream, Priority: model.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, model.ResponseStream, out.ResponseMode)
	assert.Equal(t, model.PriorityHigh, out.Priority)
}

func TestAPI_NoKeyNoPlaceholder(t *testing.T) {
	out, err := ingress.API(ingress.APIInput{Message: "go"})
	require.NoError(t, err)
	_, ok := out.Source.Metadata["api_key"]
	assert.False(t, ok)
}

func TestAPI_DoesNotMutateCallerMetadata(t *testing.T) {
	meta := map[string]any{"password": "hunter2"}
	_, err := ingress.API(ingress.APIInput{Message: "go", Metadata: meta})
	require.NoError(t, err)
	assert.Equal(t, "hunter2", meta["password"])
}

// ---- Queue -------------------------------------------------------------

func TestQueue_RequiresItemID(t *testing.T) {
	_, err := ingress.Queue(ingress.QueueItem{})
	require.ErrorIs(t, err, ingress.ErrQueueItemIDRequired)
}

func TestQueue_ItemIDBecomesRequestID(t *testing.T) {
	enq := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	out, err := ingress.Queue(ingress.QueueItem{
		ID:         "qi_123",
		BatchID:    "batch_9",
		EnqueuedAt: enq,
		Request:    model.RawRequest{TaskName: "reindex-workspace", TaskConfig: map[string]any{"ws": "ws-1"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "qi_123", out.RequestID)
	assert.Equal(t, model.RequestTypeSystemTask, out.RequestType)
	assert.Equal(t, model.SourceSystem, out.Source.Type)
	assert.Equal(t, "reindex-workspace", out.Source.Name)
	assert.Equal(t, "batch_9", out.Source.Metadata["batch_id"])
	assert.Equal(t, "qi_123", out.Source.Metadata["queue_item_id"])
	assert.Equal(t, "2026-02-01T08:00:00Z", out.Source.Metadata["enqueued_at"])
	assert.Equal(t, model.ResponseBatch, out.ResponseMode)
	assert.Equal(t, model.PriorityLow, out.Priority)
}

func TestQueue_ChatPayloadIsBatched(t *testing.T) {
	out, err := ingress.Queue(ingress.QueueItem{ID: "qi_1", Request: model.RawRequest{Message: "later"}})
	require.NoError(t, err)
	assert.Equal(t, model.RequestTypeChat, out.RequestType)
	assert.Equal(t, model.SourceSystem, out.Source.Type)
	assert.Equal(t, model.ResponseBatch, out.ResponseMode)
	_, hasBatch := out.Source.Metadata["batch_id"]
	assert.False(t, hasBatch)
}

func TestQueue_ExplicitResponseModeKept(t *testing.T) {
	out, err := ingress.Queue(ingress.QueueItem{ID: "qi_2", Request: model.RawRequest{ResponseMode: model.ResponseSilent}})
	require.NoError(t, err)
	assert.Equal(t, model.ResponseSilent, out.ResponseMode)
}

// ---- Webhook -----------------------------------------------------------

func TestWebhook_RejectsNonObjectPayload(t *testing.T) {
	for _, p := range []string{``, `[1,2]`, `"str"`, `{bad json`} {
		_, err := ingress.Webhook(ingress.WebhookInput{Provider: "github", Payload: json.RawMessage(p)})
		assert.ErrorIs(t, err, ingress.ErrInvalidWebhookPayload, "payload %q", p)
	}
}

func TestWebhook_Normalizes(t *testing.T) {
	out, err := ingress.Webhook(ingress.WebhookInput{
		Provider:   "github",
		Payload:    json.RawMessage(`{"action":"opened","repository":{"full_name":"acme/api"}}`),
		Secret:     "shh",
		DeliveryID: "d-1",
		Headers:    map[string]string{"X-GitHub-Event": "pull_request"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.RequestTypeWebhook, out.RequestType)
	assert.Equal(t, model.SourceWebhook, out.Source.Type)
	assert.Equal(t, "github", out.Source.Name)
	assert.Equal(t, "d-1", out.Source.Metadata["delivery_id"])
	assert.Equal(t, "pull_request", out.Source.Metadata["header_x_github_event"])
	assert.Equal(t, model.ResponseBatch, out.ResponseMode)
	assert.Equal(t, "GitHub opened event on acme/api", out.Message)
	assert.Equal(t, "shh", out.WebhookSecret)

	b, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "shh")
}

func TestExtractWebhookContent(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{"repository event", `{"action":"closed","repository":{"full_name":"acme/web"},"message":"ignored"}`, "GitHub closed event on acme/web"},
		{"billing event", `{"type":"invoice.paid","data":{"object":{}},"text":"ignored"}`, "Stripe event: invoice.paid"},
		{"message", `{"message":"deploy finished","content":"ignored"}`, "deploy finished"},
		{"content", `{"content":"new comment","text":"ignored"}`, "new comment"},
		{"text", `{"text":"ping"}`, "ping"},
		{"fallback", `{"zeta":1,"alpha":{"x":2}}`, "Webhook received with keys: zeta, alpha"},
		{"action without repository falls through", `{"action":"opened","text":"hello"}`, "hello"},
		{"type without data falls through", `{"type":"ping"}`, "Webhook received with keys: type"},
		{"non-string message falls through", `{"message":{"nested":true}}`, "Webhook received with keys: message"},
		{"null action falls through", `{"action":null,"repository":{"full_name":"a/b"}}`, "Webhook received with keys: action, repository"},
		{"empty repository name falls through", `{"action":"opened","repository":{"full_name":""},"text":"hi"}`, "hi"},
		{"numeric type falls through", `{"type":7,"data":{}}`, "Webhook received with keys: type, data"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ingress.ExtractWebhookContent([]byte(tc.payload)))
		})
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	sig := ingress.Sign("topsecret", body)

	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.True(t, ingress.VerifySignature("topsecret", body, sig))
	assert.True(t, ingress.VerifySignature("topsecret", body, strings.TrimPrefix(sig, "sha256=")))
	assert.False(t, ingress.VerifySignature("wrong", body, sig))
	assert.False(t, ingress.VerifySignature("topsecret", []byte(`{}`), sig))
	assert.False(t, ingress.VerifySignature("topsecret", body, "sha256=zz"))
	assert.False(t, ingress.VerifySignature("", body, sig))
	assert.False(t, ingress.VerifySignature("topsecret", body, ""))
}

// ---- Architecture ------------------------------------------------------

// Adapters must delegate construction to the normalizer. A non-empty
// composite literal of model.NormalizedRequest in this package means an
// adapter built one by hand.
func TestAdaptersNeverBuildNormalizedRequests(t *testing.T) {
	files, err := filepath.Glob("*.go")
	require.NoError(t, err)

	fset := token.NewFileSet()
	for _, path := range files {
		if strings.HasSuffix(path, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, path, nil, 0)
		require.NoError(t, err)
		ast.Inspect(f, func(n ast.Node) bool {
			lit, ok := n.(*ast.CompositeLit)
			if !ok {
				return true
			}
			sel, ok := lit.Type.(*ast.SelectorExpr)
			if ok && sel.Sel.Name == "NormalizedRequest" && len(lit.Elts) > 0 {
				t.Errorf("%s: adapter constructs model.NormalizedRequest directly", fset.Position(lit.Pos()))
			}
			return true
		})
	}
}

// ---- Agent -------------------------------------------------------------

func TestAgent_RequiresAgentID(t *testing.T) {
	_, err := ingress.Agent(ingress.AgentInput{Goal: "triage", AgentID: "  "})
	require.ErrorIs(t, err, ingress.ErrAgentIDRequired)
}

func TestAgent_DefaultsAndSource(t *testing.T) {
	ctx := map[string]any{"ticket": "T-9"}
	out, err := ingress.Agent(ingress.AgentInput{
		AgentID:    "triage-bot",
		Goal:       "label new issues",
		Context:    ctx,
		OnBehalfOf: "u-1",
	})
	require.NoError(t, err)

	assert.Equal(t, model.RequestTypeAgentAction, out.RequestType)
	assert.Equal(t, model.SourceAgent, out.Source.Type)
	assert.Equal(t, "triage-bot", out.Source.ID)
	assert.Equal(t, ingress.ChannelAgent, out.Source.Metadata["channel"])
	assert.Equal(t, "u-1", out.Source.Metadata["on_behalf_of"])
	assert.Equal(t, model.ResponseSilent, out.ResponseMode)
	assert.Equal(t, model.PriorityHigh, out.Priority)
	assert.Equal(t, "label new issues", out.AgentGoal)

	ctx["ticket"] = "changed"
	assert.Equal(t, "T-9", out.AgentContext["ticket"], "context is copied")
}

func TestAgent_ExplicitModeWins(t *testing.T) {
	out, err := ingress.Agent(ingress.AgentInput{
		AgentID:      "a",
		ResponseMode: model.ResponseBatch,
		Priority:     model.PriorityLow,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ResponseBatch, out.ResponseMode)
	assert.Equal(t, model.PriorityLow, out.Priority)
}
