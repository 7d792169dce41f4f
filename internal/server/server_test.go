package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/auth"
	"github.com/ashita-ai/kakehashi/internal/dispatch"
	"github.com/ashita-ai/kakehashi/internal/ingress"
	"github.com/ashita-ai/kakehashi/internal/integration"
	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/ratelimit"
	"github.com/ashita-ai/kakehashi/internal/server"
	"github.com/ashita-ai/kakehashi/internal/storage"
	"github.com/ashita-ai/kakehashi/internal/testutil"
)

const webhookSecret = "whsec-test"

// tokenServer is a provider token endpoint accepting the code "good-code".
func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"bearer","refresh_token":"rt-1","expires_in":3600,"scope":"repo"}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

// recordingDispatcher counts dispatches and echoes the message.
type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []model.NormalizedRequest
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, req model.NormalizedRequest) (model.ExecutionResult, error) {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	d.mu.Unlock()
	return dispatch.Echo.Dispatch(ctx, req)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reqs)
}

type harness struct {
	srv        *server.Server
	handler    http.Handler
	mem        *storage.Memory
	jwt        *auth.JWTManager
	dispatcher *recordingDispatcher
	apiStatus  int
	apiKey     string
}

type harnessOption func(*server.ServerConfig)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ts := tokenServer(t)
	h := &harness{mem: storage.NewMemory(), dispatcher: &recordingDispatcher{}, apiStatus: http.StatusOK}

	reg, err := integration.NewRegistry(integration.ProviderConfig{
		Key:          "github",
		Name:         "GitHub",
		ClientID:     "cid",
		ClientSecret: "secret",
		AuthURL:      "https://github.example.com/login/oauth/authorize",
		TokenURL:     ts.URL,
		APIBaseURL:   "https://api.github.example.com",
		Scopes:       []string{"repo"},
		Operations: map[string]integration.Operation{
			"list_repos": {Method: http.MethodGet, Path: "/user/repos"},
		},
	})
	require.NoError(t, err)

	svc, err := integration.New(integration.Config{
		Providers:        reg,
		States:           h.mem,
		Credentials:      h.mem,
		CallbackURL:      "https://kakehashi.example.com/v1/integrations/oauth/callback",
		DefaultReturnURL: "https://app.example.com/integrations",
		HTTPClient:       ts.Client(),
		Executor: integration.ExecutorFunc(func(context.Context, integration.ProviderCall) (integration.ProviderResponse, error) {
			return integration.ProviderResponse{Status: h.apiStatus, Data: map[string]any{"message": "from provider"}}, nil
		}),
		Logger: testutil.TestLogger(),
	})
	require.NoError(t, err)

	h.jwt, err = auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	h.apiKey, err = auth.GenerateAPIKey()
	require.NoError(t, err)
	hash, err := auth.HashAPIKey(h.apiKey)
	require.NoError(t, err)

	cfg := server.ServerConfig{
		Integrations:   svc,
		JWTMgr:         h.jwt,
		Logger:         testutil.TestLogger(),
		Dispatcher:     h.dispatcher,
		Deliveries:     h.mem,
		Storage:        h.mem,
		APIKeys:        auth.NewAPIKeyring([]auth.APIKeyEntry{{Client: "ci", UserID: "svc-ci", Hash: hash}}),
		WebhookSecrets: map[string]string{"github": webhookSecret},
		Version:        "test",
		OpenAPISpec:    []byte("openapi: 3.1.0\n"),
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.srv = server.New(cfg)
	h.handler = h.srv.Handler()
	return h
}

func (h *harness) token(t *testing.T, userID string, workspaces ...string) string {
	t.Helper()
	tok, _, err := h.jwt.IssueToken(auth.Principal{UserID: userID, Name: "Test User", Workspaces: workspaces})
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var env struct {
		Error model.ErrorDetail `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error
}

// ---------- Auth and middleware ----------

func TestAuth_RequiredOnProtectedRoutes(t *testing.T) {
	h := newHarness(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/requests"},
		{http.MethodPost, "/v1/chat"},
		{http.MethodPost, "/v1/normalize"},
		{http.MethodPost, "/v1/integrations/oauth/init"},
		{http.MethodPost, "/v1/integrations/external"},
		{http.MethodGet, "/v1/integrations/providers"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := h.do(t, tc.method, tc.path, "", map[string]any{})
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, rec).Code)
		})
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/requests", "not-a-jwt", map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/requests", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_APIKey(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/requests", strings.NewReader(`{"message":"hello from ci"}`))
	req.Header.Set("X-API-Key", h.apiKey)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	out := decodeData[model.SubmitResponse](t, rec)
	assert.Equal(t, "svc-ci", out.Request.Source.ID)
	assert.Equal(t, "ci", out.Request.Source.Name)
	assert.Equal(t, ingress.Redacted, out.Request.Source.Metadata["api_key"])
	assert.NotContains(t, rec.Body.String(), h.apiKey)

	req = httptest.NewRequest(http.MethodPost, "/v1/requests", strings.NewReader(`{"message":"x"}`))
	req.Header.Set("X-API-Key", "kk_wrong")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_HeadersAndRequestID(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-from-client")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-from-client", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	rec = h.do(t, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"), "generated when absent")
}

func TestHealthAndOpenAPI(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeData[model.HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "memory", health.Storage)
	assert.Equal(t, "test", health.Version)

	rec = h.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi:")
}

func TestDecode_RejectsUnknownFieldsAndLargeBodies(t *testing.T) {
	h := newHarness(t, func(c *server.ServerConfig) { c.MaxRequestBodyBytes = 64 })
	tok := h.token(t, "u-1")

	rec := h.do(t, http.MethodPost, "/v1/requests", tok, map[string]any{"message": "hi", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/requests", tok, map[string]any{"message": strings.Repeat("x", 200)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimit_PerCaller(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	h := newHarness(t, func(c *server.ServerConfig) { c.Limiter = limiter })

	first := h.do(t, http.MethodPost, "/v1/normalize", h.token(t, "u-1"), map[string]any{"message": "a"})
	assert.Equal(t, http.StatusOK, first.Code)
	second := h.do(t, http.MethodPost, "/v1/normalize", h.token(t, "u-1"), map[string]any{"message": "b"})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	other := h.do(t, http.MethodPost, "/v1/normalize", h.token(t, "u-2"), map[string]any{"message": "c"})
	assert.Equal(t, http.StatusOK, other.Code, "limits are per caller")
}

// ---------- Requests and chat ----------

func TestSubmit(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/requests", h.token(t, "u-1", "ws-1"), map[string]any{
		"message":     "summarize the release notes",
		"workspaceId": "ws-1",
		"priority":    "high",
		"metadata":    map[string]any{"token": "secret-value", "team": "core"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	out := decodeData[model.SubmitResponse](t, rec)
	assert.Equal(t, model.RequestTypeAPICall, out.Request.RequestType)
	assert.Equal(t, model.SourceAPI, out.Request.Source.Type)
	assert.Equal(t, model.PriorityHigh, out.Request.Priority)
	assert.Equal(t, model.ResponseBatch, out.Request.ResponseMode)
	assert.Equal(t, "u-1", out.Request.Source.ID)
	assert.Equal(t, ingress.Redacted, out.Request.Source.Metadata["token"])
	require.NotNil(t, out.Result)
	assert.Equal(t, "summarize the release notes", out.Result.Content)
}

func TestSubmit_Errors(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, "u-1", "ws-1")

	rec := h.do(t, http.MethodPost, "/v1/requests", tok, map[string]any{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/requests", tok, map[string]any{"message": "hi", "workspaceId": "ws-other"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, h.dispatcher.count())
}

func TestChat(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/chat", h.token(t, "u-1"), map[string]any{
		"requestId": "req-chat-1",
		"actor":     map[string]any{"kind": "user", "id": "someone-else"},
		"message":   "hello",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ev := decodeData[model.UICompletionEvent](t, rec)
	assert.Equal(t, "req-chat-1", ev.RequestID)
	assert.Equal(t, "hello", ev.Content)

	require.Equal(t, 1, h.dispatcher.count())
	assert.Equal(t, "u-1", h.dispatcher.reqs[0].Source.ID, "user turns act as the caller")
}

func TestChat_NonUserActorNeedsServiceCaller(t *testing.T) {
	h := newHarness(t)
	body := map[string]any{"actor": map[string]any{"kind": "agent", "id": "bot"}, "message": "run"}

	rec := h.do(t, http.MethodPost, "/v1/chat", h.token(t, "u-1"), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(b))
	req.Header.Set("X-API-Key", h.apiKey)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestChat_RejectsUnknownEnums(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, "u-1")

	rec := h.do(t, http.MethodPost, "/v1/chat", tok, map[string]any{
		"actor":   map[string]any{"kind": "robot", "id": "r2"},
		"message": "beep",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, rec).Code)
	assert.Contains(t, rec.Body.String(), "robot")

	rec = h.do(t, http.MethodPost, "/v1/chat", tok, map[string]any{"message": "hi", "displayMode": "hologram"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, h.dispatcher.count(), "nothing dispatched")
}

func TestChat_NoDispatcher(t *testing.T) {
	h := newHarness(t, func(c *server.ServerConfig) { c.Dispatcher = nil })
	rec := h.do(t, http.MethodPost, "/v1/chat", h.token(t, "u-1"), map[string]any{"message": "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestChatSocket(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.handler)
	t.Cleanup(ts.Close)

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws?access_token=" + url.QueryEscape(h.token(t, "u-1"))
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = resp.Body.Close()

	require.NoError(t, conn.WriteJSON(model.UIRequest{RequestID: "ws-1", Message: "over the socket"}))
	var ev model.UICompletionEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "ws-1", ev.RequestID)
	assert.Equal(t, "over the socket", ev.Content)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	var bad model.UIErrorEvent
	require.NoError(t, conn.ReadJSON(&bad))
	assert.Equal(t, "error", bad.Type)
	assert.Equal(t, model.ErrCodeInvalidInput, bad.Code)

	require.NoError(t, conn.WriteJSON(model.UIRequest{RequestID: "ws-2", WorkspaceID: "ws-other", Message: "x"}))
	var denied model.UIErrorEvent
	require.NoError(t, conn.ReadJSON(&denied))
	assert.Equal(t, "ws-2", denied.RequestID)
	assert.Equal(t, model.ErrCodeForbidden, denied.Code)
}

func TestChatSocket_RequiresToken(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.handler)
	t.Cleanup(ts.Close)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/chat/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// ---------- Webhooks ----------

func (h *harness) webhook(t *testing.T, provider, deliveryID string, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/"+provider, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "issues")
	if deliveryID != "" {
		req.Header.Set("X-GitHub-Delivery", deliveryID)
	}
	if sig != "" {
		req.Header.Set("X-Hub-Signature-256", sig)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_SignedAndDeduplicated(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"action":"opened","repository":{"full_name":"acme/api"}}`)
	sig := ingress.Sign(webhookSecret, body)

	first := h.webhook(t, "github", "d-1", body, sig)
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	acc := decodeData[model.WebhookAccepted](t, first)
	assert.False(t, acc.Duplicate)
	assert.NotEmpty(t, acc.RequestID)

	second := h.webhook(t, "github", "d-1", body, sig)
	require.Equal(t, http.StatusAccepted, second.Code)
	dup := decodeData[model.WebhookAccepted](t, second)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, acc.RequestID, dup.RequestID)
	assert.Equal(t, acc.TraceID, dup.TraceID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Handlers().Wait(ctx))
	require.Equal(t, 1, h.dispatcher.count(), "a redelivery is not dispatched")

	got := h.dispatcher.reqs[0]
	assert.Equal(t, "GitHub opened event on acme/api", got.Message)
	assert.Equal(t, "issues", got.Source.Metadata["header_x_github_event"])
}

func TestWebhook_Rejections(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"message":"deploy finished"}`)

	rec := h.webhook(t, "github", "", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing signature")

	rec = h.webhook(t, "github", "", body, ingress.Sign("other-secret", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong secret")

	rec = h.webhook(t, "ci", "", []byte(`[1,2,3]`), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "payload must be an object")

	rec = h.webhook(t, "ci", "", body, "")
	assert.Equal(t, http.StatusAccepted, rec.Code, "providers without a secret are not verified")
}

// ---------- Integrations ----------

func TestOAuth_InitAndCallback(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/integrations/oauth/init", h.token(t, "u-1"), map[string]any{
		"providerKey": "github",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	init := decodeData[model.OAuthInitResponse](t, rec)
	assert.Equal(t, "github", init.Provider)

	authURL, err := url.Parse(init.AuthURL)
	require.NoError(t, err)
	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)
	assert.Equal(t, "S256", authURL.Query().Get("code_challenge_method"))

	cb := h.do(t, http.MethodGet, "/v1/integrations/oauth/callback?code=good-code&state="+url.QueryEscape(state), "", nil)
	require.Equal(t, http.StatusFound, cb.Code, cb.Body.String())
	loc, err := url.Parse(cb.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.Equal(t, "true", loc.Query().Get("connected"))
	assert.NotEmpty(t, loc.Query().Get("integrationId"))

	cred, err := h.mem.GetUserCredential(context.Background(), "github", "u-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", cred.AccessToken)

	replay := h.do(t, http.MethodGet, "/v1/integrations/oauth/callback?code=good-code&state="+url.QueryEscape(state), "", nil)
	assert.Equal(t, http.StatusBadRequest, replay.Code)
	assert.Contains(t, replay.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, replay.Body.String(), string(integration.CallbackStateInvalid))
}

func TestOAuth_CallbackFailurePage(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/integrations/oauth/callback?error=access_denied&error_description=%3Cscript%3E", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(integration.CallbackProviderError))
	assert.NotContains(t, rec.Body.String(), "<script>", "provider text is escaped")

	rec = h.do(t, http.MethodGet, "/v1/integrations/oauth/callback", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(integration.CallbackMissingParameters))
}

func TestOAuth_InitErrors(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, "u-1", "ws-1")

	tests := []struct {
		name   string
		body   map[string]any
		status int
	}{
		{"missing provider", map[string]any{}, http.StatusBadRequest},
		{"unknown provider", map[string]any{"providerKey": "gitlab"}, http.StatusNotFound},
		{"foreign return url", map[string]any{"providerKey": "github", "redirectUri": "https://evil.example.net/"}, http.StatusBadRequest},
		{"foreign workspace", map[string]any{"providerKey": "github", "workspaceId": "ws-2"}, http.StatusForbidden},
		{"app item without permission", map[string]any{"providerKey": "github", "appItemId": "item-1", "appPermissions": []string{"request.submit"}}, http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/integrations/oauth/init", tok, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestExternalCall_StatusFollowsResult(t *testing.T) {
	h := newHarness(t)
	tok := h.token(t, "u-1")
	body := map[string]any{"providerKey": "github", "operation": "list_repos"}

	rec := h.do(t, http.MethodPost, "/v1/integrations/external", tok, body)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no credential connected")
	res := decodeData[model.ExternalOperationResult](t, rec)
	require.NotNil(t, res.Error)
	assert.Equal(t, model.ErrCredentialMissing, res.Error.Code)

	_, err := h.mem.UpsertCredential(context.Background(), model.IntegrationCredentials{
		ProviderKey: "github", UserID: "u-1", Scope: model.ScopeUser, AccessToken: "at",
	})
	require.NoError(t, err)

	rec = h.do(t, http.MethodPost, "/v1/integrations/external", tok, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decodeData[model.ExternalOperationResult](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, "github", res.Metadata.Provider)

	h.apiStatus = http.StatusTooManyRequests
	rec = h.do(t, http.MethodPost, "/v1/integrations/external", tok, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	res = decodeData[model.ExternalOperationResult](t, rec)
	assert.Equal(t, model.ErrRateLimited, res.Error.Code)
}

func TestExternalCall_Denied(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/integrations/external", h.token(t, "u-1"), map[string]any{
		"providerKey":    "github",
		"operation":      "list_repos",
		"appItemId":      "notes-app",
		"appPermissions": []string{"request.submit"},
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, model.ErrCodePermissionDenied, apiErr.Code)
	assert.Contains(t, rec.Body.String(), "external.call")
}

func TestExternalCall_AppItemWithoutID(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/integrations/external", h.token(t, "u-1"), map[string]any{
		"providerKey":    "github",
		"operation":      "list_repos",
		"appItemType":    "agent",
		"appItemName":    "Triage bot",
		"appPermissions": []string{"request.submit"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, rec).Code)
	assert.Contains(t, rec.Body.String(), "appItemId")
}

func TestListProviders(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/integrations/providers", h.token(t, "u-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeData[[]integration.ProviderSummary](t, rec)
	require.Len(t, out, 1)
	assert.Equal(t, "github", out[0].Key)
	assert.Equal(t, []string{"list_repos"}, out[0].Operations)
}

func TestEnqueue_NotConfigured(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/queue", h.token(t, "u-1"), map[string]any{"request": map[string]any{"message": "later"}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
