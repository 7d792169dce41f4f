package kakehashi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kakehashi server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey authenticates a service client (sent as X-API-Key).
	APIKey string

	// Token is a user JWT (sent as a bearer token). Exactly one of APIKey
	// and Token must be set.
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kakehashi API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	token   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kakehashi: BaseURL is required")
	}
	if (cfg.APIKey == "") == (cfg.Token == "") {
		return nil, fmt.Errorf("kakehashi: set exactly one of APIKey and Token")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

// Submit sends a request through the API channel. The server normalizes it
// and, when it has a dispatcher, returns the result.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.post(ctx, "/v1/requests", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Normalize returns the canonical form of raw without dispatching it.
func (c *Client) Normalize(ctx context.Context, raw RawRequest) (*NormalizedRequest, error) {
	var resp NormalizedRequest
	if err := c.post(ctx, "/v1/normalize", raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Chat sends one chat message and waits for the completion.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatEvent, error) {
	var resp ChatEvent
	if err := c.post(ctx, "/v1/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Enqueue adds a batch request to the server's queue.
func (c *Client) Enqueue(ctx context.Context, batchID string, req RawRequest) (*Enqueued, error) {
	body := map[string]any{"batchId": batchID, "request": req}
	var resp Enqueued
	if err := c.post(ctx, "/v1/queue", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Providers lists the integration providers the server is configured with.
func (c *Client) Providers(ctx context.Context) ([]Provider, error) {
	var resp []Provider
	if err := c.get(ctx, "/v1/integrations/providers", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Connect starts an OAuth connection. Send the user's browser to the
// returned AuthURL.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (*ConnectResponse, error) {
	var resp ConnectResponse
	if err := c.post(ctx, "/v1/integrations/oauth/init", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CallExternal runs an operation against a connected provider. A
// classified failure (missing credential, expired token and so on) is
// returned as a result with Success false and a nil error; the error is
// reserved for transport failures and rejected requests.
func (c *Client) CallExternal(ctx context.Context, req ExternalCallRequest) (*ExternalResult, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("kakehashi: marshal request body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/integrations/external", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("kakehashi: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp ExternalResult
	if err := c.do(httpReq, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports server health. It does not authenticate.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("kakehashi: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kakehashi: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var h Health
	if err := handleResponse(resp, &h, true); err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// Chat socket
// ---------------------------------------------------------------------------

// ChatConn is an open chat WebSocket. Send and Receive may be used from
// one goroutine each.
type ChatConn struct {
	conn *websocket.Conn
}

// DialChat opens a chat WebSocket.
func (c *Client) DialChat(ctx context.Context) (*ChatConn, error) {
	u, err := url.Parse(c.baseURL + "/v1/chat/ws")
	if err != nil {
		return nil, fmt.Errorf("kakehashi: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	c.authorize(header)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			body, _ := io.ReadAll(resp.Body)
			return nil, parseErrorResponse(resp.StatusCode, body)
		}
		return nil, fmt.Errorf("kakehashi: dial chat: %w", err)
	}
	return &ChatConn{conn: conn}, nil
}

// Send writes one chat message.
func (cc *ChatConn) Send(req ChatRequest) error {
	return cc.conn.WriteJSON(req)
}

// Receive blocks for the next event.
func (cc *ChatConn) Receive() (*ChatEvent, error) {
	var ev ChatEvent
	if err := cc.conn.ReadJSON(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Close sends a close frame and closes the connection.
func (cc *ChatConn) Close() error {
	_ = cc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return cc.conn.Close()
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) authorize(h http.Header) {
	if c.apiKey != "" {
		h.Set("X-API-Key", c.apiKey)
		return
	}
	h.Set("Authorization", "Bearer "+c.token)
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kakehashi: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kakehashi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, dest, false)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kakehashi: create request: %w", err)
	}
	return c.do(req, dest, false)
}

func (c *Client) do(req *http.Request, dest any, dataOnError bool) error {
	c.authorize(req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kakehashi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest, dataOnError)
}

// handleResponse unwraps the data envelope into dest. With dataOnError an
// error status that still carries a data payload is decoded rather than
// returned as an *Error.
func handleResponse(resp *http.Response, dest any, dataOnError bool) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kakehashi: read response body: %w", err)
	}

	var envelope apiEnvelope
	envErr := json.Unmarshal(bodyBytes, &envelope)

	if resp.StatusCode >= 400 {
		if dataOnError && envErr == nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
			return json.Unmarshal(envelope.Data, dest)
		}
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}
	if envErr != nil {
		return fmt.Errorf("kakehashi: decode response envelope: %w", envErr)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
