package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// maxProviderBody caps how much of a provider response is read.
const maxProviderBody = 10 << 20

// ProviderCall is one authorized call to a provider API.
type ProviderCall struct {
	Provider  ProviderConfig
	Operation string
	Payload   map[string]any
	Token     *oauth2.Token
}

// ProviderResponse is what the provider answered. Status is the HTTP
// status; Data is the decoded JSON body, or the raw text when the body is
// not JSON.
type ProviderResponse struct {
	Status int
	Data   any
}

// Executor performs provider calls. A transport failure is returned as an
// error; any HTTP answer, including 4xx and 5xx, is a ProviderResponse.
type Executor interface {
	Call(ctx context.Context, call ProviderCall) (ProviderResponse, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, call ProviderCall) (ProviderResponse, error)

// Call implements Executor.
func (f ExecutorFunc) Call(ctx context.Context, call ProviderCall) (ProviderResponse, error) {
	return f(ctx, call)
}

// HTTPExecutor calls provider REST APIs using the operation table in the
// provider config. The bearer token is attached by an oauth2 transport.
type HTTPExecutor struct {
	Client *http.Client
}

// Call implements Executor.
func (e *HTTPExecutor) Call(ctx context.Context, call ProviderCall) (ProviderResponse, error) {
	op, ok := call.Provider.Operations[call.Operation]
	if !ok {
		return ProviderResponse{}, fmt.Errorf("unknown operation %q for provider %q", call.Operation, call.Provider.Key)
	}
	req, err := buildRequest(ctx, call.Provider.APIBaseURL, op, call.Payload)
	if err != nil {
		return ProviderResponse{}, err
	}

	base := e.Client
	if base == nil {
		base = http.DefaultClient
	}
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), oauth2.StaticTokenSource(call.Token))
	client.Timeout = base.Timeout

	resp, err := client.Do(req)
	if err != nil {
		return ProviderResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return ProviderResponse{Status: resp.StatusCode}, fmt.Errorf("read provider response: %w", err)
	}
	return ProviderResponse{Status: resp.StatusCode, Data: decodeBody(body)}, nil
}

// buildRequest fills {name} placeholders in the path from payload. The
// remaining payload fields become query parameters for GET and DELETE and
// a JSON body otherwise.
func buildRequest(ctx context.Context, baseURL string, op Operation, payload map[string]any) (*http.Request, error) {
	method := strings.ToUpper(op.Method)
	if method == "" {
		method = http.MethodGet
	}

	rest := make(map[string]any, len(payload))
	for k, v := range payload {
		rest[k] = v
	}
	path, err := expandPath(op.Path, rest)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + path)
	if err != nil {
		return nil, fmt.Errorf("build provider url: %w", err)
	}

	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete:
		q := u.Query()
		for k, v := range rest {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	default:
		b, err := json.Marshal(rest)
		if err != nil {
			return nil, fmt.Errorf("encode provider payload: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// expandPath substitutes {name} segments and removes the used keys from
// payload.
func expandPath(tmpl string, payload map[string]any) (string, error) {
	var b strings.Builder
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			return b.String(), nil
		}
		end := strings.IndexByte(tmpl[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in path %q", tmpl)
		}
		name := tmpl[open+1 : open+end]
		v, ok := payload[name]
		if !ok {
			return "", fmt.Errorf("payload is missing path parameter %q", name)
		}
		delete(payload, name)
		b.WriteString(tmpl[:open])
		b.WriteString(url.PathEscape(fmt.Sprint(v)))
		tmpl = tmpl[open+end+1:]
	}
}

func decodeBody(body []byte) any {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return string(body)
}
