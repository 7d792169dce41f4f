package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/normalize"
)

// WebhookInput is one inbound provider delivery.
type WebhookInput struct {
	Provider   string
	Payload    json.RawMessage
	Secret     string
	DeliveryID string

	// Headers carries selected provider headers (event name, delivery id).
	Headers map[string]string
}

// Webhook normalizes a provider delivery. The payload must be a JSON object;
// its human-readable content is derived by ExtractWebhookContent.
func Webhook(in WebhookInput, opts ...normalize.Option) (model.NormalizedRequest, error) {
	if !gjson.ValidBytes(in.Payload) || !gjson.ParseBytes(in.Payload).IsObject() {
		return model.NormalizedRequest{}, ErrInvalidWebhookPayload
	}

	meta := map[string]any{"channel": ChannelWebhook}
	if in.Provider != "" {
		meta["provider"] = in.Provider
	}
	if in.DeliveryID != "" {
		meta["delivery_id"] = in.DeliveryID
	}
	for k, v := range in.Headers {
		if v != "" {
			meta["header_"+strings.ToLower(strings.ReplaceAll(k, "-", "_"))] = v
		}
	}

	raw := model.RawRequest{
		Message:        ExtractWebhookContent(in.Payload),
		WebhookPayload: in.Payload,
		WebhookSecret:  in.Secret,
		RequestType:    model.RequestTypeWebhook,
		Source:         &model.Source{Type: model.SourceWebhook, ID: in.DeliveryID, Name: in.Provider, Metadata: meta},
	}
	return normalize.Normalize(raw, opts...), nil
}

// ExtractWebhookContent derives a short description of a webhook payload.
// Rules are tried in order and the first match wins:
//
//  1. repository event: action + repository.full_name
//  2. billing event: type + data
//  3. message
//  4. content
//  5. text
//  6. the payload's top-level keys, in document order
func ExtractWebhookContent(payload []byte) string {
	doc := gjson.ParseBytes(payload)

	action, repo := doc.Get("action"), doc.Get("repository.full_name")
	if nonEmptyString(action) && nonEmptyString(repo) {
		return fmt.Sprintf("GitHub %s event on %s", action.Str, repo.Str)
	}

	typ := doc.Get("type")
	if nonEmptyString(typ) && doc.Get("data").Exists() {
		return "Stripe event: " + typ.Str
	}

	for _, field := range []string{"message", "content", "text"} {
		if v := doc.Get(field); nonEmptyString(v) {
			return v.Str
		}
	}

	var keys []string
	doc.ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	return "Webhook received with keys: " + strings.Join(keys, ", ")
}

func nonEmptyString(v gjson.Result) bool {
	return v.Type == gjson.String && v.Str != ""
}

// VerifySignature checks an HMAC-SHA256 signature over body. header may be
// "sha256=<hex>" (GitHub style) or bare hex.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	sig := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the "sha256=<hex>" signature VerifySignature accepts.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
