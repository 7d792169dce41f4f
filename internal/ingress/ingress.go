// Package ingress holds one adapter per entry channel. Each adapter maps its
// channel's input into a model.RawRequest plus normalizer options and hands
// them to normalize.Normalize. Adapters never build a NormalizedRequest
// themselves.
package ingress

import "errors"

// Adapter validation errors. Callers map these to 400 responses.
var (
	ErrUserIDRequired        = errors.New("ingress: user id is required")
	ErrMessageRequired       = errors.New("ingress: message is required")
	ErrQueueItemIDRequired   = errors.New("ingress: queue item id is required")
	ErrInvalidWebhookPayload = errors.New("ingress: webhook payload must be a JSON object")
	ErrAgentIDRequired       = errors.New("ingress: agent id is required")
)

// Redacted replaces credential values before they reach a traceable request.
const Redacted = "[REDACTED]"

// Channel names, used in logs and source metadata.
const (
	ChannelChat    = "chat"
	ChannelAPI     = "api"
	ChannelQueue   = "queue"
	ChannelWebhook = "webhook"
	ChannelAgent   = "agent"
)
