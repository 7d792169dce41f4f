package server

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/ashita-ai/kakehashi/internal/ingress"
	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/storage"
)

// deliveryHeaders are checked in order for a provider delivery id.
var deliveryHeaders = []string{"X-GitHub-Delivery", "X-Delivery-ID", "Idempotency-Key"}

// eventHeaders are copied into the request's source metadata.
var eventHeaders = []string{"X-GitHub-Event", "X-Event-Type"}

// HandleWebhook handles POST /v1/webhooks/{provider}. A configured secret
// requires a valid X-Hub-Signature-256 (or X-Signature-256) header.
// Deliveries carrying an id are accepted once; a redelivery answers with
// the original ids and is not dispatched again.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	secret := h.webhookSecrets[provider]
	if secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Signature-256")
		}
		if !ingress.VerifySignature(secret, body, sig) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid webhook signature")
			return
		}
	}

	var deliveryID string
	for _, name := range deliveryHeaders {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			deliveryID = v
			break
		}
	}
	headers := make(map[string]string)
	for _, name := range eventHeaders {
		if v := r.Header.Get(name); v != "" {
			headers[name] = v
		}
	}

	norm, err := ingress.Webhook(ingress.WebhookInput{
		Provider:   provider,
		Payload:    body,
		Secret:     secret,
		DeliveryID: deliveryID,
		Headers:    headers,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if deliveryID != "" && h.deliveries != nil {
		rec, dup, err := h.deliveries.BeginDelivery(r.Context(), storage.WebhookDelivery{
			Provider:   provider,
			DeliveryID: deliveryID,
			RequestID:  norm.RequestID,
			TraceID:    norm.TraceID,
			ReceivedAt: norm.NormalizedAt,
		})
		if err != nil {
			h.writeInternalError(w, r, "failed to record delivery", err)
			return
		}
		if dup {
			h.logger.Info("webhook: duplicate delivery", "provider", provider, "delivery_id", deliveryID, "request_id", rec.RequestID)
			writeJSON(w, r, http.StatusAccepted, model.WebhookAccepted{RequestID: rec.RequestID, TraceID: rec.TraceID, Duplicate: true})
			return
		}
	}

	h.dispatchAsync(r.Context(), norm)
	writeJSON(w, r, http.StatusAccepted, model.WebhookAccepted{RequestID: norm.RequestID, TraceID: norm.TraceID})
}

// dispatchAsync hands a request to the dispatcher after the response is
// written. Providers expect a fast answer and retry on timeouts.
func (h *Handlers) dispatchAsync(ctx context.Context, req model.NormalizedRequest) {
	if h.dispatcher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		res, err := h.dispatcher.Dispatch(ctx, req)
		if err != nil {
			h.logger.Error("webhook: dispatch failed", "request_id", req.RequestID, "trace_id", req.TraceID, "error", err)
			return
		}
		h.logger.Info("webhook: dispatched", "request_id", req.RequestID, "model", res.Model, "total_tokens", res.Usage.TotalTokens)
	}()
}
