package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ashita-ai/kakehashi/internal/auth"
	"github.com/ashita-ai/kakehashi/internal/authz"
	"github.com/ashita-ai/kakehashi/internal/bridge"
	"github.com/ashita-ai/kakehashi/internal/ingress"
	"github.com/ashita-ai/kakehashi/internal/model"
)

// HandleSubmit handles POST /v1/requests, the direct API channel. The
// normalized request is returned with 202; when a dispatcher is configured
// its result is included.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.SubmitRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if !authz.CanAccessWorkspace(claims, req.WorkspaceID) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not a member of this workspace")
		return
	}

	client := req.ClientName
	if client == "" {
		client = claims.Client
	}
	norm, err := ingress.API(ingress.APIInput{
		Message:      req.Message,
		History:      req.History,
		ChatID:       req.ChatID,
		WorkspaceID:  req.WorkspaceID,
		PersonaID:    req.PersonaID,
		Model:        req.Model,
		ResponseMode: req.ResponseMode,
		Priority:     req.Priority,
		CallbackURL:  req.CallbackURL,
		UserID:       claims.UserID(),
		ClientName:   client,
		APIKey:       r.Header.Get("X-API-Key"),
		Metadata:     req.Metadata,
	})
	if errors.Is(err, ingress.ErrMessageRequired) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "message is required")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to normalize request", err)
		return
	}

	resp := model.SubmitResponse{Request: norm}
	if h.dispatcher != nil {
		res, err := h.dispatcher.Dispatch(r.Context(), norm)
		if err != nil {
			h.writeInternalError(w, r, "dispatch failed", err)
			return
		}
		resp.Result = &res
	}
	writeJSON(w, r, http.StatusAccepted, resp)
}

// chatFailure is a chat turn that could not be completed.
type chatFailure struct {
	status  int
	code    string
	message string
}

// runChat normalizes one UI turn, dispatches it, and maps the result back
// to the UI event. User and editor turns always act as the caller; other
// actor kinds are reserved for admin tokens and API clients.
func (h *Handlers) runChat(ctx context.Context, claims *auth.Claims, req model.UIRequest) (model.UICompletionEvent, *chatFailure) {
	if h.dispatcher == nil {
		return model.UICompletionEvent{}, &chatFailure{http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable, "no executor is configured"}
	}
	if !authz.CanAccessWorkspace(claims, req.WorkspaceID) {
		return model.UICompletionEvent{}, &chatFailure{http.StatusForbidden, model.ErrCodeForbidden, "not a member of this workspace"}
	}
	if len(req.Message) > model.MaxMessageLen {
		return model.UICompletionEvent{}, &chatFailure{http.StatusBadRequest, model.ErrCodeInvalidInput, "message is too long"}
	}
	// An empty kind or mode takes the default; anything else must be known.
	if req.Actor.Kind != "" && !req.Actor.Kind.Valid() {
		return model.UICompletionEvent{}, &chatFailure{http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown actor kind %q", req.Actor.Kind)}
	}
	if req.DisplayMode != "" && !req.DisplayMode.Valid() {
		return model.UICompletionEvent{}, &chatFailure{http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown display mode %q", req.DisplayMode)}
	}

	switch bridge.SourceTypeForActor(req.Actor.Kind) {
	case model.SourceUser:
		if req.Actor.Kind == "" {
			req.Actor.Kind = model.ActorUser
		}
		req.Actor.ID = claims.UserID()
		if req.Actor.Name == "" {
			req.Actor.Name = claims.Name
		}
	default:
		if !claims.Admin && claims.Client == "" {
			return model.UICompletionEvent{}, &chatFailure{http.StatusForbidden, model.ErrCodeForbidden, "only service callers may act as " + string(req.Actor.Kind)}
		}
	}

	norm, err := bridge.ToCanonical(req)
	if err != nil {
		return model.UICompletionEvent{}, &chatFailure{http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error()}
	}
	res, err := h.dispatcher.Dispatch(ctx, norm)
	if err != nil {
		h.logger.Error("chat: dispatch failed", "request_id", norm.RequestID, "trace_id", norm.TraceID, "error", err)
		return model.UICompletionEvent{}, &chatFailure{http.StatusBadGateway, model.ErrCodeInternalError, "the request could not be completed"}
	}
	return bridge.ToUICompletion(norm.RequestID, res, time.Now()), nil
}

// HandleChat handles POST /v1/chat.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req model.UIRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	ev, fail := h.runChat(r.Context(), ClaimsFromContext(r.Context()), req)
	if fail != nil {
		writeError(w, r, fail.status, fail.code, fail.message)
		return
	}
	writeJSON(w, r, http.StatusOK, ev)
}

// enqueueRequest is the body of POST /v1/queue.
type enqueueRequest struct {
	BatchID string           `json:"batchId,omitempty"`
	Request model.RawRequest `json:"request"`
}

// HandleEnqueue handles POST /v1/queue. The raw request is pushed to the
// batch queue and normalized when a worker drains it.
func (h *Handlers) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable, "the batch queue is not configured")
		return
	}
	claims := ClaimsFromContext(r.Context())

	var req enqueueRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !authz.CanAccessWorkspace(claims, req.Request.WorkspaceID) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not a member of this workspace")
		return
	}
	// The queued request acts for the caller, whatever the body says.
	req.Request.UserID = claims.UserID()

	item, err := h.queue.Push(r.Context(), ingress.QueueItem{BatchID: req.BatchID, Request: req.Request})
	if err != nil {
		h.writeInternalError(w, r, "failed to enqueue request", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"id":         item.ID,
		"batchId":    item.BatchID,
		"enqueuedAt": item.EnqueuedAt,
	})
}
