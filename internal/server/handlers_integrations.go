package server

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"

	"github.com/ashita-ai/kakehashi/internal/authz"
	"github.com/ashita-ai/kakehashi/internal/integration"
	"github.com/ashita-ai/kakehashi/internal/model"
)

// HandleOAuthInit handles POST /v1/integrations/oauth/init.
func (h *Handlers) HandleOAuthInit(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.OAuthInitRequest
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

	resp, err := h.integrations.InitAuthorization(r.Context(), integration.InitRequest{
		ProviderKey: req.ProviderKey,
		UserID:      claims.UserID(),
		WorkspaceID: req.WorkspaceID,
		Scopes:      req.Scopes,
		ReturnURL:   req.RedirectURI,
		AppItem:     model.AppItem{ID: req.AppItemID, Permissions: req.AppPermissions},
	})
	var denial *authz.Denial
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, resp)
	case errors.As(err, &denial):
		writeDenial(w, r, denial)
	case errors.Is(err, integration.ErrUnknownProvider):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, integration.ErrReturnURLNotAllowed):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, integration.ErrUserRequired):
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, err.Error())
	default:
		h.writeInternalError(w, r, "failed to start authorization", err)
	}
}

// HandleOAuthCallback handles GET /v1/integrations/oauth/callback. The
// provider redirects the user's browser here, so failures render a page
// rather than JSON.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := h.integrations.HandleCallback(r.Context(), integration.CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		var cbErr *integration.CallbackError
		if !errors.As(err, &cbErr) {
			cbErr = &integration.CallbackError{Code: integration.CallbackCredentialPersistFailed, Message: "the connection could not be completed", Err: err}
		}
		h.logger.Warn("oauth callback failed",
			"code", cbErr.Code,
			"error", err,
			"request_id", RequestIDFromContext(r.Context()),
		)
		renderCallbackError(w, cbErr)
		return
	}

	dest, err := url.Parse(out.ReturnURL)
	if err != nil {
		h.writeInternalError(w, r, "invalid return url", err)
		return
	}
	v := dest.Query()
	v.Set("connected", "true")
	v.Set("integrationId", out.CredentialID)
	v.Set("provider", out.ProviderKey)
	dest.RawQuery = v.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

var callbackErrorPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Connection failed</title>
<style>
body{font-family:system-ui,sans-serif;max-width:32rem;margin:4rem auto;padding:0 1rem;color:#222}
code{background:#f3f3f3;padding:.1rem .3rem;border-radius:3px}
</style>
</head>
<body>
<h1>Connection failed</h1>
<p>{{.Message}}</p>
<p>Error code: <code>{{.Code}}</code></p>
{{if .ReturnURL}}<p><a href="{{.ReturnURL}}">Return to the app</a></p>{{end}}
</body>
</html>
`))

func renderCallbackError(w http.ResponseWriter, e *integration.CallbackError) {
	msg := e.Message
	if msg == "" {
		msg = "The connection could not be completed. Please try again."
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.WriteHeader(http.StatusBadRequest)
	_ = callbackErrorPage.Execute(w, struct {
		Code      integration.CallbackCode
		Message   string
		ReturnURL string
	}{e.Code, msg, e.ReturnURL})
}

// HandleExternalCall handles POST /v1/integrations/external. The response
// status follows the result: 200 on success, the taxonomy status on
// failure.
func (h *Handlers) HandleExternalCall(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.ExternalCallRequest
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

	res, err := h.integrations.Execute(r.Context(), model.ExternalOperationRequest{
		AppItem:                    req.AppItem(),
		ActorUserID:                claims.UserID(),
		WorkspaceID:                req.WorkspaceID,
		ProviderKey:                req.ProviderKey,
		Operation:                  req.Operation,
		Payload:                    req.Payload,
		PreferWorkspaceIntegration: req.PreferWorkspaceIntegration,
		RequiredScopes:             req.RequiredScopes,
	})
	var denial *authz.Denial
	if errors.As(err, &denial) {
		writeDenial(w, r, denial)
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "external call failed", err)
		return
	}
	writeJSON(w, r, res.HTTPStatus(), res)
}
