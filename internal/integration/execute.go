package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/ashita-ai/kakehashi/internal/authz"
	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/storage"
)

// Execute runs an external operation and returns a uniform result. Every
// failure after the permission check is classified into the closed
// taxonomy on the result; the returned error is non-nil only when the app
// item lacks permission, and is then an *authz.Denial. No credential is
// read before that check.
func (s *Service) Execute(ctx context.Context, req model.ExternalOperationRequest) (model.ExternalOperationResult, error) {
	if d := authz.Validate(req.AppItem, authz.OpExternalCall); d != nil {
		s.logger.Warn("integration: external call denied",
			"provider", req.ProviderKey,
			"operation", req.Operation,
			"actor", req.ActorUserID,
			"app_item", req.AppItem.ID,
			"required", d.Required,
		)
		return model.ExternalOperationResult{}, d
	}

	start := time.Now()
	res := s.execute(ctx, req)
	elapsed := time.Since(start)
	res.Metadata.Provider = req.ProviderKey
	res.Metadata.Operation = req.Operation
	res.Metadata.ExecutionTimeMs = elapsed.Milliseconds()

	s.record(ctx, req, res, elapsed)
	return res, nil
}

func (s *Service) execute(ctx context.Context, req model.ExternalOperationRequest) model.ExternalOperationResult {
	p, ok := s.cfg.Providers.Get(req.ProviderKey)
	if !ok {
		return failure(model.ErrProviderError, fmt.Sprintf("provider %q is not configured", req.ProviderKey))
	}

	cred, err := s.ResolveCredential(ctx, req.ProviderKey, req.ActorUserID, req.WorkspaceID, req.PreferWorkspaceIntegration)
	if errors.Is(err, ErrCredentialMissing) {
		return failure(model.ErrCredentialMissing, fmt.Sprintf("no %s credential is connected", p.DisplayName()))
	}
	if err != nil {
		s.logger.Error("integration: credential lookup failed", "provider", p.Key, "error", err)
		return failure(model.ErrProviderError, "credential lookup failed")
	}

	res := s.executeWith(ctx, p, cred, req)
	res.Metadata.CredentialScope = cred.Scope
	return res
}

func (s *Service) executeWith(ctx context.Context, p ProviderConfig, cred model.IntegrationCredentials, req model.ExternalOperationRequest) model.ExternalOperationResult {
	if cred.Expired(s.now()) && !cred.Refreshable() {
		s.invalidate(ctx, cred, "expired without refresh token")
		return failure(model.ErrCredentialExpired, "the connection has expired; reconnect to continue")
	}
	if missing := cred.MissingScopes(req.RequiredScopes); len(missing) > 0 {
		return failure(model.ErrScopeInsufficient, "missing required scopes: "+strings.Join(missing, ", "))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	tok, err := s.token(ctx, p, cred)
	if err != nil {
		s.logger.Warn("integration: token refresh failed", "provider", p.Key, "credential_id", cred.ID, "error", err)
		s.invalidate(ctx, cred, "refresh failed")
		return failure(model.ErrCredentialExpired, "the connection could not be refreshed; reconnect to continue")
	}

	resp, err := s.cfg.Executor.Call(ctx, ProviderCall{
		Provider:  p,
		Operation: req.Operation,
		Payload:   req.Payload,
		Token:     tok,
	})
	if err != nil {
		return failure(model.ErrProviderError, err.Error())
	}

	code, ok := classify(resp.Status)
	if ok {
		return model.ExternalOperationResult{Success: true, Data: resp.Data}
	}
	if code == model.ErrCredentialExpired {
		s.invalidate(ctx, cred, "provider rejected token")
	}
	out := failure(code, providerMessage(resp))
	out.Data = resp.Data
	return out
}

// token returns a usable token for cred. An expired credential is
// refreshed through the provider's token endpoint and the new token is
// persisted. Concurrent refreshes of one credential share a single
// round trip.
func (s *Service) token(ctx context.Context, p ProviderConfig, cred model.IntegrationCredentials) (*oauth2.Token, error) {
	tok := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
	}
	if cred.ExpiresAt != nil {
		tok.Expiry = *cred.ExpiresAt
	}
	if !cred.Expired(s.now()) {
		return tok, nil
	}

	v, err, _ := s.refresh.Do(cred.ID, func() (any, error) {
		// A token without an access token is never valid, which forces the
		// source to refresh regardless of the wall clock.
		stale := &oauth2.Token{RefreshToken: cred.RefreshToken}
		fresh, err := p.OAuth2Config(s.cfg.CallbackURL, nil).TokenSource(s.oauthContext(ctx), stale).Token()
		if err != nil {
			return nil, err
		}
		updated := cred
		updated.AccessToken = fresh.AccessToken
		if fresh.RefreshToken != "" {
			updated.RefreshToken = fresh.RefreshToken
		}
		if t := fresh.Type(); t != "" {
			updated.TokenType = t
		}
		updated.ExpiresAt = tokenExpiry(fresh)
		if _, err := s.cfg.Credentials.UpsertCredential(ctx, updated); err != nil {
			// The fresh token is still good for this call.
			s.logger.Error("integration: persist refreshed token", "credential_id", cred.ID, "error", err)
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

// invalidate deletes a credential that can no longer be used so the next
// call reports credential_missing and the UI offers to reconnect.
func (s *Service) invalidate(ctx context.Context, cred model.IntegrationCredentials, reason string) {
	err := s.cfg.Credentials.DeleteCredential(context.WithoutCancel(ctx), cred.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("integration: invalidate credential", "credential_id", cred.ID, "error", err)
		return
	}
	s.logger.Info("integration: credential invalidated",
		"provider", cred.ProviderKey,
		"credential_id", cred.ID,
		"scope", cred.Scope,
		"reason", reason,
	)
}

// classify maps a provider HTTP status onto the taxonomy. ok is true for
// 2xx.
func classify(status int) (model.ErrorCode, bool) {
	switch {
	case status >= 200 && status < 300:
		return "", true
	case status == http.StatusUnauthorized:
		return model.ErrCredentialExpired, false
	case status == http.StatusForbidden:
		return model.ErrScopeInsufficient, false
	case status == http.StatusTooManyRequests:
		return model.ErrRateLimited, false
	default:
		return model.ErrProviderError, false
	}
}

func failure(code model.ErrorCode, msg string) model.ExternalOperationResult {
	return model.ExternalOperationResult{
		Success: false,
		Error: &model.ExternalError{
			Code:           code,
			Message:        msg,
			RequiresReauth: code == model.ErrCredentialExpired,
		},
	}
}

func providerMessage(resp ProviderResponse) string {
	if m, ok := resp.Data.(map[string]any); ok {
		for _, k := range []string{"message", "error_description", "error"} {
			if s, ok := m[k].(string); ok && s != "" {
				return fmt.Sprintf("provider returned %d: %s", resp.Status, s)
			}
		}
	}
	return fmt.Sprintf("provider returned %d %s", resp.Status, http.StatusText(resp.Status))
}

// record writes the audit line and metrics for one call.
func (s *Service) record(ctx context.Context, req model.ExternalOperationRequest, res model.ExternalOperationResult, elapsed time.Duration) {
	outcome := "success"
	if res.Error != nil {
		outcome = string(res.Error.Code)
	}
	attrs := []any{
		"provider", req.ProviderKey,
		"operation", req.Operation,
		"actor", req.ActorUserID,
		"workspace_id", req.WorkspaceID,
		"app_item", req.AppItem.ID,
		"credential_scope", res.Metadata.CredentialScope,
		"elapsed_ms", elapsed.Milliseconds(),
		"outcome", outcome,
	}
	if res.Success {
		s.logger.Info("integration: external call", attrs...)
	} else {
		s.logger.Warn("integration: external call", attrs...)
	}

	s.calls.Record(ctx, elapsed,
		attribute.String("provider", req.ProviderKey),
		attribute.String("outcome", outcome),
	)
}
