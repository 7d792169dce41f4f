// Package integration drives the OAuth lifecycle for third-party providers
// and executes provider calls on behalf of users and installed app items.
//
// Both the HTTP API and the MCP server delegate to Service, so permission
// checks, credential resolution, and failure classification behave the same
// on every surface.
package integration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kakehashi/internal/authz"
	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/storage"
	"github.com/ashita-ai/kakehashi/internal/telemetry"
)

// DefaultStateTTL bounds how long an authorization may take.
const DefaultStateTTL = 10 * time.Minute

// DefaultCallTimeout bounds one provider call, including a token refresh.
const DefaultCallTimeout = 30 * time.Second

// Config wires a Service.
type Config struct {
	Providers   *Registry
	States      storage.StateStore
	Credentials storage.CredentialStore

	// Executor performs provider calls. Defaults to an HTTPExecutor using
	// HTTPClient.
	Executor Executor

	// CallbackURL is the redirect_uri registered with every provider.
	CallbackURL string
	// DefaultReturnURL is where the user lands after a callback when the
	// init request named none.
	DefaultReturnURL string
	// AllowedReturnURLs lists prefixes a caller-supplied return URL must
	// match. The origin of DefaultReturnURL is always allowed.
	AllowedReturnURLs []string

	StateTTL    time.Duration
	CallTimeout time.Duration
	HTTPClient  *http.Client
	Clock       func() time.Time
	Logger      *slog.Logger
}

// Service implements OAuth init and callback, credential resolution, and
// external call execution.
type Service struct {
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	refresh singleflight.Group

	calls *telemetry.Calls
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.States == nil || cfg.Credentials == nil {
		return nil, errors.New("integration: state and credential stores are required")
	}
	if cfg.Providers == nil {
		cfg.Providers, _ = NewRegistry()
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.CallTimeout}
	}
	if cfg.Executor == nil {
		cfg.Executor = &HTTPExecutor{Client: cfg.HTTPClient}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		cfg:          cfg,
		logger:       cfg.Logger,
		now:          cfg.Clock,
		calls: telemetry.NewCalls("integration",
			"kakehashi.integration.calls", "kakehashi.integration.duration",
			"External provider calls by provider and outcome"),
	}, nil
}

// Providers returns the configured registry.
func (s *Service) Providers() *Registry { return s.cfg.Providers }

// InitRequest starts an authorization for UserID.
type InitRequest struct {
	ProviderKey string
	UserID      string
	WorkspaceID string
	// Scopes overrides the provider's default scopes.
	Scopes []string
	// ReturnURL is where the user is sent after the callback.
	ReturnURL string
	AppItem   model.AppItem
}

// InitAuthorization mints a single-use state, persists it with a TTL, and
// returns the provider authorization URL. An app item must hold the
// external.oauth permission; a denial is returned as *authz.Denial.
func (s *Service) InitAuthorization(ctx context.Context, req InitRequest) (model.OAuthInitResponse, error) {
	if d := authz.Validate(req.AppItem, authz.OpExternalOAuth); d != nil {
		return model.OAuthInitResponse{}, d
	}
	if req.UserID == "" {
		return model.OAuthInitResponse{}, ErrUserRequired
	}
	p, ok := s.cfg.Providers.Get(req.ProviderKey)
	if !ok {
		return model.OAuthInitResponse{}, fmt.Errorf("%w: %q", ErrUnknownProvider, req.ProviderKey)
	}
	returnURL, err := s.returnURL(req.ReturnURL)
	if err != nil {
		return model.OAuthInitResponse{}, err
	}

	token, err := newStateToken()
	if err != nil {
		return model.OAuthInitResponse{}, err
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = p.Scopes
	}
	now := s.now().UTC()
	state := model.OAuthState{
		Token:        token,
		ProviderKey:  p.Key,
		UserID:       req.UserID,
		WorkspaceID:  req.WorkspaceID,
		RedirectURI:  returnURL,
		Scopes:       slices.Clone(scopes),
		AppItemID:    req.AppItem.ID,
		CodeVerifier: oauth2.GenerateVerifier(),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.StateTTL),
	}
	if err := s.cfg.States.PutState(ctx, state); err != nil {
		return model.OAuthInitResponse{}, fmt.Errorf("integration: persist state: %w", err)
	}

	authURL := p.OAuth2Config(s.cfg.CallbackURL, scopes).AuthCodeURL(token,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(state.CodeVerifier),
	)
	s.logger.Info("integration: authorization started",
		"provider", p.Key,
		"user_id", req.UserID,
		"workspace_id", req.WorkspaceID,
		"app_item", req.AppItem.ID,
		"expires_at", state.ExpiresAt,
	)
	return model.OAuthInitResponse{
		AuthURL:  authURL,
		Provider: p.Key,
		Message:  fmt.Sprintf("Open the authorization URL to connect %s.", p.DisplayName()),
	}, nil
}

// CallbackParams are the query parameters a provider sends back.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackOutcome is the success result of HandleCallback.
type CallbackOutcome struct {
	CredentialID string
	ProviderKey  string
	Scope        model.CredentialScope
	ReturnURL    string
}

// HandleCallback consumes the state exactly once, exchanges the code, and
// stores the credential. Every failure is a *CallbackError and is terminal;
// a state is consumed even when the provider reported an error, so a replay
// of the same callback always fails with CallbackStateInvalid.
func (s *Service) HandleCallback(ctx context.Context, params CallbackParams) (CallbackOutcome, error) {
	now := s.now()

	if params.Error != "" {
		cbErr := &CallbackError{Code: CallbackProviderError, Message: providerErrorMessage(params)}
		if params.State != "" {
			if st, err := s.cfg.States.ConsumeState(ctx, params.State, now); err == nil {
				cbErr.ReturnURL = st.RedirectURI
			}
		}
		s.logCallbackFailure(cbErr, "")
		return CallbackOutcome{}, cbErr
	}
	if params.Code == "" || params.State == "" {
		cbErr := &CallbackError{Code: CallbackMissingParameters, Message: "code and state are required"}
		s.logCallbackFailure(cbErr, "")
		return CallbackOutcome{}, cbErr
	}

	st, err := s.cfg.States.ConsumeState(ctx, params.State, now)
	if err != nil {
		cbErr := &CallbackError{Code: CallbackStateInvalid, Message: "authorization state not found or expired"}
		if !errors.Is(err, storage.ErrStateInvalid) {
			cbErr.Err = err
		}
		s.logCallbackFailure(cbErr, "")
		return CallbackOutcome{}, cbErr
	}

	p, ok := s.cfg.Providers.Get(st.ProviderKey)
	if !ok {
		cbErr := &CallbackError{Code: CallbackTokenExchangeFailed, Message: "provider is no longer configured", ReturnURL: st.RedirectURI}
		s.logCallbackFailure(cbErr, st.ProviderKey)
		return CallbackOutcome{}, cbErr
	}

	tok, err := p.OAuth2Config(s.cfg.CallbackURL, st.Scopes).Exchange(s.oauthContext(ctx), params.Code,
		oauth2.VerifierOption(st.CodeVerifier))
	if err != nil {
		cbErr := &CallbackError{Code: CallbackTokenExchangeFailed, Message: "could not exchange authorization code", ReturnURL: st.RedirectURI, Err: err}
		s.logCallbackFailure(cbErr, p.Key)
		return CallbackOutcome{}, cbErr
	}

	cred := model.IntegrationCredentials{
		ProviderKey:   p.Key,
		UserID:        st.UserID,
		WorkspaceID:   st.WorkspaceID,
		Scope:         model.ScopeUser,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		TokenType:     tok.Type(),
		ExpiresAt:     tokenExpiry(tok),
		GrantedScopes: grantedScopes(tok, st.Scopes),
	}
	if st.WorkspaceID != "" {
		cred.Scope = model.ScopeWorkspace
	}
	stored, err := s.cfg.Credentials.UpsertCredential(ctx, cred)
	if err != nil {
		cbErr := &CallbackError{Code: CallbackCredentialPersistFailed, Message: "could not store credential", ReturnURL: st.RedirectURI, Err: err}
		s.logCallbackFailure(cbErr, p.Key)
		return CallbackOutcome{}, cbErr
	}

	s.logger.Info("integration: provider connected",
		"provider", p.Key,
		"user_id", st.UserID,
		"workspace_id", st.WorkspaceID,
		"credential_id", stored.ID,
		"scope", stored.Scope,
	)
	return CallbackOutcome{
		CredentialID: stored.ID,
		ProviderKey:  p.Key,
		Scope:        stored.Scope,
		ReturnURL:    st.RedirectURI,
	}, nil
}

func (s *Service) logCallbackFailure(e *CallbackError, provider string) {
	attrs := []any{"code", e.Code, "provider", provider}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}
	s.logger.Warn("integration: callback failed", attrs...)
}

// oauthContext makes x/oauth2 use the configured HTTP client.
func (s *Service) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, s.cfg.HTTPClient)
}

// returnURL validates a caller-supplied return URL, defaulting when empty.
func (s *Service) returnURL(raw string) (string, error) {
	if raw == "" {
		return s.cfg.DefaultReturnURL, nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", ErrReturnURLNotAllowed
	}
	if def, err := url.Parse(s.cfg.DefaultReturnURL); err == nil && def.Host != "" &&
		def.Scheme == u.Scheme && strings.EqualFold(def.Host, u.Host) {
		return raw, nil
	}
	for _, allowed := range s.cfg.AllowedReturnURLs {
		if matchesPrefix(u, allowed) {
			return raw, nil
		}
	}
	return "", ErrReturnURLNotAllowed
}

// matchesPrefix reports whether u is at or below the allowlist entry. The
// scheme and host must match exactly; the path matches on segment
// boundaries so "/app" does not admit "/apple".
func matchesPrefix(u *url.URL, entry string) bool {
	a, err := url.Parse(entry)
	if err != nil || a.Host == "" {
		return false
	}
	if a.Scheme != u.Scheme || !strings.EqualFold(a.Host, u.Host) {
		return false
	}
	prefix := strings.TrimSuffix(a.Path, "/")
	return prefix == "" || u.Path == prefix || strings.HasPrefix(u.Path, prefix+"/")
}

func newStateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("integration: state token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func providerErrorMessage(p CallbackParams) string {
	if p.ErrorDescription != "" {
		return p.Error + ": " + p.ErrorDescription
	}
	return p.Error
}

func tokenExpiry(tok *oauth2.Token) *time.Time {
	if tok.Expiry.IsZero() {
		return nil
	}
	t := tok.Expiry.UTC()
	return &t
}

// grantedScopes reads the scope the provider actually granted from the
// token response, falling back to what was requested. Providers separate
// scopes with spaces (RFC 6749) or commas (GitHub).
func grantedScopes(tok *oauth2.Token, requested []string) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return slices.Clone(requested)
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
	if len(fields) == 0 {
		return slices.Clone(requested)
	}
	return fields
}
