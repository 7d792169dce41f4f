package integration

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/oauth2"

	"github.com/ashita-ai/kakehashi/internal/model"
)

// Operation maps a named provider operation onto an HTTP call. Path is
// relative to the provider's APIBaseURL and may contain {name} placeholders
// that are filled from the call payload.
type Operation struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// ProviderConfig describes one OAuth provider and the operations kakehashi
// may perform against its API.
type ProviderConfig struct {
	Key          string               `json:"key"`
	Name         string               `json:"name"`
	ClientID     string               `json:"clientId"`
	ClientSecret string               `json:"clientSecret"`
	AuthURL      string               `json:"authUrl"`
	TokenURL     string               `json:"tokenUrl"`
	APIBaseURL   string               `json:"apiBaseUrl"`
	Scopes       []string             `json:"scopes,omitempty"`
	Operations   map[string]Operation `json:"operations,omitempty"`
}

// DisplayName returns Name, or Key when no name is configured.
func (p ProviderConfig) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Key
}

// Validate checks that the provider can drive an OAuth flow.
func (p ProviderConfig) Validate() error {
	var errs []error
	if err := model.ValidateIdentifier("key", p.Key); err != nil {
		errs = append(errs, err)
	}
	if p.ClientID == "" {
		errs = append(errs, errors.New("clientId is required"))
	}
	if p.AuthURL == "" {
		errs = append(errs, errors.New("authUrl is required"))
	}
	if p.TokenURL == "" {
		errs = append(errs, errors.New("tokenUrl is required"))
	}
	for name, op := range p.Operations {
		if op.Path == "" {
			errs = append(errs, fmt.Errorf("operation %q: path is required", name))
		}
		if op.Method != "" && !validMethod(op.Method) {
			errs = append(errs, fmt.Errorf("operation %q: unsupported method %q", name, op.Method))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("provider %q: %w", p.Key, errors.Join(errs...))
	}
	return nil
}

// OAuth2Config derives the x/oauth2 client configuration. scopes replaces
// the provider's default scopes when non-empty.
func (p ProviderConfig) OAuth2Config(redirectURL string, scopes []string) *oauth2.Config {
	if len(scopes) == 0 {
		scopes = p.Scopes
	}
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
		},
		RedirectURL: redirectURL,
		Scopes:      slices.Clone(scopes),
	}
}

func validMethod(m string) bool {
	switch strings.ToUpper(m) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Registry holds the configured providers by key.
type Registry struct {
	providers map[string]ProviderConfig
}

// NewRegistry validates and indexes providers. Duplicate keys are an error.
func NewRegistry(providers ...ProviderConfig) (*Registry, error) {
	r := &Registry{providers: make(map[string]ProviderConfig, len(providers))}
	for _, p := range providers {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("integration: %w", err)
		}
		if _, dup := r.providers[p.Key]; dup {
			return nil, fmt.Errorf("integration: duplicate provider %q", p.Key)
		}
		r.providers[p.Key] = p
	}
	return r, nil
}

// ParseRegistry reads a JSON array of ProviderConfig.
func ParseRegistry(data []byte) (*Registry, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return NewRegistry()
	}
	var providers []ProviderConfig
	if err := json.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("integration: parse providers: %w", err)
	}
	return NewRegistry(providers...)
}

// Get returns the provider for key.
func (r *Registry) Get(key string) (ProviderConfig, bool) {
	if r == nil {
		return ProviderConfig{}, false
	}
	p, ok := r.providers[key]
	return p, ok
}

// Keys returns the configured provider keys in sorted order.
func (r *Registry) Keys() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ProviderSummary is the public view of a provider. Client credentials and
// endpoints are left out.
type ProviderSummary struct {
	Key        string   `json:"key"`
	Name       string   `json:"name"`
	Scopes     []string `json:"scopes,omitempty"`
	Operations []string `json:"operations"`
}

// Summaries lists every provider in key order.
func (r *Registry) Summaries() []ProviderSummary {
	if r == nil {
		return []ProviderSummary{}
	}
	out := make([]ProviderSummary, 0, len(r.providers))
	for _, key := range r.Keys() {
		p := r.providers[key]
		ops := make([]string, 0, len(p.Operations))
		for name := range p.Operations {
			ops = append(ops, name)
		}
		slices.Sort(ops)
		out = append(out, ProviderSummary{Key: p.Key, Name: p.DisplayName(), Scopes: p.Scopes, Operations: ops})
	}
	return out
}
