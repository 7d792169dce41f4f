// Package config loads and validates application configuration from
// environment variables. A .env file in the working directory is read
// first when present; variables already set in the environment win.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kakehashi/internal/auth"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
	StorageRedis    = "redis"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int           `env:"KAKEHASHI_PORT" envDefault:"8080"`
	ReadTimeout  time.Duration `env:"KAKEHASHI_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"KAKEHASHI_WRITE_TIMEOUT" envDefault:"60s"`

	// Storage settings.
	Storage     string `env:"KAKEHASHI_STORAGE" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"kakehashi.db"`

	// Redis backs the batch queue and the shared rate limiter, and the
	// store when Storage is "redis".
	RedisURL     string `env:"REDIS_URL"`
	QueueKey     string `env:"KAKEHASHI_QUEUE_KEY" envDefault:"kakehashi:queue"`
	QueueWorkers int    `env:"KAKEHASHI_QUEUE_WORKERS" envDefault:"4"`

	// EchoDispatch answers every request with its own message when no
	// dispatcher is embedded. For local development.
	EchoDispatch bool `env:"KAKEHASHI_ECHO_DISPATCH"`

	// Auth settings.
	JWTPrivateKeyPath string        `env:"KAKEHASHI_JWT_PRIVATE_KEY"`
	JWTPublicKeyPath  string        `env:"KAKEHASHI_JWT_PUBLIC_KEY"`
	JWTExpiration     time.Duration `env:"KAKEHASHI_JWT_EXPIRATION" envDefault:"24h"`
	APIKeys           []string      `env:"KAKEHASHI_API_KEYS" envSeparator:","` // client:user:hash

	// CredentialKey is a base64 32-byte key. When set, provider tokens are
	// sealed at rest.
	CredentialKey string `env:"KAKEHASHI_CREDENTIAL_KEY"`

	// Integration settings.
	BaseURL            string            `env:"KAKEHASHI_BASE_URL" envDefault:"http://localhost:8080"`
	IntegrationsURL    string            `env:"KAKEHASHI_INTEGRATIONS_URL" envDefault:"http://localhost:3000/integrations"`
	ReturnURLAllowlist []string          `env:"KAKEHASHI_RETURN_URL_ALLOWLIST" envSeparator:","`
	OAuthStateTTL      time.Duration     `env:"KAKEHASHI_OAUTH_STATE_TTL" envDefault:"10m"`
	ProvidersJSON      string            `env:"KAKEHASHI_PROVIDERS"`
	ProvidersFile      string            `env:"KAKEHASHI_PROVIDERS_FILE"`
	WebhookSecrets     map[string]string `env:"KAKEHASHI_WEBHOOK_SECRETS" envSeparator:"," envKeyValSeparator:"="`
	ExternalTimeout    time.Duration     `env:"KAKEHASHI_EXTERNAL_TIMEOUT" envDefault:"30s"`

	// Housekeeping.
	SweepSchedule string        `env:"KAKEHASHI_SWEEP_SCHEDULE" envDefault:"@every 1m"`
	DeliveryTTL   time.Duration `env:"KAKEHASHI_DELIVERY_TTL" envDefault:"72h"`

	// Request limits.
	MaxRequestBodyBytes int64    `env:"KAKEHASHI_MAX_REQUEST_BODY_BYTES" envDefault:"1048576"`
	RateLimitRPS        float64  `env:"KAKEHASHI_RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst      int      `env:"KAKEHASHI_RATE_LIMIT_BURST" envDefault:"30"`
	WSOrigins           []string `env:"KAKEHASHI_WS_ORIGINS" envSeparator:","`

	// OTEL settings.
	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"kakehashi"`
	OTELInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`

	LogLevel string `env:"KAKEHASHI_LOG_LEVEL" envDefault:"info"`
}

// Load reads .env (if any) and the environment, then validates.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return Parse()
}

// Parse reads the environment only and validates.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
// Every problem is reported, not just the first.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: KAKEHASHI_PORT must be between 1 and 65535"))
	}
	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("config: DATABASE_URL is required when KAKEHASHI_STORAGE=postgres"))
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("config: SQLITE_PATH is required when KAKEHASHI_STORAGE=sqlite"))
		}
	case StorageRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("config: REDIS_URL is required when KAKEHASHI_STORAGE=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: KAKEHASHI_STORAGE must be memory, postgres, sqlite, or redis, got %q", c.Storage))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("config: KAKEHASHI_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("config: rate limits must not be negative"))
	}
	if c.OAuthStateTTL <= 0 {
		errs = append(errs, errors.New("config: KAKEHASHI_OAUTH_STATE_TTL must be positive"))
	}
	if c.ExternalTimeout <= 0 {
		errs = append(errs, errors.New("config: KAKEHASHI_EXTERNAL_TIMEOUT must be positive"))
	}
	for name, raw := range map[string]string{"KAKEHASHI_BASE_URL": c.BaseURL, "KAKEHASHI_INTEGRATIONS_URL": c.IntegrationsURL} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("config: %s must be an absolute URL, got %q", name, raw))
		}
	}
	if c.ProvidersJSON != "" && c.ProvidersFile != "" {
		errs = append(errs, errors.New("config: set KAKEHASHI_PROVIDERS or KAKEHASHI_PROVIDERS_FILE, not both"))
	}
	if c.CredentialKey != "" {
		if _, err := c.CredentialKeyBytes(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.APIKeyEntries(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CallbackURL is the OAuth redirect_uri registered with providers.
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/v1/integrations/oauth/callback"
}

// CredentialKeyBytes decodes CredentialKey. It returns nil when no key is
// configured.
func (c Config) CredentialKeyBytes() ([]byte, error) {
	if c.CredentialKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("config: KAKEHASHI_CREDENTIAL_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: KAKEHASHI_CREDENTIAL_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// APIKeyEntries parses KAKEHASHI_API_KEYS.
func (c Config) APIKeyEntries() ([]auth.APIKeyEntry, error) {
	out := make([]auth.APIKeyEntry, 0, len(c.APIKeys))
	for i, raw := range c.APIKeys {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		e, err := auth.ParseAPIKeyEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("config: KAKEHASHI_API_KEYS entry %d: %w", i+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ProvidersData returns the provider registry document, read from
// KAKEHASHI_PROVIDERS_FILE or KAKEHASHI_PROVIDERS. It returns nil when
// neither is set.
func (c Config) ProvidersData() ([]byte, error) {
	if c.ProvidersFile != "" {
		b, err := os.ReadFile(c.ProvidersFile)
		if err != nil {
			return nil, fmt.Errorf("config: read providers file: %w", err)
		}
		return b, nil
	}
	if c.ProvidersJSON != "" {
		return []byte(c.ProvidersJSON), nil
	}
	return nil, nil
}
