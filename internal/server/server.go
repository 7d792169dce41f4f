package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kakehashi/internal/auth"
	"github.com/ashita-ai/kakehashi/internal/dispatch"
	"github.com/ashita-ai/kakehashi/internal/integration"
	"github.com/ashita-ai/kakehashi/internal/queue"
	"github.com/ashita-ai/kakehashi/internal/ratelimit"
	"github.com/ashita-ai/kakehashi/internal/storage"
)

// Server is the Kakehashi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Dispatcher, Deliveries, Storage, Queue, APIKeys,
// Limiter, PublicLimiter, MCPServer, WebhookSecrets, WSOrigins, OpenAPISpec,
// Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Integrations *integration.Service
	JWTMgr       *auth.JWTManager
	Logger       *slog.Logger

	// Optional dependencies (nil = disabled).
	Dispatcher    dispatch.Dispatcher
	Deliveries    storage.DeliveryStore
	Storage       Pinger
	Queue         *queue.RedisSource
	APIKeys       *auth.APIKeyring
	Limiter       ratelimit.Limiter // keyed per caller on authenticated routes
	PublicLimiter ratelimit.Limiter // keyed per client IP on public routes
	MCPServer     *mcpserver.MCPServer

	WebhookSecrets map[string]string
	WSOrigins      []string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Middlewares wrap the whole chain, first entry outermost.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := NewHandlers(HandlersDeps{
		Integrations:        cfg.Integrations,
		Dispatcher:          cfg.Dispatcher,
		Deliveries:          cfg.Deliveries,
		Storage:             cfg.Storage,
		Queue:               cfg.Queue,
		WebhookSecrets:      cfg.WebhookSecrets,
		WSOrigins:           cfg.WSOrigins,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	callerRL := ratelimit.Middleware(cfg.Limiter, callerKeyFunc, reqIDFunc, cfg.Logger)
	publicRL := ratelimit.Middleware(cfg.PublicLimiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Request ingress (authenticated, per-caller limit).
	mux.Handle("POST /v1/requests", callerRL(http.HandlerFunc(h.HandleSubmit)))
	mux.Handle("POST /v1/normalize", callerRL(http.HandlerFunc(h.HandleNormalize)))
	mux.Handle("POST /v1/chat", callerRL(http.HandlerFunc(h.HandleChat)))
	mux.Handle("POST /v1/queue", callerRL(http.HandlerFunc(h.HandleEnqueue)))

	// Long-lived; limited once at connect.
	mux.Handle("GET /v1/chat/ws", callerRL(http.HandlerFunc(h.HandleChatSocket)))

	// Webhooks authenticate by signature (public, per-IP limit).
	mux.Handle("POST /v1/webhooks/{provider}", publicRL(http.HandlerFunc(h.HandleWebhook)))

	// Integrations.
	mux.Handle("GET /v1/integrations/providers", callerRL(http.HandlerFunc(h.HandleListProviders)))
	mux.Handle("POST /v1/integrations/oauth/init", callerRL(http.HandlerFunc(h.HandleOAuthInit)))
	mux.Handle("GET /v1/integrations/oauth/callback", publicRL(http.HandlerFunc(h.HandleOAuthCallback)))
	mux.Handle("POST /v1/integrations/external", callerRL(http.HandlerFunc(h.HandleExternalCall)))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", callerRL(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// OpenAPI spec and health (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.APIKeys, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// callerKeyFunc keys the per-caller limit by API client or user. Admin
// tokens are exempt.
func callerKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.Admin {
		return ""
	}
	if claims.Client != "" {
		return "client:" + claims.Client
	}
	return "user:" + claims.UserID()
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests. It returns nil after a graceful
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, drains in-flight requests, then
// waits for background webhook dispatches.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return s.handlers.Wait(ctx)
}
