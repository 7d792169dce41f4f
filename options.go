package kakehashi

import (
	"log/slog"

	"github.com/ashita-ai/kakehashi/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	logger      *slog.Logger
	version     string
	dispatcher  Dispatcher
	middlewares []Middleware
	cfg         *config.Config
}

// WithPort overrides the TCP port from config (KAKEHASHI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDispatcher sets the Dispatcher normalized requests are handed to.
// Without one, chat returns 503, webhooks are accepted and recorded but not
// dispatched, and the batch queue is not drained.
func WithDispatcher(d Dispatcher) Option {
	return func(o *resolvedOptions) { o.dispatcher = d }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// withConfig skips environment loading. Used by tests.
func withConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}
