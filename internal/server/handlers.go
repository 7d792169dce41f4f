package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashita-ai/kakehashi/internal/authz"
	"github.com/ashita-ai/kakehashi/internal/dispatch"
	"github.com/ashita-ai/kakehashi/internal/integration"
	"github.com/ashita-ai/kakehashi/internal/model"
	"github.com/ashita-ai/kakehashi/internal/normalize"
	"github.com/ashita-ai/kakehashi/internal/queue"
	"github.com/ashita-ai/kakehashi/internal/storage"
)

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	integrations        *integration.Service
	dispatcher          dispatch.Dispatcher
	deliveries          storage.DeliveryStore
	storage             Pinger
	queue               *queue.RedisSource
	webhookSecrets      map[string]string
	wsOrigins           []string
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte

	// background tracks webhook dispatches still running after their
	// response was written.
	background sync.WaitGroup
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Dispatcher, Deliveries, Storage, Queue,
// WebhookSecrets, WSOrigins, OpenAPISpec.
type HandlersDeps struct {
	Integrations        *integration.Service
	Dispatcher          dispatch.Dispatcher
	Deliveries          storage.DeliveryStore
	Storage             Pinger
	Queue               *queue.RedisSource
	WebhookSecrets      map[string]string
	WSOrigins           []string
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handlers{
		integrations:        d.Integrations,
		dispatcher:          d.Dispatcher,
		deliveries:          d.Deliveries,
		storage:             d.Storage,
		queue:               d.Queue,
		webhookSecrets:      d.WebhookSecrets,
		wsOrigins:           d.WSOrigins,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// Wait blocks until background webhook dispatches finish or ctx is done.
func (h *Handlers) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Storage: "none",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if h.storage != nil {
		resp.Storage = h.storage.Name()
		if err := h.storage.Ping(r.Context()); err != nil {
			h.logger.Warn("health: storage ping failed", "storage", resp.Storage, "error", err)
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, status, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleNormalize handles POST /v1/normalize. It runs the normalizer on a
// raw request and returns the result without dispatching it.
func (h *Handlers) HandleNormalize(w http.ResponseWriter, r *http.Request) {
	var raw model.RawRequest
	if err := decodeJSON(w, r, &raw, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !authz.CanAccessWorkspace(ClaimsFromContext(r.Context()), raw.WorkspaceID) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not a member of this workspace")
		return
	}
	writeJSON(w, r, http.StatusOK, normalize.Normalize(raw))
}

// HandleListProviders handles GET /v1/integrations/providers.
func (h *Handlers) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.integrations.Providers().Summaries())
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeDenial writes a permission denial with the status it carries.
func writeDenial(w http.ResponseWriter, r *http.Request, d *authz.Denial) {
	writeErrorDetails(w, r, d.Status, d.Code, d.Message, d)
}
