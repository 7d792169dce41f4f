// Package kakehashi is the public API for embedding the Kakehashi ingress
// and integration server.
//
// Embedders supply the routing half of the pipeline as a Dispatcher:
//
//	app, err := kakehashi.New(
//	    kakehashi.WithVersion(version),
//	    kakehashi.WithLogger(logger),
//	    kakehashi.WithDispatcher(myRouter),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports the root.
package kakehashi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kakehashi/api"
	"github.com/ashita-ai/kakehashi/internal/auth"
	"github.com/ashita-ai/kakehashi/internal/config"
	"github.com/ashita-ai/kakehashi/internal/dispatch"
	"github.com/ashita-ai/kakehashi/internal/integration"
	"github.com/ashita-ai/kakehashi/internal/mcp"
	"github.com/ashita-ai/kakehashi/internal/queue"
	"github.com/ashita-ai/kakehashi/internal/ratelimit"
	"github.com/ashita-ai/kakehashi/internal/server"
	"github.com/ashita-ai/kakehashi/internal/storage"
	"github.com/ashita-ai/kakehashi/internal/storage/redisstore"
	"github.com/ashita-ai/kakehashi/internal/storage/sqlite"
	"github.com/ashita-ai/kakehashi/internal/telemetry"
	"github.com/ashita-ai/kakehashi/migrations"
)

// shutdownTimeout bounds the HTTP drain and background dispatch wait.
const shutdownTimeout = 30 * time.Second

// App is the Kakehashi server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        storage.Store
	rdb          redis.UniversalClient // nil when REDIS_URL is unset
	ownsRedis    bool
	limiter      ratelimit.Limiter
	srv          *server.Server
	sweeper      *storage.Sweeper
	consumer     *queue.Consumer // nil without a queue or dispatcher
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, opens storage, and wires every subsystem.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
	} else {
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kakehashi starting", "version", version, "port", cfg.Port, "storage", cfg.Storage)

	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger, version: version}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Storage:     cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.otelShutdown = otelShutdown

	if err := a.openStorage(ctx); err != nil {
		a.close()
		return nil, err
	}

	// Credentials are sealed at rest when a key is configured.
	var creds storage.CredentialStore = a.store
	key, err := cfg.CredentialKeyBytes()
	if err != nil {
		a.close()
		return nil, err
	}
	if key != nil {
		sealed, err := storage.NewSealedCredentials(a.store, key)
		if err != nil {
			a.close()
			return nil, err
		}
		creds = sealed
	} else if cfg.Storage != config.StorageMemory {
		logger.Warn("KAKEHASHI_CREDENTIAL_KEY is not set; provider tokens are stored unencrypted")
	}

	providersDoc, err := cfg.ProvidersData()
	if err != nil {
		a.close()
		return nil, err
	}
	providers, err := integration.ParseRegistry(providersDoc)
	if err != nil {
		a.close()
		return nil, err
	}
	logger.Info("integrations: providers loaded", "providers", providers.Keys())

	integrations, err := integration.New(integration.Config{
		Providers:         providers,
		States:            a.store,
		Credentials:       creds,
		CallbackURL:       cfg.CallbackURL(),
		DefaultReturnURL:  cfg.IntegrationsURL,
		AllowedReturnURLs: cfg.ReturnURLAllowlist,
		StateTTL:          cfg.OAuthStateTTL,
		CallTimeout:       cfg.ExternalTimeout,
		Logger:            logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("auth: %w", err)
	}
	keyEntries, err := cfg.APIKeyEntries()
	if err != nil {
		a.close()
		return nil, err
	}
	apiKeys := auth.NewAPIKeyring(keyEntries)
	logger.Info("auth: api keys loaded", "count", apiKeys.Len())

	dispatcher := o.dispatcher
	if dispatcher == nil && cfg.EchoDispatch {
		dispatcher = dispatch.Echo
		logger.Warn("dispatch: echo dispatcher enabled (not for production)")
	}

	var source *queue.RedisSource
	if a.rdb != nil {
		source = queue.NewRedisSource(a.rdb, cfg.QueueKey)
		if dispatcher != nil {
			a.consumer = queue.NewConsumer(source, dispatcher, cfg.QueueWorkers, logger)
		}
	}

	a.limiter = a.newLimiter()

	sweeper, err := storage.NewSweeper(cfg.SweepSchedule, a.store, a.store, cfg.DeliveryTTL, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.sweeper = sweeper

	mcpSrv := mcp.New(integrations, dispatcher, logger, version)

	middlewares := make([]func(http.Handler) http.Handler, len(o.middlewares))
	for i, mw := range o.middlewares {
		middlewares[i] = mw
	}

	srvCfg := server.ServerConfig{
		Integrations:        integrations,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Dispatcher:          dispatcher,
		Deliveries:          a.store,
		Storage:             a.store,
		Queue:               source,
		APIKeys:             apiKeys,
		MCPServer:           mcpSrv.MCPServer(),
		WebhookSecrets:      cfg.WebhookSecrets,
		WSOrigins:           cfg.WSOrigins,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPI,
		Middlewares:         middlewares,
	}
	if a.limiter != nil {
		srvCfg.Limiter = a.limiter
		srvCfg.PublicLimiter = a.limiter
	}
	a.srv = server.New(srvCfg)
	return a, nil
}

// openStorage opens the configured backend and, when REDIS_URL is set, the
// Redis client shared by the queue and rate limiter.
func (a *App) openStorage(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.Storage {
	case config.StoragePostgres:
		db, err := storage.New(ctx, cfg.DatabaseURL, a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		db.RegisterPoolMetrics()
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return fmt.Errorf("migrations: %w", err)
		}
		a.store = db
	case config.StorageSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.store = st
	case config.StorageRedis:
		st, err := redisstore.Open(ctx, cfg.RedisURL, redisstore.WithDeliveryTTL(cfg.DeliveryTTL))
		if err != nil {
			return err
		}
		a.store = st
		a.rdb = st.Client()
	default:
		a.store = storage.NewMemory()
	}

	if a.rdb == nil && cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: parse url: %w", err)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("redis: ping: %w", err)
		}
		a.rdb = rdb
		a.ownsRedis = true
	}
	a.logger.Info("storage: ready", "backend", a.store.Name(), "redis", a.rdb != nil)
	return nil
}

// newLimiter returns nil when rate limiting is disabled. With Redis the
// limit is shared across instances as a one-second fixed window.
func (a *App) newLimiter() ratelimit.Limiter {
	cfg := a.cfg
	if cfg.RateLimitRPS <= 0 {
		a.logger.Info("rate limiting: disabled")
		return nil
	}
	if a.rdb != nil {
		limit := max(cfg.RateLimitBurst, int(math.Ceil(cfg.RateLimitRPS)))
		a.logger.Info("rate limiting: redis (fixed window)", "limit_per_second", limit)
		return ratelimit.NewRedisLimiter(a.rdb, "", limit, time.Second)
	}
	a.logger.Info("rate limiting: memory (in-process token bucket)",
		"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
}

// Handler returns the root HTTP handler, for tests and embedding behind
// another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server, the storage sweeper, and the queue consumer,
// then blocks until ctx is cancelled or one of them fails. On return
// everything has been shut down; callers should not call Shutdown.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(a.srv.Start)
	g.Go(func() error { return a.sweeper.Run(gctx) })
	if a.consumer != nil {
		g.Go(func() error { return a.consumer.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	err := g.Wait()
	a.close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info("kakehashi stopped")
	return err
}

// close releases everything New opened. Safe on a partially built App.
func (a *App) close() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.store != nil {
		a.store.Close(context.Background())
	}
	if a.rdb != nil && a.ownsRedis {
		_ = a.rdb.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}
