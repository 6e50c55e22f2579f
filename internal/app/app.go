package app

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/vadim/neo-chat/internal/config"
	httpcontroller "github.com/vadim/neo-chat/internal/controller/http"
	"github.com/vadim/neo-chat/internal/controller/ws"
	"github.com/vadim/neo-chat/internal/database"
	"github.com/vadim/neo-chat/internal/domain/chat/dao"
	"github.com/vadim/neo-chat/internal/domain/chat/policy"
	"github.com/vadim/neo-chat/internal/domain/chat/scheduler"
	"github.com/vadim/neo-chat/internal/domain/chat/service"
	"github.com/vadim/neo-chat/internal/httpx/auth"
	"github.com/vadim/neo-chat/internal/httpx/response"
	"github.com/vadim/neo-chat/internal/realtime"
)

// OpenAPISpec is the REST API description served by the swagger handler
//
//go:embed openapi.yaml
var OpenAPISpec []byte

// App is the main application container
type App struct {
	cfg        config.Config
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger

	// Infrastructure
	pg     *pgxpool.Pool
	redis  *redis.Client
	bridge *realtime.RedisBridge

	// Realtime delivery
	registry    *realtime.Registry
	eventRouter *realtime.Router

	// Domain policy (interface for HTTP and websocket handlers)
	chatPolicy *policy.Policy
	authn      auth.Authenticator

	// Scheduler repairing drifted unread counts
	scheduler *scheduler.Scheduler

	// Background loops (janitor, redis subscriber)
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewApp creates and initializes the application
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	// Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))

	// Initialize router with middleware
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	app := &App{
		cfg:    cfg,
		router: r,
		logger: logger,
	}

	// Initialize infrastructure
	if err := app.initInfrastructure(ctx); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("initializing infrastructure: %w", err)
	}

	// Initialize domain layers
	if err := app.initDomains(ctx); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("initializing domains: %w", err)
	}

	// Register routes
	if err := app.registerRoutes(); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("registering routes: %w", err)
	}

	// Initialize HTTP server
	app.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

// initInfrastructure initializes infrastructure components (DB, Redis)
func (a *App) initInfrastructure(ctx context.Context) error {
	if dsn := a.cfg.Database.PostgresDSN; dsn != "" {
		pool, err := database.NewPostgresPool(ctx, dsn, database.PoolConfig{
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.ConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		a.pg = pool

		if a.cfg.Database.AutoMigrate {
			if err := database.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrating postgres: %w", err)
			}
		}
		a.logger.Info("connected to postgres")
	} else {
		a.logger.Warn("DATABASE_URL is empty, using in-memory store")
	}

	if url := a.cfg.Redis.URL; url != "" {
		client, err := realtime.NewRedisClient(ctx, url)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		a.redis = client
		a.logger.Info("connected to redis", "channel", a.cfg.Redis.Channel)
	}

	switch a.cfg.Auth.Mode {
	case "remote":
		if a.cfg.Auth.VerifyURL == "" {
			return errors.New("AUTH_VERIFY_URL is required in remote auth mode")
		}
		a.authn = auth.NewRemoteAuthenticator(a.cfg.Auth.VerifyURL, a.cfg.Auth.Timeout)
	case "header", "":
		a.authn = auth.NewHeaderAuthenticator(a.cfg.Auth.Header)
	default:
		return fmt.Errorf("unknown auth mode %q", a.cfg.Auth.Mode)
	}

	return nil
}

// initDomains initializes domain layers (DAO, Service, Policy) and the
// delivery path events take after a commit
func (a *App) initDomains(ctx context.Context) error {
	a.registry = realtime.NewRegistry(a.logger)

	var sink realtime.Sink = realtime.NewDispatcher(a.registry, a.logger)
	if a.redis != nil {
		// several nodes publish into one channel; restore per-conversation order
		ordered := realtime.NewSequencer(sink, a.cfg.Redis.ReorderWindow, a.logger)
		a.bridge = realtime.NewRedisBridge(a.redis, a.cfg.Redis.Channel, ordered, a.logger)
		sink = a.bridge
	}
	a.eventRouter = realtime.NewRouter(sink, a.logger)

	var (
		convRepo    service.ConversationRepository
		msgRepo     service.MessageRepository
		summaryRepo service.SummaryRepository
	)
	if a.pg != nil {
		convRepo = dao.NewConversationPostgres(a.pg)
		msgRepo = dao.NewMessagePostgres(a.pg)
		summaryRepo = dao.NewSummaryPostgres(a.pg)
	} else {
		mem := dao.NewMemory()
		convRepo, msgRepo, summaryRepo = mem, mem, mem
	}

	chatService := service.New(convRepo, msgRepo, summaryRepo, a.eventRouter, a.logger)

	a.chatPolicy = policy.New(chatService, policy.Config{
		Attempts:  a.cfg.Retry.Attempts,
		BaseDelay: a.cfg.Retry.BaseDelay,
	}, a.logger)

	if a.cfg.Reconciler.Enabled {
		a.scheduler = scheduler.New(chatService, scheduler.Config{
			Interval:  a.cfg.Reconciler.Interval,
			BatchSize: a.cfg.Reconciler.BatchSize,
		}, a.logger)
	}

	return nil
}

// registerRoutes registers all HTTP routes
func (a *App) registerRoutes() error {
	// Health check
	a.router.Get("/healthz", a.healthHandler)
	a.router.Get("/readyz", a.readyHandler)

	// Websocket gateway runs without the request timeout
	gateway := ws.New(a.chatPolicy, a.registry, a.authn, ws.Config{
		ReadLimit:      a.cfg.Gateway.ReadLimit,
		PongWait:       a.cfg.Gateway.PongWait,
		PingPeriod:     a.cfg.Gateway.PingPeriod,
		WriteWait:      a.cfg.Gateway.WriteWait,
		SendBuffer:     a.cfg.Gateway.SendBuffer,
		RequestTimeout: a.cfg.Gateway.RequestTimeout,
		AllowedOrigins: a.cfg.Gateway.AllowedOrigins,
	}, a.logger)
	gateway.RegisterRoutes(a.router)

	// Swagger UI documentation
	swaggerHandler, err := httpcontroller.NewSwaggerHandler("Neo-Chat API", OpenAPISpec)
	if err != nil {
		return fmt.Errorf("loading openapi spec: %w", err)
	}

	a.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		swaggerHandler.RegisterRoutes(r)

		// API v1
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(auth.Middleware(a.authn, a.logger))

			chatHandler := httpcontroller.NewChatHandler(a.chatPolicy)
			chatHandler.RegisterRoutes(r)
		})
	})

	return nil
}

// healthHandler handles health check requests
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]string{"status": "ok"})
}

// readyHandler reports ready once every configured backend answers
func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if a.pg != nil {
		if err := a.pg.Ping(ctx); err != nil {
			a.logger.Warn("readiness: postgres unavailable", "error", err)
			response.ServiceUnavailable(w, "postgres unavailable")
			return
		}
	}
	if a.bridge != nil {
		if err := a.bridge.Ping(ctx); err != nil {
			a.logger.Warn("readiness: redis unavailable", "error", err)
			response.ServiceUnavailable(w, "redis unavailable")
			return
		}
	}

	response.OK(w, map[string]interface{}{
		"status":      "ready",
		"connections": a.registry.Count(),
	})
}

// Run starts the application and blocks until shutdown signal
func (a *App) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	a.bgCancel = cancel

	// Start scheduler if enabled
	if a.scheduler != nil {
		a.scheduler.Start(bgCtx)
	}

	// Sweep connections whose heartbeat went quiet
	a.bgWG.Add(1)
	go func() {
		defer a.bgWG.Done()
		period := a.cfg.Gateway.JanitorPeriod
		if period <= 0 {
			period = 30 * time.Second
		}
		a.registry.RunJanitor(bgCtx, period, 2*a.cfg.Gateway.PongWait)
	}()

	// Relay events published by other nodes
	if a.bridge != nil {
		a.bgWG.Add(1)
		go func() {
			defer a.bgWG.Done()
			for {
				err := a.bridge.Run(bgCtx)
				if bgCtx.Err() != nil {
					return
				}
				a.logger.Error("redis event bridge stopped, resubscribing", "error", err)
				select {
				case <-bgCtx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}()
	}

	// Channel to receive errors from server
	errCh := make(chan error, 1)

	// Start HTTP server in goroutine
	go func() {
		a.logger.Info("starting HTTP server", "addr", a.cfg.Server.Address())
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("context cancelled")
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down...")

	// Stop scheduler
	if a.scheduler != nil {
		a.scheduler.Stop()
	}

	// Shutdown HTTP server with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down HTTP server: %w", err))
	}

	// Hijacked websocket connections are not tracked by the server
	a.registry.CloseAll(websocket.CloseGoingAway, "server shutting down")

	// Flush events already committed
	if err := a.eventRouter.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("draining event router: %w", err))
	}

	if a.bgCancel != nil {
		a.bgCancel()
	}
	a.bgWG.Wait()

	a.closeInfrastructure()

	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("closing redis", "error", err)
		}
		a.redis = nil
	}
	if a.pg != nil {
		a.pg.Close()
		a.pg = nil
	}
}
