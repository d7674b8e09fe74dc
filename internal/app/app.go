package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"nodelock/internal/attestation"
	"nodelock/internal/config"
	apierrors "nodelock/internal/errors"
	"nodelock/internal/infrastructure"
	customMiddleware "nodelock/internal/middleware"
	"nodelock/internal/registry"
	"nodelock/internal/services"
	handlers "nodelock/internal/transport/http"
	ws "nodelock/internal/websocket"
)

const AppName = "nodelock registry server"

var (
	// Version and BuildTime are set at link time.
	Version   = config.AppVersion
	BuildTime = ""
)

// schemaEnsurer is implemented by registries that can create their own table.
type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// Application is the registry-server container.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Store         registry.Store
	Attester      *attestation.Client
	WebSocketHub  *ws.Hub
	Machines      *services.MachineService
	Health        *services.HealthService
	ErrorHandler  *apierrors.ErrorHandler
	Auth          *customMiddleware.APIKeyAuth
	Router        *chi.Mux
	Server        *http.Server

	runtimeMetrics metric.Registration
}

// NewApplication loads configuration, initializes logging and the SQL
// registry, and wires the server.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.Any("registry", cfg.Registry))

	store, err := registry.NewStore(cfg.Registry, cfg.Attestation.AddedBy, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	return New(cfg, store, logger)
}

// New wires an application around an existing store.
func New(cfg *config.Config, store registry.Store, logger *slog.Logger) (*Application, error) {
	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		Store:         store,
		ErrorHandler:  apierrors.NewErrorHandler(logger, false),
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := app.setupRouter(); err != nil {
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}
	app.createServer()

	return app, nil
}

func (a *Application) initializeServices() error {
	metrics, err := attestation.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to create attestation metrics: %w", err)
	}
	a.runtimeMetrics, err = infrastructure.RegisterRuntimeMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to register runtime metrics: %w", err)
	}

	a.Attester = attestation.NewClient(a.Store,
		attestation.WithLogger(a.Logger),
		attestation.WithTimeout(a.Config.Attestation.Timeout),
		attestation.WithMetrics(metrics),
	)

	a.WebSocketHub = ws.NewHub(a.Logger)
	a.Machines = services.NewMachineService(a.Store, a.Attester, a.WebSocketHub, a.Logger)
	a.Health = services.NewHealthService(Version, BuildTime, a.Store, a.WebSocketHub, 0, a.Logger)

	auth, err := customMiddleware.NewAPIKeyAuth(
		a.Config.Security.AdminKeyHashes,
		a.Config.Security.ClientKeyHashes,
		a.Logger,
		a.ErrorHandler,
	)
	if err != nil {
		return fmt.Errorf("invalid API key configuration: %w", err)
	}
	if len(a.Config.Security.AdminKeyHashes) == 0 {
		a.Logger.Warn("no admin API keys configured; /api/machines will reject every request")
	}
	a.Auth = auth

	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() error {
	r := chi.NewRouter()

	// Order: RequestID → RealIP → StructuredLogger → Recoverer → OTel → rate limit
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.ErrorHandler))

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders.Tracer, a.OTelProviders.Meter)
	if err != nil {
		return err
	}
	r.Use(otelMiddleware.Handler)

	if a.Config.Security.RateLimit.Enabled {
		r.Use(customMiddleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
			a.ErrorHandler,
		).Handler)
	}

	r.NotFound(a.ErrorHandler.NotFound)
	r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)

	// The upgrade hijacks the connection, so /ws stays outside Timeout.
	r.With(a.Auth.Require(customMiddleware.RoleAdmin)).
		Handle("/ws", ws.NewHandler(a.WebSocketHub, a.Config.Server.AllowedOrigins, a.Logger))

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.Timeout(a.Config.Server.WriteTimeout, a.ErrorHandler))
		r.Use(customMiddleware.SecurityHeaders)

		healthHandler := handlers.NewHealthHandler(a.Health, a.Logger)
		r.Get("/health", healthHandler.HealthCheck)
		r.Get("/health/ready", healthHandler.ReadinessCheck)
		r.Get("/health/live", healthHandler.LivenessCheck)
		r.Get("/version", healthHandler.Version)

		machineHandler := handlers.NewMachineHandler(a.Machines, customMiddleware.NewValidator(), a.Logger, a.ErrorHandler)

		// Client keys may query; the handler limits register to admin keys.
		r.With(
			a.Auth.Require(customMiddleware.RoleAdmin, customMiddleware.RoleClient),
			customMiddleware.AuditLog(a.Logger, customMiddleware.AuditAttestation),
		).Post("/attest", machineHandler.Attest)

		r.Group(func(r chi.Router) {
			r.Use(a.Auth.Require(customMiddleware.RoleAdmin))
			r.Use(customMiddleware.AuditLog(a.Logger, customMiddleware.AuditAllowListChange))
			r.Mount("/machines", machineHandler.Routes())
		})
	})

	a.Router = r
	return nil
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.Router,
		ReadTimeout:       a.Config.Server.ReadTimeout,
		ReadHeaderTimeout: a.Config.Server.ReadTimeout,
		WriteTimeout:      a.Config.Server.WriteTimeout,
		IdleTimeout:       a.Config.Server.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(a.Logger.Handler(), slog.LevelWarn),
	}
}

// Run ensures the registry schema, then serves until ctx is cancelled or the
// listener fails, and shuts everything down.
func (a *Application) Run(ctx context.Context) error {
	if s, ok := a.Store.(schemaEnsurer); ok {
		if err := s.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare registry: %w", err)
		}
	}

	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the server and hub on ln until ctx is done.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.WebSocketHub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		tlsEnabled := a.Config.Server.TLSCertFile != ""
		a.Logger.InfoContext(gctx, "Server listening",
			slog.String("address", ln.Addr().String()),
			slog.Bool("tls", tlsEnabled))

		var err error
		if tlsEnabled {
			err = a.Server.ServeTLS(ln, a.Config.Server.TLSCertFile, a.Config.Server.TLSKeyFile)
		} else {
			err = a.Server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}

	a.WebSocketHub.Stop()
	select {
	case <-a.WebSocketHub.Done():
	case <-shutdownCtx.Done():
		a.Logger.WarnContext(ctx, "websocket hub did not stop in time")
	}

	if a.runtimeMetrics != nil {
		if err := a.runtimeMetrics.Unregister(); err != nil {
			a.Logger.ErrorContext(ctx, "Error unregistering runtime metrics", slog.String("error", err.Error()))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete", slog.Duration("grace", a.Config.Server.ShutdownTimeout))
	return errors.Join(errs...)
}
