package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/freightworks/docket/internal/api"
	"github.com/freightworks/docket/internal/batch"
	"github.com/freightworks/docket/internal/broadcast"
	"github.com/freightworks/docket/internal/config"
	"github.com/freightworks/docket/internal/dispatch"
	"github.com/freightworks/docket/internal/executors"
	"github.com/freightworks/docket/internal/history"
	"github.com/freightworks/docket/internal/home"
	"github.com/freightworks/docket/internal/ingest"
	"github.com/freightworks/docket/internal/progress"
	"github.com/freightworks/docket/internal/runner"
	"github.com/freightworks/docket/internal/server/endpoints"
	"github.com/freightworks/docket/internal/store"
	"github.com/freightworks/docket/internal/svcctx"
	"github.com/freightworks/docket/internal/tracker"
)

// Server is the main docket HTTP server.
// With the postgres backend configured and no explicit DSN it also manages
// the Postgres container lifecycle - starting it on server start and
// stopping it on server shutdown.
type Server struct {
	httpServer   *http.Server
	storeManager *store.DockerManager
	configMgr    *config.Manager
	home         *home.Dir
	logger       *slog.Logger

	store      store.Store
	dispatcher dispatch.Dispatcher
	history    *history.Service

	// runCancel stops the pipeline runner; sourceClose leaves the Kafka
	// consumer group. Both are nil when the runner is disabled.
	runCancel   context.CancelFunc
	sourceClose func() error

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// ConfigManager provides configuration with hot-reload support.
	// When nil the server runs on defaults: in-memory store, in-process
	// dispatch.
	ConfigManager *config.Manager
	// Home is the docket home directory for spooled documents and
	// managed Postgres data
	Home *home.Dir
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := cfg.Home
	if h == nil {
		var err error
		h, err = home.New("")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
	}

	s := &Server{
		configMgr: cfg.ConfigManager,
		home:      h,
		logger:    cfg.Logger,
	}

	app := s.appConfig()

	// A postgres backend without an explicit DSN means the server owns the
	// container.
	var storeManager *store.DockerManager
	if app.Store.Backend == config.StoreBackendPostgres && app.PostgresDSN() == "" {
		pg := app.Store.Postgres
		var err error
		storeManager, err = store.NewDockerManager(store.DockerConfig{
			ContainerName: pg.ContainerName,
			Image:         pg.Image,
			DataPath:      filepath.Join(h.Path(), "postgres"),
			HostPort:      pg.Port,
			User:          pg.User,
			Password:      pg.Password,
			Database:      pg.Database,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres manager: %w", err)
		}
	}
	s.storeManager = storeManager

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{
		StoreManager:    storeManager,
		StoreBackend:    app.Store.Backend,
		SwaggerSpecPath: endpoints.GetSwaggerSpecPath(),
	}) {
		s.endpointRegistry.Register(ep)
	}

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	// WriteTimeout stays zero: the status stream endpoint holds its
	// response open for the life of the watch.
	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:     s.withServices(mux),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	return s, nil
}

// appConfig returns the current configuration snapshot.
func (s *Server) appConfig() *config.Config {
	if s.configMgr != nil {
		return s.configMgr.Get()
	}
	return config.DefaultConfig()
}

// Start starts the server and its backing services.
// It blocks until the context is cancelled or an error occurs.
// If an existing Postgres container exists, it validates the configuration
// matches before reusing it.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	app := s.appConfig()

	if err := s.home.EnsureExists(); err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to create home directory: %w", err)
	}

	st, err := s.openStore(ctx, app)
	if err != nil {
		return s.failStart(err)
	}
	s.store = st

	dispatcher, source, err := s.openDispatch(app)
	if err != nil {
		return s.failStart(err)
	}
	s.dispatcher = dispatcher

	hist, err := history.New(ctx, history.Config{
		Store:     st,
		RedisAddr: app.Redis.Addr,
		Logger:    s.logger,
	})
	if err != nil {
		return s.failStart(fmt.Errorf("failed to connect history cache: %w", err))
	}
	s.history = hist

	controller := batch.New(batch.Config{
		Store:      st,
		Dispatcher: dispatcher,
		History:    hist,
		Logger:     s.logger,
	})
	trk := tracker.New(tracker.Config{
		Store:     st,
		Completer: controller,
		Logger:    s.logger,
	})
	calc := progress.New(progress.Config{
		Store:           st,
		History:         hist,
		Logger:          s.logger,
		MsPerWeightUnit: app.Progress.MsPerWeightUnit,
	})
	hub := broadcast.NewHub(broadcast.Config{
		Controller:        controller,
		Calculator:        calc,
		ProgressInterval:  app.Broadcast.ProgressInterval,
		HeartbeatInterval: app.Broadcast.HeartbeatInterval,
		SessionTimeout:    app.Broadcast.SessionTimeout,
		Logger:            s.logger,
	})
	ing := ingest.New(ingest.Config{
		Store:   st,
		Tracker: trk,
		Home:    s.home,
		Logger:  s.logger,
	})

	if app.Runner.Enabled && source != nil {
		s.startRunner(ctx, app, st, trk, controller, source)
	}

	// Create services struct for context enrichment
	s.services = &svcctx.Services{
		Store:      st,
		Tracker:    trk,
		Controller: controller,
		Calculator: calc,
		Hub:        hub,
		Ingestor:   ing,
		ConfigMgr:  s.configMgr,
		Logger:     s.logger,
		Home:       s.home,
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown() // Clean up backing services on HTTP error
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// openStore builds the configured store backend. For a managed container
// it validates, starts, and waits on Postgres first.
func (s *Server) openStore(ctx context.Context, app *config.Config) (store.Store, error) {
	if app.Store.Backend != config.StoreBackendPostgres {
		s.logger.Info("using in-memory store")
		return store.NewMemory(), nil
	}

	dsn := app.PostgresDSN()
	if dsn == "" {
		if err := s.storeManager.ValidateExisting(ctx); err != nil {
			return nil, fmt.Errorf("existing postgres container incompatible: %w", err)
		}
		s.logger.Info("starting postgres")
		if err := s.storeManager.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start postgres: %w", err)
		}
		dsn = s.storeManager.DSN()
	}

	pg, err := store.NewPostgres(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	s.logger.Info("postgres store ready")
	return pg, nil
}

// openDispatch builds the configured dispatch backend. The channel backend
// serves both sides in-process; with Kafka the consumer group is only
// joined when the runner is enabled.
func (s *Server) openDispatch(app *config.Config) (dispatch.Dispatcher, dispatch.Source, error) {
	if app.Dispatch.Backend == config.DispatchBackendKafka {
		kcfg := dispatch.KafkaConfig{
			Brokers: app.Dispatch.Kafka.Brokers,
			Topic:   app.Dispatch.Kafka.Topic,
			GroupID: app.Dispatch.Kafka.GroupID,
		}
		k, err := dispatch.NewKafka(kcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect kafka dispatcher: %w", err)
		}
		if !app.Runner.Enabled {
			return k, nil, nil
		}
		src, err := dispatch.NewKafkaSource(kcfg)
		if err != nil {
			_ = k.Close()
			return nil, nil, fmt.Errorf("failed to join kafka consumer group: %w", err)
		}
		s.sourceClose = src.Close
		return k, src, nil
	}

	ch := dispatch.NewChannel(app.Dispatch.Buffer)
	if !app.Runner.Enabled {
		s.logger.Warn("runner disabled with in-process dispatch, started batches will not be processed")
	}
	return ch, ch, nil
}

// startRunner launches the pipeline runner consuming from source.
func (s *Server) startRunner(ctx context.Context, app *config.Config, st store.Store, trk *tracker.StageTracker, controller *batch.Controller, source dispatch.Source) {
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel

	run := runner.New(runner.Config{
		Store:     st,
		Tracker:   trk,
		Completer: controller,
		Source:    source,
		Extractor: executors.NewExtractionClient(executors.ExtractionConfig{
			BaseURL: app.Executors.ExtractionURL,
			Timeout: app.Executors.Timeout,
			Logger:  s.logger,
		}),
		Mapper: executors.NewMappingClient(executors.MappingConfig{
			BaseURL: app.Executors.MappingURL,
			Timeout: app.Executors.Timeout,
			Logger:  s.logger,
		}),
		Workers:             app.Runner.Workers,
		AutoReviewThreshold: app.Executors.AutoReviewThreshold,
		MinConfidence:       app.Executors.MinConfidence,
		Logger:              s.logger,
	})

	go func() {
		s.logger.Info("starting pipeline runner", "workers", app.Runner.Workers)
		if err := run.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error("pipeline runner stopped", "error", err)
		}
	}()
}

// failStart cleans up whatever Start already opened and reports err.
func (s *Server) failStart(err error) error {
	_ = s.shutdown()
	return err
}

// shutdown performs graceful shutdown of the HTTP server and all backing
// services.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	// Shutdown HTTP server with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop the runner before its dispatch source goes away
	if s.runCancel != nil {
		s.runCancel()
	}
	if s.sourceClose != nil {
		if err := s.sourceClose(); err != nil {
			s.logger.Error("dispatch source close error", "error", err)
		}
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Close(); err != nil {
			s.logger.Error("dispatcher close error", "error", err)
		}
	}

	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Error("history cache close error", "error", err)
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close error", "error", err)
		}
	}

	// Stop the managed Postgres container, if any
	if s.storeManager != nil {
		s.logger.Info("stopping postgres")
		if err := s.storeManager.Stop(shutdownCtx); err != nil {
			s.logger.Error("postgres stop error", "error", err)
		}
		if err := s.storeManager.Close(); err != nil {
			s.logger.Error("postgres manager close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Store returns the work item store.
// Returns nil if the server hasn't started yet.
func (s *Server) Store() store.Store {
	return s.store
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.services != nil {
			ctx = svcctx.WithServices(ctx, s.services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable while the backing services come up.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.services == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
