// Package app wires the server side of the sync core.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"teamsync/internal/access"
	"teamsync/internal/api"
	"teamsync/internal/auth"
	"teamsync/internal/config"
	"teamsync/internal/database"
	"teamsync/internal/hub"
	"teamsync/internal/rooms"
	"teamsync/internal/router"
	"teamsync/internal/websocket"
	pkgdatabase "teamsync/pkg/database"
)

// CloseServiceRestart is the websocket close code sent to every client on
// shutdown; clients reconnect immediately.
const CloseServiceRestart = 1012

// Application coordinates all server components.
type Application struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *database.Manager
	rooms       *rooms.Registry
	connections *websocket.Manager
	hub         *hub.Hub
	api         *api.Server
	httpServer  *http.Server
}

// DatabaseConfig converts the config section for the storage manager.
func DatabaseConfig(c config.DatabaseConfig) *pkgdatabase.Config {
	return &pkgdatabase.Config{
		DatabasePath:    c.Path,
		MaxConnections:  c.MaxConnections,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		WriteTimeout:    c.WriteTimeout,
	}
}

// OpenDatabase opens the storage manager and brings its schema up to date.
func OpenDatabase(c config.DatabaseConfig, logger *zap.Logger) (*database.Manager, []string, error) {
	if dir := filepath.Dir(c.Path); c.Path != ":memory:" && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := database.NewManager(DatabaseConfig(c), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	applied, err := pkgdatabase.NewMigrationManager(db.GetDB()).ApplyMigrations()
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := pkgdatabase.NewSchemaValidator(db.GetDB()).Validate(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("database schema invalid: %w", err)
	}
	return db, applied, nil
}

// WebSocketConfig converts the config section for the connection manager.
func WebSocketConfig(c config.WebSocketConfig) websocket.Config {
	return websocket.Config{
		PingInterval:     c.PingInterval,
		HeartbeatTimeout: c.HeartbeatTimeout,
		GracePeriod:      c.GracePeriod,
		SweepInterval:    c.SweepInterval,
		ReauthInterval:   c.ReauthInterval,
		WriteTimeout:     c.WriteTimeout,
		SendBuffer:       c.SendBuffer,
	}
}

// NewApplication initializes every component in dependency order:
// database, auth and access, rooms, connections, hub, API.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, applied, err := OpenDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("database ready", zap.String("path", cfg.Database.Path), zap.Strings("migrations_applied", applied))

	verifier := auth.NewTokenVerifier(db, logger)
	members := access.NewManager(db, cfg.Hub.AccessCacheTTL, logger)

	registry := rooms.NewRegistry(logger)
	connections := websocket.NewManager(verifier, registry, WebSocketConfig(cfg.WebSocket), logger)
	publisher := router.NewRouter(registry, logger)
	inbound := hub.NewHub(registry, publisher, members, hub.NewRateLimiter(cfg.Hub.SignalLimit, cfg.Hub.SignalWindow), logger)
	wsHandler := websocket.NewHandler(connections, inbound, logger)

	server := api.NewServer(api.Deps{
		Verifier:    verifier,
		Access:      members,
		Store:       db,
		Publisher:   publisher,
		Connections: connections,
		Rooms:       registry,
		WebSocket:   http.HandlerFunc(wsHandler.HandleWebSocket),
		Logger:      logger,
	})

	return &Application{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "app")),
		db:          db,
		rooms:       registry,
		connections: connections,
		hub:         inbound,
		api:         server,
		httpServer: &http.Server{
			Addr:         cfg.HTTP.Addr(),
			Handler:      server,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
	}, nil
}

// Handler returns the HTTP handler serving the API and /ws.
func (app *Application) Handler() http.Handler {
	return app.api
}

// Connections exposes the connection manager.
func (app *Application) Connections() *websocket.Manager {
	return app.connections
}

// Database exposes the storage manager, for seeding and tests.
func (app *Application) Database() *database.Manager {
	return app.db
}

// Serve runs the background loops and serves HTTP on ln until ctx is
// cancelled, then shuts down: clients get a 1012 close, the HTTP server
// drains, the hub stops and the database closes.
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	if err := app.StartBackground(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.connections.Run(gctx)
	})
	g.Go(func() error {
		app.logger.Info("serving", zap.String("addr", ln.Addr().String()))
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return app.Stop(shutdownCtx)
	})
	return g.Wait()
}

// Run listens on the configured address and serves until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, ln)
}

// StartBackground starts the inbound hub. Serve calls it; tests serving
// Handler through httptest call it directly.
func (app *Application) StartBackground(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	return nil
}

// Stop closes every session with 1012, then shuts down HTTP, the hub and the
// database in reverse dependency order.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down")
	app.connections.CloseAll(CloseServiceRestart, "service restart")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if err := app.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database shutdown: %w", err))
	}
	app.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
