/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the fleet ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, file, .env, environment, flags)
  2. Initialize structured logging
  3. Open the store (SQLite or PostgreSQL)
  4. Connect the Redis balance cache when enabled
  5. Build the trips engine and the API handler
  6. Start the overdue scheduler when business.overdue_refresh_interval is set
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional, default: config.yaml)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides database.sqlite_path
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the overdue scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close Redis and the database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run against PostgreSQL
  DATABASE_DRIVER=postgres DB_HOST=localhost DB_NAME=fleet_ledger ./server

  # Run on different port with Redis
  REDIS_ENABLED=true ./server -port=3000

SEE ALSO:
  - config/config.go: Configuration sources and keys
  - api/server.go: Router configuration
  - trips/engine.go: Engine construction
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/warp/fleet-ledger/api"
	"github.com/warp/fleet-ledger/cache"
	"github.com/warp/fleet-ledger/config"
	"github.com/warp/fleet-ledger/ledger"
	"github.com/warp/fleet-ledger/logger"
	"github.com/warp/fleet-ledger/store/postgres"
	"github.com/warp/fleet-ledger/store/sqlite"
	"github.com/warp/fleet-ledger/store/sqlstore"
	"github.com/warp/fleet-ledger/trips"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "config.yaml", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.SQLitePath = *dbPath
	}

	logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	log := logger.Get()

	ctx := context.Background()

	// Initialize store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()
	log.Info("database ready", "driver", cfg.Database.Driver)

	clock, err := ledger.NewZoneClock(cfg.Business.Timezone)
	if err != nil {
		return err
	}

	opts := []trips.Option{
		trips.WithClock(clock),
		trips.WithLogger(logger.WithService("trips")),
	}
	resetters := []api.Resetter{store}

	// Redis is optional; the ledger stays authoritative without it
	if cfg.Redis.Enabled {
		client, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("redis unavailable, running without balance cache", "error", err)
		} else {
			defer client.Close()
			balances := cache.NewBalanceCache(client, cfg.Redis.BalanceTTL)
			opts = append(opts, trips.WithCache(balances))
			resetters = append(resetters, balances)
			log.Info("balance cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.BalanceTTL)
		}
	}

	engine := trips.NewEngine(store, opts...)

	// Initialize handler
	handler := api.NewHandler(engine, logger.WithService("api"), resetters...)
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.Server.CorsAllowedOrigins})

	scheduler := api.NewOverdueScheduler(engine, cfg.Business.OverdueRefreshInterval, logger.WithService("scheduler"))
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-quit:
		log.Info("shutting down server", "signal", sig.String())
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.Store, error) {
	db := cfg.Database
	switch db.Driver {
	case config.DriverPostgres:
		return postgres.New(ctx, postgres.Options{
			Host:            db.Host,
			Port:            db.Port,
			User:            db.User,
			Password:        db.Password,
			Name:            db.Name,
			SSLMode:         db.SSLMode,
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
		})
	default:
		return sqlite.New(db.SQLitePath)
	}
}
