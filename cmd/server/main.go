/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points back office server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Build the logger
  3. Open the store selected by DB_DRIVER
  4. Connect the Redis balance cache when REDIS_URL is set
  5. Wire the points service, client directory and HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port         HTTP server port (overrides APP_PORT)
  -db           SQLite database path (overrides DB_PATH)
                Use ":memory:" for in-memory database
  -driver       sqlite, postgres or memory (overrides DB_DRIVER)
  -admin-token  Print a signed admin token for the given id and exit

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close cache and database connections
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/points.db"

  # Run against Postgres with a balance cache
  DB_DRIVER=postgres DATABASE_URL=postgres://... REDIS_URL=redis://localhost:6379/0 ./server

  # Get a token for local testing
  ./server -admin-token=alice

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - store/: Storage backends
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/cache"
	"github.com/warp/points-ledger/clients"
	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/logging"
	"github.com/warp/points-ledger/metrics"
	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/store/memory"
	"github.com/warp/points-ledger/store/postgres"
	"github.com/warp/points-ledger/store/sqlite"
)

func main() {
	cfg := config.Load()

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	driver := flag.String("driver", cfg.DBDriver, "Storage driver: sqlite, postgres, memory")
	adminToken := flag.String("admin-token", "", "Print an admin token for this id and exit")
	flag.Parse()
	cfg.Port, cfg.DBPath, cfg.DBDriver = *port, *dbPath, *driver

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if *adminToken != "" {
		token, err := api.IssueToken(cfg.JWTSecret, points.Admin(*adminToken), 24*time.Hour)
		if err != nil {
			log.WithError(err).Fatal("Failed to issue token")
		}
		fmt.Println(token)
		return
	}

	// Initialize store
	ledger, directoryStore, closer, err := openStores(cfg)
	if err != nil {
		log.WithError(err).WithField("driver", cfg.DBDriver).Fatal("Failed to initialize database")
	}
	defer closer.Close()

	m := metrics.New()

	opts := points.Options{Logger: log, Recorder: m}
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := cache.NewClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.WithError(err).Warn("Balance cache disabled")
		} else {
			defer rdb.Close()
			opts.Cache = cache.NewBalances(rdb, cfg.BalanceCacheTTL)
			log.WithField("ttl", cfg.BalanceCacheTTL).Info("Balance cache enabled")
		}
	}

	svc := points.NewService(ledger, opts)
	dir := clients.NewDirectory(directoryStore, clients.Options{Logger: log})

	handler := api.NewHandler(svc, dir, log)
	router := api.NewRouter(handler, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Metrics:        m,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithFields(logrus.Fields{
			"port":   cfg.Port,
			"driver": cfg.DBDriver,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
		return
	}

	log.Info("Server stopped")
}

// openStores returns the ledger and client stores for the configured driver.
func openStores(cfg *config.Config) (points.TxStore, clients.TxStore, io.Closer, error) {
	switch cfg.DBDriver {
	case "sqlite":
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Clients(), s, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, nil, errors.New("DATABASE_URL is required for the postgres driver")
		}
		s, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.Clients(), s, nil
	case "memory":
		m := memory.New()
		return m, m.Clients(), io.NopCloser(nil), nil
	}
	return nil, nil, nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
}
