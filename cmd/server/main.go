/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the coupon ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env, environment config, then command-line overrides
  2. Initialize SQLite store
  3. Pick the instrument lock (Redis when enabled, in-process otherwise)
  4. Build the ledger engine, checkpoint guards and event bus
  5. Start the audit scheduler
  6. Configure HTTP router and start the server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Close Redis and database connections

EXAMPLES:
  # Run with file database
  ./server -db="./data/coupons.db"

  # Run with in-memory database and console logs
  LOG_FORMAT=console ./server -db=":memory:"

  # Share the instrument lock between replicas
  REDIS_LOCK=true REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/warp/coupon-ledger/api"
	"github.com/warp/coupon-ledger/config"
	"github.com/warp/coupon-ledger/coupon"
	"github.com/warp/coupon-ledger/generic"
	"github.com/warp/coupon-ledger/lock"
	"github.com/warp/coupon-ledger/logger"
	"github.com/warp/coupon-ledger/metrics"
	"github.com/warp/coupon-ledger/store/sqlite"
)

const serviceName = "coupon-ledger"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coupon-ledger: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	port := flag.Int("port", cfg.App.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DB.Path, "SQLite database path")
	flag.Parse()

	log := logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
	})
	ctx := context.Background()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close()

	// Instrument lock
	var locker coupon.Locker = lock.NewKeyed(cfg.Ledger.LockWait)
	if cfg.Redis.Enabled {
		client, err := lock.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer client.Close()

		redisLock, err := lock.NewRedis(client, cfg.Redis)
		if err != nil {
			return err
		}
		locker = redisLock
		log.Info(ctx, "using redis instrument lock")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Ledger
	clock := generic.SystemClock{}
	engine, err := coupon.NewEngine(coupon.EngineDeps{
		Store:    store,
		Orders:   store,
		Locker:   locker,
		Clock:    clock,
		Logger:   log,
		Observer: metrics.NewLedgerMetrics(registry),
	}, coupon.EngineOptions{
		MaxRetries:         cfg.Ledger.MaxRetries,
		RetryDelay:         cfg.Ledger.RetryDelay,
		RejectInsufficient: cfg.Ledger.RejectInsufficient,
	})
	if err != nil {
		return err
	}
	guards := coupon.NewGuards(store, clock, log)
	bus := coupon.NewBus(log)
	if cfg.Features.BalanceCoupons {
		coupon.Register(bus, engine, guards)
	} else {
		log.Warn(ctx, "balance coupons disabled, order events will not touch balances")
	}
	service := coupon.NewService(store, engine, clock)

	// Audit scheduler
	auditor := api.NewAuditScheduler(service, metrics.NewAuditMetrics(registry), log)
	auditor.Enabled = cfg.Audit.Enabled
	auditor.Interval = cfg.Audit.Interval
	auditor.Start()
	defer auditor.Stop()

	// Initialize handler
	handler := api.NewHandler(api.HandlerDeps{
		Store:    store,
		Service:  service,
		Bus:      bus,
		Guards:   guards,
		Auditor:  auditor,
		Features: cfg.Features,
		Log:      log,
	})

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.App.AllowedOrigins,
		Log:            log,
		HTTPMetrics:    metrics.NewHTTPMetrics(registry),
		Gatherer:       registry,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof(ctx, "server starting", map[string]any{
			"port": *port,
			"db":   *dbPath,
			"env":  cfg.App.Env,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info(ctx, "shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info(ctx, "server stopped")
	return nil
}
