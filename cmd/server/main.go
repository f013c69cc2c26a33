/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the layaway ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment), then command-line flags
  2. Initialize SQLite document store
  3. Build the Flutterwave verifier and the layaway engine
  4. Build the gateway (auth, optional Redis rate limiting)
  5. Start the audit scheduler
  6. Configure HTTP router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS (override environment):
  -port    HTTP server port (default: PORT or 8080)
  -db      SQLite database path (default: DB_PATH or ./layaway.db)
           Use ":memory:" for in-memory database
  -env     .env file to load (default: .env, optional)
  -static  Storefront build directory to serve (optional)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler, close Redis and database connections
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/layaway.db"

  # Run with in-memory database
  ./server -db=":memory:"

ENVIRONMENT:
  See config/config.go for the full list.

SEE ALSO:
  - api/server.go: Router configuration
  - layaway/engine.go: Ledger engine
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariyofashion/layaway/api"
	"github.com/ariyofashion/layaway/config"
	"github.com/ariyofashion/layaway/gateway"
	"github.com/ariyofashion/layaway/layaway"
	"github.com/ariyofashion/layaway/payment/flutterwave"
	"github.com/ariyofashion/layaway/store/sqlite"
)

func main() {
	// Flags
	envFile := flag.String("env", ".env", "Environment file to load")
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	staticDir := flag.String("static", "", "Storefront build directory to serve")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, *staticDir, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, staticDir string, logger *slog.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Payment verification
	if cfg.FlutterwaveSecret == "" {
		logger.Warn("FLW_SECRET_KEY not set, every payment will fail verification")
	}
	verifier := flutterwave.New(cfg.FlutterwaveSecret,
		flutterwave.WithBaseURL(cfg.FlutterwaveBaseURL),
		flutterwave.WithTimeout(cfg.VerifyTimeout))

	engine := layaway.NewEngine(store, verifier,
		layaway.WithLogger(logger),
		layaway.WithCurrency(cfg.Currency),
		layaway.WithMinPayment(cfg.MinPayment),
		layaway.WithMaxRetries(cfg.MaxRetries))

	// Gateway
	opts := api.RouterOptions{AllowedOrigins: cfg.CORSOrigins, StaticDir: staticDir}
	if cfg.JWTSecret != "" {
		var jwtOpts []gateway.JWTOption
		if cfg.JWTIssuer != "" {
			jwtOpts = append(jwtOpts, gateway.WithIssuer(cfg.JWTIssuer))
		}
		opts.Authenticator = gateway.NewAuthenticator(gateway.NewJWTVerifier(cfg.JWTSecret, jwtOpts...), cfg.AdminEmails, logger)
	} else {
		logger.Warn("JWT_SECRET not set, admin endpoints are unreachable")
	}

	if rdb := connectRedis(cfg.RedisAddr, logger); rdb != nil {
		defer rdb.Close()
		opts.RateLimiter = gateway.NewRateLimiter(
			gateway.NewRedisCounter(rdb, "layaway:ratelimit:"), cfg.RateLimit, cfg.RateLimitWindow, logger)
	}

	// Periodic ledger audit
	scheduler := api.NewAuditScheduler(engine, logger)
	scheduler.CheckInterval = cfg.AuditInterval
	scheduler.Enabled = cfg.AuditInterval > 0
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	handler := api.NewHandler(engine, store, logger)
	handler.Scheduler = scheduler
	router := api.NewRouter(handler, opts)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// connectRedis returns nil when no address is configured or Redis is down;
// the server then runs without rate limiting.
func connectRedis(addr string, logger *slog.Logger) *redis.Client {
	if addr == "" {
		logger.Warn("REDIS_ADDR not set, rate limiting disabled")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis, rate limiting disabled", "addr", addr, "error", err)
		rdb.Close()
		return nil
	}
	logger.Info("connected to redis", "addr", addr)
	return rdb
}
