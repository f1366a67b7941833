package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/textpulse/internal/abtest"
	"github.com/ignite/textpulse/internal/api"
	"github.com/ignite/textpulse/internal/campaign"
	"github.com/ignite/textpulse/internal/config"
	"github.com/ignite/textpulse/internal/pkg/logger"
	"github.com/ignite/textpulse/internal/provider"
	"github.com/ignite/textpulse/internal/reconcile"
	"github.com/ignite/textpulse/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func buildSender(cfg *config.Config) (provider.SMSSender, error) {
	switch provider.Kind(cfg.Providers.Default) {
	case provider.KindTwilio:
		if cfg.Providers.Twilio.AccountSID == "" || cfg.Providers.Twilio.AuthToken == "" {
			return nil, fmt.Errorf("twilio selected but credentials missing")
		}
		return provider.NewTwilioSender(
			cfg.Providers.Twilio.AccountSID,
			cfg.Providers.Twilio.AuthToken,
			cfg.Providers.Twilio.FromNumber,
		), nil
	case provider.KindVonage:
		if cfg.Providers.Vonage.APIKey == "" || cfg.Providers.Vonage.APISecret == "" {
			return nil, fmt.Errorf("vonage selected but credentials missing")
		}
		return provider.NewVonageSender(
			cfg.Providers.Vonage.APIKey,
			cfg.Providers.Vonage.APISecret,
			cfg.Providers.Vonage.FromNumber,
		), nil
	case provider.KindSNS:
		return provider.NewSNSSender(
			cfg.Providers.SNS.AccessKey,
			cfg.Providers.SNS.SecretKey,
			cfg.Providers.SNS.Region,
		), nil
	case provider.KindMock:
		return provider.NewMockSender(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Providers.Default)
	}
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  TextPulse SMS Campaign Server (cmd/server/main.go)        ║")
	log.Println("║  Campaign sends, delivery reconciliation, A/B testing      ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DEBUG)
	}

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL
	if cfg.Database.URL == "" {
		log.Fatal("database.url is required (or set DATABASE_URL)")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database ping failed: %v", err)
	}
	pingCancel()
	log.Println("Database connected")

	// Redis is optional. Without it, rate limiting is skipped and recount
	// locking falls back to PG advisory locks.
	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid redis URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed: %v — falling back to PG advisory locks", err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Printf("Redis connected: %s (rate limiting and distributed locking enabled)", cfg.Redis.URL)
		}
		pingCancel()
	} else {
		log.Println("Redis not configured — using PG advisory locks, rate limiting disabled")
	}

	// SMS gateway adapter
	sender, err := buildSender(cfg)
	if err != nil {
		log.Fatalf("Failed to build SMS sender: %v", err)
	}
	log.Printf("SMS provider: %s", sender.Kind())

	var limiter *worker.RateLimiter
	if redisClient != nil {
		limiter = worker.NewRateLimiter(redisClient)
	}

	bulk := worker.NewBulkSender(sender, limiter, worker.Config{
		BatchSize:       cfg.Sending.BatchSize,
		BatchDelay:      cfg.Sending.BatchDelay(),
		Concurrency:     cfg.Sending.Concurrency,
		DispatchTimeout: cfg.Sending.DispatchTimeout(),
	})

	// Per-provider raw-status overrides from config
	overrides := make(map[provider.Kind]map[string]string, len(cfg.Reconcile.StatusOverrides))
	for kind, m := range cfg.Reconcile.StatusOverrides {
		overrides[provider.Kind(kind)] = m
	}
	reconciler := reconcile.NewReconciler(db, redisClient, overrides, cfg.Reconcile.LockTTL())

	campaignStore := campaign.NewStore(db)
	orchestrator := campaign.NewOrchestrator(campaignStore, bulk, reconciler)

	testStore := abtest.NewSQLStore(db)
	engine := abtest.NewEngine(testStore, campaignStore, orchestrator)
	engine.SetDefaults(cfg.ABTest.DefaultMinimumSampleSize, cfg.ABTest.DefaultConfidenceLevel)

	server := api.NewServer(cfg.Server, engine, testStore, campaignStore, orchestrator, reconciler)

	// Background scheduler for scheduled campaigns and send-time test arms
	if cfg.Scheduler.Enabled {
		scheduler := campaign.NewScheduler(db, orchestrator, engine, cfg.Scheduler.Interval())
		go scheduler.Run(ctx)
		log.Printf("Scheduler started (interval: %s)", cfg.Scheduler.Interval())
	} else {
		log.Println("Scheduler disabled")
	}

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")

	// Cancel background tasks
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	db.Close()

	log.Println("Server stopped")
}
