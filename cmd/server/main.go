package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/invoice-relay/internal/api"
	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/pkg/breaker"
	"github.com/ignite/invoice-relay/internal/pkg/logger"
	"github.com/ignite/invoice-relay/internal/queue"
	"github.com/ignite/invoice-relay/internal/storage"
	"github.com/ignite/invoice-relay/internal/vendor"
)

// The receiver binary: webhook endpoint, health probe, and the
// bearer-guarded operator API. It only enqueues; all pipeline work
// happens in cmd/worker.
func main() {
	log.Println("Starting invoice-relay receiver...")

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	if cfg.Queue.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required (queue fabric)")
	}
	db, err := sql.Open("postgres", cfg.Queue.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// The receiver only enqueues, so the pool stays small.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
	log.Println("Connected to queue database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel = context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed, rate limiting disabled: %v", err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Println("Redis connected (webhook rate limiting enabled)")
		}
		pingCancel()
	} else {
		log.Println("Redis not configured (REDIS_ADDR not set), rate limiting disabled")
	}

	queues := queue.NewStore(db, cfg.Queue.MaxDequeueCount)

	handlers := api.NewHandlers(queues, cfg.Graph.ClientState)
	handlers.SetQueueOperator(queues)
	handlers.SetBreakers(breaker.NewRegistry(breaker.Settings{}))

	// Operator endpoints that read DynamoDB degrade to 503 when the AWS
	// credential chain is unavailable; the webhook path does not need it.
	clients, err := storage.NewClients(context.Background(), cfg.Storage.AWSRegion, cfg.Storage.GetAWSProfile())
	if err != nil {
		log.Printf("Warning: AWS storage unavailable, operator endpoints degraded: %v", err)
	} else {
		handlers.SetTransactionLog(storage.NewTransactionLog(clients, cfg.Storage.DynamoDBTable))
		vendors := storage.NewVendorStore(clients, cfg.Storage.DynamoDBTable)
		cache := vendor.NewCachedDirectory(vendors, cfg.Vendor.CacheTTL())
		handlers.SetVendorStore(vendors, cache)
		log.Println("Operator endpoints wired to DynamoDB")
	}

	limiter := api.NewRateLimiter(redisClient, cfg.RateLimit)
	server := api.NewServer(handlers, limiter, cfg.Admin.APIToken)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
		log.Printf("Receiver listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down receiver...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Receiver stopped")
}
