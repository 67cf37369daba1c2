package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/invoice-relay/internal/chat"
	"github.com/ignite/invoice-relay/internal/config"
	"github.com/ignite/invoice-relay/internal/graph"
	"github.com/ignite/invoice-relay/internal/llm"
	"github.com/ignite/invoice-relay/internal/mailing"
	"github.com/ignite/invoice-relay/internal/pkg/breaker"
	"github.com/ignite/invoice-relay/internal/pkg/distlock"
	"github.com/ignite/invoice-relay/internal/pkg/logger"
	"github.com/ignite/invoice-relay/internal/queue"
	"github.com/ignite/invoice-relay/internal/storage"
	"github.com/ignite/invoice-relay/internal/vendor"
	"github.com/ignite/invoice-relay/internal/worker"
)

// The pipeline binary: every queue consumer, the fallback mailbox poller,
// the subscription manager, and the daily summary snapshot. Scale-out is
// safe; consumers claim messages under visibility windows and the scheduled
// loops coordinate through distributed locks.
func main() {
	log.Println("Starting invoice-relay worker...")

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

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

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
			log.Printf("Warning: Redis connection failed, using PG advisory locks: %v", err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Println("Redis connected (distributed locking enabled)")
		}
		pingCancel()
	} else {
		log.Println("Redis not configured, using PG advisory locks")
	}

	queues := queue.NewStore(db, cfg.Queue.MaxDequeueCount)
	breakers := breaker.NewRegistry(breaker.Settings{})
	graphClient := graph.NewClient(cfg.Graph, breakers)

	// DynamoDB and S3 are load-bearing here: the transaction log is the
	// dedup oracle and blobs feed enrichment and routing.
	clients, err := storage.NewClients(context.Background(), cfg.Storage.AWSRegion, cfg.Storage.GetAWSProfile())
	if err != nil {
		log.Fatalf("Failed to load AWS storage clients: %v", err)
	}
	txlog := storage.NewTransactionLog(clients, cfg.Storage.DynamoDBTable)
	blobs := storage.NewBlobStore(clients, cfg.Storage.AttachmentsBucket)
	subscriptions := storage.NewSubscriptionRegistry(clients, cfg.Storage.DynamoDBTable)
	vendors := storage.NewVendorStore(clients, cfg.Storage.DynamoDBTable)
	log.Printf("Storage initialized (table=%s bucket=%s)", cfg.Storage.DynamoDBTable, cfg.Storage.AttachmentsBucket)

	inferencer, err := llm.New(context.Background(), cfg.LLM, cfg.Storage.AWSRegion, breakers)
	if err != nil {
		log.Printf("Warning: LLM inference unavailable, matching degrades to fuzzy: %v", err)
		inferencer = nil
	} else if inferencer == nil {
		log.Println("LLM inference disabled")
	} else {
		log.Printf("LLM inference enabled (provider=%s)", cfg.LLM.Provider)
	}

	directory := vendor.NewCachedDirectory(vendors, cfg.Vendor.CacheTTL())
	matcher := vendor.NewMatcher(directory, inferencer, cfg.Vendor.FuzzyThreshold)

	composer, err := mailing.NewComposer(cfg.Mailbox.FunctionAppURL)
	if err != nil {
		log.Fatalf("Failed to build mail composer: %v", err)
	}

	var sender mailing.MailSender
	switch cfg.Mail.Sender {
	case "ses":
		if cfg.Mail.SESFrom == "" {
			log.Fatal("SES_FROM_ADDRESS is required when MAIL_SENDER=ses")
		}
		sender, err = mailing.NewSESSender(context.Background(), cfg.Mail.SESRegion, cfg.Mail.SESFrom, breakers)
		if err != nil {
			log.Fatalf("Failed to build SES sender: %v", err)
		}
		log.Printf("Outbound mail via SES (region=%s)", cfg.Mail.SESRegion)
	default:
		sender = mailing.NewGraphSender(graphClient, cfg.Mailbox.IngestMailbox)
		log.Println("Outbound mail via provider sendMail")
	}

	ingestor := worker.NewIngestor(graphClient, blobs, txlog, queues, cfg.Mailbox)

	notificationWorker := worker.NewNotificationWorker(queues, ingestor, cfg.Queue)

	var subManager *worker.SubscriptionManager
	if cfg.Graph.WebhookURL != "" {
		subLock := distlock.NewLock(redisClient, db, "subscription-manager", 10*time.Minute)
		subManager = worker.NewSubscriptionManager(graphClient, subscriptions, subLock, cfg.Graph, cfg.Mailbox.IngestMailbox)
		notificationWorker.SetSubscriptionReconciler(subManager)
	} else {
		log.Println("Subscription manager not configured (MAIL_WEBHOOK_URL unset), relying on the timer poller")
	}

	var poller *worker.TimerPoller
	if cfg.Poller.Enabled {
		poller = worker.NewTimerPoller(graphClient, ingestor, cfg.Mailbox.IngestMailbox, cfg.Poller)
	} else {
		log.Println("Timer poller disabled (MAIL_INGEST_ENABLED not set)")
	}

	enricher := worker.NewEnricher(queues, matcher, txlog, cfg.Mailbox, cfg.Queue)
	enricher.SetBlobReader(blobs)
	enricher.SetDuplicateBlock(cfg.Vendor.DuplicateCandidateBlock)

	router := worker.NewRouter(queues, txlog, composer, sender, cfg.Mailbox, cfg.Queue)
	router.SetBlobReader(blobs)

	if cfg.Chat.WebhookURL == "" {
		log.Println("Chat webhook not configured, notification cards will be dropped")
	}
	notifier := worker.NewNotifier(queues, chat.NewPoster(cfg.Chat, breakers), cfg.Queue)

	summaryLock := distlock.NewLock(redisClient, db, "daily-summary", 5*time.Minute)
	summary := worker.NewSummaryWorker(txlog, queues, blobs, summaryLock)

	notificationWorker.Start()
	if poller != nil {
		poller.Start()
	}
	enricher.Start()
	router.Start()
	notifier.Start()
	if subManager != nil {
		subManager.Start()
	}
	summary.Start()
	log.Println("All workers running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")

	// Ingest-side loops stop first so downstream consumers drain what is
	// already claimed before their own Stop.
	if subManager != nil {
		subManager.Stop()
	}
	if poller != nil {
		poller.Stop()
	}
	notificationWorker.Stop()
	enricher.Stop()
	router.Stop()
	notifier.Stop()
	summary.Stop()

	log.Println("Worker stopped")
}
