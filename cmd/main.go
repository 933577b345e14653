/**
 * @description
 * This is the main entry point for the donation-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, payment processor clients, message brokers, the reconciler and its
 * background workers, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Distributed rate limiting.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/mpesaclient, pkg/stripeclient: Payment processor clients.
 * - pkg/rabbitmq, pkg/s3archive: Event transport and webhook archiving.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/donation-service/internal/api"
	"github.com/transfa/donation-service/internal/app"
	"github.com/transfa/donation-service/internal/config"
	"github.com/transfa/donation-service/internal/domain"
	"github.com/transfa/donation-service/internal/store"
	"github.com/transfa/donation-service/pkg/mpesaclient"
	"github.com/transfa/donation-service/pkg/rabbitmq"
	"github.com/transfa/donation-service/pkg/s3archive"
	"github.com/transfa/donation-service/pkg/stripeclient"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting donation-service\" port=%s base_currency=%s", cfg.ServerPort, cfg.BaseCurrency)

	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"database migrations applied\"")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind pgbouncer.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repository := store.NewPostgresRepository(dbpool)

	// Payment processors. A processor without credentials is left out, and
	// donations using its method fall back to manual instructions.
	initiators := app.Initiators{}
	if cfg.MpesaConsumerKey != "" && cfg.MpesaConsumerSecret != "" && cfg.MpesaShortcode != "" {
		mpesa := mpesaclient.NewClient(cfg.MpesaBaseURL, cfg.MpesaConsumerKey, cfg.MpesaConsumerSecret, cfg.MpesaShortcode, cfg.MpesaPasskey, cfg.MpesaCallbackURL)
		initiators[domain.PaymentMethodMpesa] = app.NewMpesaInitiator(mpesa)
	} else {
		log.Println("level=warn component=bootstrap msg=\"mpesa credentials missing; MPESA donations will not be initiated\"")
	}
	if cfg.StripeSecretKey != "" {
		initiators[domain.PaymentMethodCard] = app.NewStripeInitiator(stripeclient.NewClient(cfg.StripeAPIBaseURL, cfg.StripeSecretKey))
	} else {
		log.Println("level=warn component=bootstrap msg=\"stripe secret key missing; CARD donations will not be initiated\"")
	}

	donationService := app.NewService(repository, initiators, app.ServiceConfig{
		BaseCurrency:             cfg.BaseCurrency,
		ProcessorTimeout:         time.Duration(cfg.ProcessorTimeoutSeconds) * time.Second,
		CreateRateLimitPerMinute: cfg.DonationCreateRateLimitPerMinute,
	})

	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; donation rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; donation rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; donation rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				donationService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	reconciler := app.NewReconciler(repository, cfg.DonationEventsExchange)

	// Webhook ingestion.
	var verifier *stripeclient.Verifier
	if secrets := cfg.StripeWebhookSecrets(); len(secrets) > 0 {
		verifier = stripeclient.NewVerifier(stripeclient.StaticSecrets(secrets), time.Duration(cfg.StripeWebhookToleranceSeconds)*time.Second)
	} else {
		log.Println("level=warn component=bootstrap msg=\"stripe webhook secret missing; stripe webhooks disabled\" env=STRIPE_WEBHOOK_SECRET")
	}
	webhookHandlers := api.NewWebhookHandlers(reconciler, verifier)
	if cfg.WebhookArchiveBucket != "" {
		archiver, archiveErr := s3archive.NewArchiver(context.Background(), s3archive.Config{
			Bucket:          cfg.WebhookArchiveBucket,
			Region:          cfg.AWSRegion,
			EndpointURL:     cfg.AWSEndpointURL,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if archiveErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"webhook archive unavailable\" err=%v", archiveErr)
		} else {
			webhookHandlers.SetArchiver(archiver)
			log.Printf("level=info component=bootstrap msg=\"webhook archive enabled\" bucket=%s", cfg.WebhookArchiveBucket)
		}
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	// Donation events leave through the outbox so they are only published for
	// committed ledger changes.
	dispatcher := app.NewOutboxDispatcher(repository, cfg.RabbitMQURL, time.Duration(cfg.OutboxPollIntervalMS)*time.Millisecond)
	go dispatcher.Run(workerCtx)

	// Payment status reports from other services arrive on the queue as well as
	// over the internal webhook.
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; payment status queue disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]rabbitmq.Handler{
			"payment.status.*": app.PaymentStatusConsumer(reconciler),
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.DonationEventsExchange, cfg.PaymentStatusQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"payment status consumer start failed\" err=%v", err)
		}
	}

	// Confirmation poller for payments whose webhook never arrived.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	poller := app.NewConfirmationPoller(repository, reconciler, initiators.Queriers(), logger, app.PollerConfig{
		MinAge:           time.Duration(cfg.ConfirmationPollMinAgeSeconds) * time.Second,
		BatchSize:        cfg.ConfirmationPollBatchSize,
		ProcessorTimeout: time.Duration(cfg.ProcessorTimeoutSeconds) * time.Second,
	})
	scheduler := app.NewScheduler(poller, cfg.ConfirmationPollSchedule, logger)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"confirmation poller schedule invalid\" err=%v", err)
	}

	auth := api.ClerkAuthMiddleware(api.AuthConfig{
		Audience: cfg.ClerkAudience,
		Issuer:   cfg.ClerkIssuer,
	}, api.NewJWKSCache(cfg.ClerkJWKSURL, 10*time.Minute))
	router := api.NewRouter(api.NewDonationHandlers(donationService), webhookHandlers, auth, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()
	stopWorkers()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
