/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the donation-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                       string `mapstructure:"SERVER_PORT"`
	DatabaseURL                      string `mapstructure:"DATABASE_URL"`
	RunMigrations                    bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL                         string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix             string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	DonationCreateRateLimitPerMinute int    `mapstructure:"DONATION_CREATE_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                      string `mapstructure:"RABBITMQ_URL"`
	DonationEventsExchange           string `mapstructure:"DONATION_EVENTS_EXCHANGE"`
	PaymentStatusQueue               string `mapstructure:"PAYMENT_STATUS_QUEUE"`
	ClerkJWKSURL                     string `mapstructure:"CLERK_JWKS_URL"`
	ClerkAudience                    string `mapstructure:"CLERK_AUDIENCE"`
	ClerkIssuer                      string `mapstructure:"CLERK_ISSUER"`
	InternalAPIKey                   string `mapstructure:"INTERNAL_API_KEY"`
	BaseCurrency                     string `mapstructure:"BASE_CURRENCY"`
	ProcessorTimeoutSeconds          int    `mapstructure:"PROCESSOR_TIMEOUT_SECONDS"`
	MpesaBaseURL                     string `mapstructure:"MPESA_BASE_URL"`
	MpesaConsumerKey                 string `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret              string `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortcode                   string `mapstructure:"MPESA_SHORTCODE"`
	MpesaPasskey                     string `mapstructure:"MPESA_PASSKEY"`
	MpesaCallbackURL                 string `mapstructure:"MPESA_CALLBACK_URL"`
	StripeAPIBaseURL                 string `mapstructure:"STRIPE_API_BASE_URL"`
	StripeSecretKey                  string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret              string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeWebhookToleranceSeconds    int    `mapstructure:"STRIPE_WEBHOOK_TOLERANCE_SECONDS"`
	ConfirmationPollSchedule         string `mapstructure:"CONFIRMATION_POLL_SCHEDULE"`
	ConfirmationPollMinAgeSeconds    int    `mapstructure:"CONFIRMATION_POLL_MIN_AGE_SECONDS"`
	ConfirmationPollBatchSize        int    `mapstructure:"CONFIRMATION_POLL_BATCH_SIZE"`
	OutboxPollIntervalMS             int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
	WebhookArchiveBucket             string `mapstructure:"WEBHOOK_ARCHIVE_BUCKET"`
	AWSRegion                        string `mapstructure:"AWS_REGION"`
	AWSEndpointURL                   string `mapstructure:"AWS_ENDPOINT_URL"`
	AWSAccessKeyID                   string `mapstructure:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey               string `mapstructure:"AWS_SECRET_ACCESS_KEY"`
}

// StripeWebhookSecrets splits the configured secret list. Every entry is
// accepted so a secret can be rotated without dropping deliveries.
func (c Config) StripeWebhookSecrets() []string {
	var secrets []string
	for _, part := range strings.Split(c.StripeWebhookSecret, ",") {
		if s := strings.TrimSpace(part); s != "" {
			secrets = append(secrets, s)
		}
	}
	return secrets
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", false)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "donations:rate_limit")
	viper.SetDefault("DONATION_CREATE_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("DONATION_EVENTS_EXCHANGE", "donation_events")
	viper.SetDefault("PAYMENT_STATUS_QUEUE", "donation_service.payment_status")
	viper.SetDefault("BASE_CURRENCY", "USD")
	viper.SetDefault("PROCESSOR_TIMEOUT_SECONDS", 15)
	viper.SetDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	viper.SetDefault("STRIPE_API_BASE_URL", "https://api.stripe.com")
	viper.SetDefault("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300)
	viper.SetDefault("CONFIRMATION_POLL_SCHEDULE", "@every 2m")
	viper.SetDefault("CONFIRMATION_POLL_MIN_AGE_SECONDS", 120)
	viper.SetDefault("CONFIRMATION_POLL_BATCH_SIZE", 50)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", 1200)
	viper.SetDefault("AWS_REGION", "us-east-1")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "DONATION_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("DONATION_CREATE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("DONATION_EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYMENT_STATUS_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("CLERK_AUDIENCE")
	_ = viper.BindEnv("CLERK_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "DONATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("BASE_CURRENCY")
	_ = viper.BindEnv("PROCESSOR_TIMEOUT_SECONDS")
	_ = viper.BindEnv("MPESA_BASE_URL")
	_ = viper.BindEnv("MPESA_CONSUMER_KEY")
	_ = viper.BindEnv("MPESA_CONSUMER_SECRET")
	_ = viper.BindEnv("MPESA_SHORTCODE")
	_ = viper.BindEnv("MPESA_PASSKEY")
	_ = viper.BindEnv("MPESA_CALLBACK_URL")
	_ = viper.BindEnv("STRIPE_API_BASE_URL")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET", "STRIPE_WEBHOOK_SECRET", "STRIPE_WEBHOOK_SECRETS")
	_ = viper.BindEnv("STRIPE_WEBHOOK_TOLERANCE_SECONDS")
	_ = viper.BindEnv("CONFIRMATION_POLL_SCHEDULE")
	_ = viper.BindEnv("CONFIRMATION_POLL_MIN_AGE_SECONDS")
	_ = viper.BindEnv("CONFIRMATION_POLL_BATCH_SIZE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")
	_ = viper.BindEnv("WEBHOOK_ARCHIVE_BUCKET")
	_ = viper.BindEnv("AWS_REGION")
	_ = viper.BindEnv("AWS_ENDPOINT_URL")
	_ = viper.BindEnv("AWS_ACCESS_KEY_ID")
	_ = viper.BindEnv("AWS_SECRET_ACCESS_KEY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("DONATION_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "donations:rate_limit"
	}

	config.BaseCurrency = strings.ToUpper(strings.TrimSpace(config.BaseCurrency))
	if len(config.BaseCurrency) != 3 {
		log.Printf("level=warn component=config msg=\"invalid BASE_CURRENCY; using USD\" value=%q", config.BaseCurrency)
		config.BaseCurrency = "USD"
	}

	if config.DonationCreateRateLimitPerMinute <= 0 {
		config.DonationCreateRateLimitPerMinute = 20
	}
	if config.ProcessorTimeoutSeconds <= 0 {
		config.ProcessorTimeoutSeconds = 15
	}
	if config.ProcessorTimeoutSeconds > 60 {
		log.Printf("level=warn component=config msg=\"processor timeout too high; capping at 60s\" value=%d", config.ProcessorTimeoutSeconds)
		config.ProcessorTimeoutSeconds = 60
	}
	if config.StripeWebhookToleranceSeconds <= 0 {
		config.StripeWebhookToleranceSeconds = 300
	}
	if config.ConfirmationPollMinAgeSeconds <= 0 {
		config.ConfirmationPollMinAgeSeconds = 120
	}
	if config.ConfirmationPollBatchSize <= 0 {
		config.ConfirmationPollBatchSize = 50
	}
	if config.OutboxPollIntervalMS <= 0 {
		config.OutboxPollIntervalMS = 1200
	}

	config.ConfirmationPollSchedule = strings.TrimSpace(config.ConfirmationPollSchedule)
	if _, parseErr := cron.ParseStandard(config.ConfirmationPollSchedule); parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid CONFIRMATION_POLL_SCHEDULE; using default\" value=%q err=%v", config.ConfirmationPollSchedule, parseErr)
		config.ConfirmationPollSchedule = "@every 2m"
	}

	config.MpesaBaseURL = strings.TrimRight(strings.TrimSpace(config.MpesaBaseURL), "/")
	config.StripeAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.StripeAPIBaseURL), "/")
	config.WebhookArchiveBucket = strings.TrimSpace(config.WebhookArchiveBucket)

	return
}
