package config

import (
	"os"
	"reflect"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_UsesDonationServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "DONATION_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "DONATION_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8080")
	setEnvWithCleanup(t, "PORT", "9191")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9191" {
		t.Fatalf("expected PORT to override SERVER_PORT, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "BASE_CURRENCY", "dollars")
	setEnvWithCleanup(t, "PROCESSOR_TIMEOUT_SECONDS", "600")
	setEnvWithCleanup(t, "CONFIRMATION_POLL_SCHEDULE", "not a schedule")
	setEnvWithCleanup(t, "DONATION_CREATE_RATE_LIMIT_PER_MINUTE", "-4")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.BaseCurrency != "USD" {
		t.Fatalf("expected BaseCurrency to fall back to USD, got %q", cfg.BaseCurrency)
	}
	if cfg.ProcessorTimeoutSeconds != 60 {
		t.Fatalf("expected ProcessorTimeoutSeconds capped at 60, got %d", cfg.ProcessorTimeoutSeconds)
	}
	if cfg.ConfirmationPollSchedule != "@every 2m" {
		t.Fatalf("expected default poll schedule, got %q", cfg.ConfirmationPollSchedule)
	}
	if cfg.DonationCreateRateLimitPerMinute != 20 {
		t.Fatalf("expected default rate limit, got %d", cfg.DonationCreateRateLimitPerMinute)
	}
}

func TestStripeWebhookSecretsSplitsRotationList(t *testing.T) {
	cfg := Config{StripeWebhookSecret: " whsec_new, ,whsec_old "}
	got := cfg.StripeWebhookSecrets()
	want := []string{"whsec_new", "whsec_old"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if secrets := (Config{}).StripeWebhookSecrets(); len(secrets) != 0 {
		t.Fatalf("expected no secrets, got %v", secrets)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
