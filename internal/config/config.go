package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

type Config struct {
	Environment Environment
	Port        string
	AppURL      string
	// APIURL is this service's own public base URL, used to build provider
	// callback URLs. When empty the callback is derived per request.
	APIURL string

	DatabaseURL string
	RedisURL    string

	JWTSecret string

	RateLimit int

	PaystackBaseURL       string
	PaystackSecretKey     string
	PaystackWebhookSecret string

	OpayBaseURL    string
	OpayMerchantID string
	OpayPublicKey  string
	OpayPrivateKey string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string

	EnablePaymentEmails   bool
	StalePendingMinutes   int
	ReconcileCronSchedule string
}

func Load() (*Config, error) {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if env != "production" {
		if err := godotenv.Load(); err != nil {
			if err := godotenv.Load("../../.env"); err != nil {
				if env == "development" {
					return nil, fmt.Errorf("failed to load .env file: %w", err)
				}
			}
		}
	}

	cfg := &Config{
		Environment: Environment(env),
		Port:        getEnv("PORT", "8080"),
		AppURL:      getEnv("APP_URL", "http://localhost:3000"),
		APIURL:      getEnv("API_URL", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		RateLimit: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 60),

		PaystackBaseURL:       getEnv("PAYSTACK_BASE_URL", "https://api.paystack.co"),
		PaystackSecretKey:     getEnv("PAYSTACK_SECRET_KEY", ""),
		PaystackWebhookSecret: getEnv("PAYSTACK_WEBHOOK_SECRET", ""),

		OpayBaseURL:    getEnv("OPAY_BASE_URL", "https://cashierapi.opayweb.com"),
		OpayMerchantID: getEnv("OPAY_MERCHANT_ID", ""),
		OpayPublicKey:  getEnv("OPAY_PUBLIC_KEY", ""),
		OpayPrivateKey: getEnv("OPAY_PRIVATE_KEY", ""),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnv("SMTP_PORT", "587"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		FromEmail:    getEnv("FROM_EMAIL", "payments@smartz.africa"),
		FromName:     getEnv("FROM_NAME", "Smartz"),

		EnablePaymentEmails:   getEnvAsBool("ENABLE_PAYMENT_EMAILS", true),
		StalePendingMinutes:   getEnvAsInt("STALE_PENDING_MINUTES", 30),
		ReconcileCronSchedule: getEnv("RECONCILE_CRON_SCHEDULE", "0 */10 * * * *"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if !c.PaystackConfigured() && !c.OpayConfigured() {
		return fmt.Errorf("at least one payment provider must be configured")
	}

	// Half-configured credentials must fail at startup, never at notification time.
	if c.PaystackSecretKey != "" || c.PaystackWebhookSecret != "" {
		if !c.PaystackConfigured() {
			return fmt.Errorf("incomplete Paystack configuration: secret key and webhook secret must both be set")
		}
	}

	if c.OpayMerchantID != "" || c.OpayPublicKey != "" || c.OpayPrivateKey != "" {
		if !c.OpayConfigured() {
			return fmt.Errorf("incomplete OPay configuration: merchant id, public key and private key must all be set")
		}
	}

	if c.SMTPHost != "" || c.SMTPUsername != "" || c.SMTPPassword != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("incomplete SMTP configuration: all SMTP fields must be set")
		}
	}

	return nil
}

func (c *Config) PaystackConfigured() bool {
	return c.PaystackSecretKey != "" && c.PaystackWebhookSecret != ""
}

func (c *Config) OpayConfigured() bool {
	return c.OpayMerchantID != "" && c.OpayPublicKey != "" && c.OpayPrivateKey != ""
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

func (c *Config) IsStaging() bool {
	return c.Environment == Staging
}

func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
