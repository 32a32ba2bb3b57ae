package main

import (
	"context"
	"log"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/smartzhq/smartz-payments/internal/config"
	"github.com/smartzhq/smartz-payments/internal/ledger"
	"github.com/smartzhq/smartz-payments/internal/notify"
	"github.com/smartzhq/smartz-payments/internal/payment"
	"github.com/smartzhq/smartz-payments/internal/recon"
)

type apiConfig struct {
	store       paymentLedger
	machine     outcomeApplier
	providers   *payment.Registry
	appURL      string
	apiURL      string
	jwtSecret   string
	redisClient *redis.Client
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Unable to ping database: %v", err)
	}

	log.Println("Connected to database successfully")

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Unable to parse Redis URL: %v", err)
	}
	redisClient := redis.NewClient(opt)

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Unable to connect to Redis: %v", err)
	}
	log.Println("Connected to Redis successfully")

	providers, err := buildProviders(cfg)
	if err != nil {
		log.Fatalf("Failed to configure payment providers: %v", err)
	}
	log.Printf("Configured payment providers: %v", providers.Names())

	store := ledger.NewStore(pool)

	notifier, err := notify.NewService(notify.Config{
		SMTPHost:     cfg.SMTPHost,
		SMTPPort:     cfg.SMTPPort,
		SMTPUsername: cfg.SMTPUsername,
		SMTPPassword: cfg.SMTPPassword,
		FromEmail:    cfg.FromEmail,
		FromName:     cfg.FromName,
		AppURL:       cfg.AppURL,
		Enabled:      cfg.EnablePaymentEmails,
	})
	if err != nil {
		log.Fatalf("Failed to initialize notification service: %v", err)
	}

	machine := recon.NewMachine(store, notifier)

	api := apiConfig{
		store:       store,
		machine:     machine,
		providers:   providers,
		appURL:      cfg.AppURL,
		apiURL:      cfg.APIURL,
		jwtSecret:   cfg.JWTSecret,
		redisClient: redisClient,
	}

	mux := http.NewServeMux()

	authMiddleware := AuthMiddleware(api.jwtSecret)
	rateLimitMiddleware := RateLimitMiddleware(api.redisClient, cfg.RateLimit)

	initializeHandler := authMiddleware(
		rateLimitMiddleware(http.HandlerFunc(api.initiatePaymentHandler)),
	)
	mux.Handle("POST /api/v1/payments/initialize", initializeHandler)

	// Redirect callback and webhooks carry no bearer token; the callback is
	// verified against the provider and the webhooks by signature.
	mux.HandleFunc("GET /api/v1/payments/callback", api.paymentCallbackHandler)
	mux.HandleFunc("POST /api/v1/webhooks/paystack", api.webhookHandler("paystack"))
	mux.HandleFunc("POST /api/v1/webhooks/opay", api.webhookHandler("opay"))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	handler := middlewareCors(RequestIDMiddleware(RecoveryMiddleware(LoggingMiddleware(mux))))

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	log.Printf("Server starting on port %s", cfg.Port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func buildProviders(cfg *config.Config) (*payment.Registry, error) {
	var providers []payment.Provider

	if cfg.PaystackConfigured() {
		paystack, err := payment.NewPaystackProvider(cfg.PaystackSecretKey, cfg.PaystackWebhookSecret, cfg.PaystackBaseURL)
		if err != nil {
			return nil, err
		}
		providers = append(providers, paystack)
	}

	if cfg.OpayConfigured() {
		opay, err := payment.NewOpayProvider(cfg.OpayMerchantID, cfg.OpayPublicKey, cfg.OpayPrivateKey, cfg.OpayBaseURL)
		if err != nil {
			return nil, err
		}
		providers = append(providers, opay)
	}

	return payment.NewRegistry(providers...), nil
}
