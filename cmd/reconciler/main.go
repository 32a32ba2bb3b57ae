package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/smartzhq/smartz-payments/internal/config"
	"github.com/smartzhq/smartz-payments/internal/jobs"
	"github.com/smartzhq/smartz-payments/internal/ledger"
	"github.com/smartzhq/smartz-payments/internal/notify"
	"github.com/smartzhq/smartz-payments/internal/payment"
	"github.com/smartzhq/smartz-payments/internal/recon"
)

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
	staleAge := time.Duration(cfg.StalePendingMinutes) * time.Minute

	c := cron.New(cron.WithSeconds())

	// Sweep transactions stuck in pending: the order never came back through
	// the callback and the webhook never landed, so ask the provider directly.
	_, err = c.AddFunc(cfg.ReconcileCronSchedule, func() {
		log.Println("Starting stale pending reconciliation sweep...")

		if err := jobs.ReconcilePendingTransactions(store, providers, machine, staleAge); err != nil {
			log.Printf("ERROR: Reconciliation sweep failed: %v", err)
			return
		}

		if err := jobs.ReconcileUnsettledOrders(store, machine); err != nil {
			log.Printf("ERROR: Unsettled order repair failed: %v", err)
			return
		}

		log.Println("Reconciliation sweep completed")
	})
	if err != nil {
		log.Fatalf("Failed to schedule reconciliation sweep: %v", err)
	}

	// Daily report of rows needing manual reconciliation, 06:00 UTC.
	_, err = c.AddFunc("0 0 6 * * *", func() {
		log.Println("Starting manual review report...")

		if err := jobs.ReportReviewTransactions(store); err != nil {
			log.Printf("ERROR: Review report failed: %v", err)
			return
		}

		log.Println("Manual review report completed")
	})
	if err != nil {
		log.Fatalf("Failed to schedule review report: %v", err)
	}

	c.Start()
	log.Println("Reconciler started successfully")
	log.Printf("Scheduled jobs: sweep %q (pending older than %v), review report daily at 06:00 UTC", cfg.ReconcileCronSchedule, staleAge)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Println("Shutting down reconciler...")

	stopCtx := c.Stop()
	<-stopCtx.Done()

	log.Println("Reconciler stopped successfully")
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
