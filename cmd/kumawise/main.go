package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/arumes31/kumawise/internal/config"
	"github.com/arumes31/kumawise/internal/connectwise"
	"github.com/arumes31/kumawise/internal/database"
	"github.com/arumes31/kumawise/internal/handlers"
	"github.com/arumes31/kumawise/internal/jobs"
	"github.com/arumes31/kumawise/internal/metrics"
	"github.com/arumes31/kumawise/internal/middleware"
	"github.com/arumes31/kumawise/internal/notify"
	"github.com/arumes31/kumawise/internal/ratelimit"
	"github.com/arumes31/kumawise/internal/services"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting KumaWise alert relay...")

	// Load the optional monitor -> company mapping file
	companyMap, err := config.LoadCompanyMap(cfg.CompanyMapFile)
	if err != nil {
		log.Fatalf("Failed to load company map: %v", err)
	}
	if len(companyMap.Companies) > 0 {
		log.Printf("Company map loaded with %d entries", len(companyMap.Companies))
	}

	// Connect to the database backing the outage store and dispatch queue.
	// Unreachable storage is fatal: without it the relay cannot dedup.
	db, err := database.Connect(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Printf("Database connection established")

	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// ConnectWise client
	cwClient := connectwise.NewClient(connectwise.Config{
		BaseURL:      cfg.CWBaseURL,
		Company:      cfg.CWCompany,
		PublicKey:    cfg.CWPublicKey,
		PrivateKey:   cfg.CWPrivateKey,
		ClientID:     cfg.CWClientID,
		ServiceBoard: cfg.ServiceBoard,
		StatusNew:    cfg.StatusNew,
		StatusClosed: cfg.StatusClosed,
	})
	if cfg.CWCompany == "" || cfg.CWPublicKey == "" || cfg.CWPrivateKey == "" || cfg.CWClientID == "" {
		log.Printf("Warning: ConnectWise credentials (including CW_CLIENT_ID) are missing. API calls will fail.")
	}

	// Shared plumbing
	m := metrics.New()
	hub := services.NewEventHub()
	limiter := ratelimit.PerMinute(cfg.RateLimitPerMinute)

	slackNotifier := notify.NewSlackNotifier(cfg.SlackToken, cfg.SlackAlertsChannel)
	var taskNotifier services.TaskNotifier
	if slackNotifier != nil {
		taskNotifier = slackNotifier
		log.Printf("Slack dead-letter notifications enabled for channel %s", cfg.SlackAlertsChannel)
	}

	// Core services
	reconciler := services.NewReconciler(db, cfg, companyMap, m, hub)
	executor := services.NewExecutor(db, cfg, cwClient, limiter, m, hub, taskNotifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	executor.Start(ctx, &wg)

	// Background jobs
	stopJobs := make(chan struct{})
	go jobs.NewLeaseReaper(db).Start(15*time.Second, stopJobs)
	go jobs.NewRetentionJob(db, cfg.EpisodeRetentionDays).Start(time.Hour, stopJobs)

	// Ops API authentication: enabled only when an admin password is set
	jwtEnabled := cfg.AdminPassword != ""
	var passwordHash string
	if jwtEnabled {
		passwordHash, err = middleware.HashPassword(cfg.AdminPassword)
		if err != nil {
			log.Fatalf("Failed to hash admin password: %v", err)
		}
		log.Printf("Ops API authentication enabled for user: %s", cfg.AdminUsername)
	} else {
		log.Printf("ADMIN_PASSWORD not set, ops API authentication disabled")
	}

	jwtAuth := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           jwtEnabled,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/health/deep",
			"/metrics",
			"/webhook",
			"/auth/login",
		},
	})

	// HTTP surface
	webhookHandler := handlers.NewWebhookHandler(reconciler, m)
	wsHandler := handlers.NewWSHandler(hub)
	httpHandler := handlers.NewHTTPHandler(db, m, cwClient, wsHandler)
	opsHandler := handlers.NewOpsHandler(db, jwtAuth)

	webhookAuth := middleware.NewWebhookAuth(cfg.WebhookSecrets, cfg.TrustedSources, cfg.TrustProxyHeaders)

	mux := http.NewServeMux()
	httpHandler.SetupRoutes(mux)
	opsHandler.SetupRoutes(mux)
	mux.Handle("/webhook", webhookAuth.Wrap(http.HandlerFunc(webhookHandler.HandleWebhook)))

	corsMiddleware := middleware.NewCORSMiddleware()
	rootHandler := middleware.CorrelationID(corsMiddleware.Wrap(jwtAuth.Wrap(mux)))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: rootHandler,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	log.Printf("Webhook endpoint: http://localhost:%d/webhook", cfg.HTTPPort)
	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)
	log.Printf("Metrics endpoint: http://localhost:%d/metrics", cfg.HTTPPort)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	close(stopJobs)
	cancel()
	wg.Wait()

	log.Println("Shutdown complete")
}
