// Package main is the entry point for the ReceiptWise billing API server.
//
// It loads configuration, builds the database pool and vendor clients, wires
// the webhook and tier-change handlers onto the core chassis (middleware,
// routing, health checks), and starts listening for requests.
//
// In local mode (APP_ENV=local), it runs as a standard HTTP server on the
// configured port. Behind API Gateway the same binary runs unchanged; the
// gateway terminates Lambda concerns and forwards plain HTTP.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"receiptwise/internal/api/handlers"
	"receiptwise/internal/billing"
	"receiptwise/internal/config"
	"receiptwise/internal/core"
	"receiptwise/internal/db"
	"receiptwise/internal/external"
	"receiptwise/internal/metrics"
	"receiptwise/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("receiptwise billing API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	stores := db.NewBillingStores(pool, logger)

	priceMap, err := cfg.Billing.ParsePriceMap()
	if err != nil {
		return fmt.Errorf("parsing price map: %w", err)
	}
	productMap, err := cfg.Entitlements.ParseProductMap()
	if err != nil {
		return fmt.Errorf("parsing product map: %w", err)
	}

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 30 * time.Second},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			PriceMap:  priceMap,
			Logger:    logger,
		},
	)

	// The entitlement API is optional; without it, tier-less change requests
	// resolve to free.
	var entitlements external.EntitlementAPI
	if cfg.Entitlements.APIURL != "" {
		entitlements = external.NewEntitlementClient(
			&http.Client{Timeout: cfg.Entitlements.Timeout},
			external.EntitlementClientConfig{
				BaseURL: cfg.Entitlements.APIURL,
				APIKey:  cfg.Entitlements.APIKey.Unmask(),
				Logger:  logger,
			},
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}

	var notifier billing.Notifier
	if cfg.AWS.ChangeQueueURL != "" {
		sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		notifier = queue.NewChangePublisher(sqsClient, cfg.AWS.ChangeQueueURL, logger)
	}

	recorder := newRecorder(awsCfg, cfg, logger)

	registry := billing.NewStaticTierRegistry()
	resolver := billing.NewResolver(priceMap, productMap, logger)
	applier := billing.NewApplier(
		stores,
		stores.Subscriptions(),
		registry,
		stripeClient,
		notifier,
		logger,
		billing.WithExclusionPageSize(cfg.Usage.ExclusionPageSize),
	)
	tierChangeService := billing.NewTierChangeService(applier, resolver, entitlements, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Authenticator = db.NewServiceTokenRepo(pool)
	srv.HealthProbes = []core.HealthProbe{db.NewHealthProbe(pool)}

	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		applier,
		resolver,
		recorder,
		cfg.Billing.StripeWebhookSecret.Unmask(),
		logger,
	)
	srv.PublicRegistrars = append(srv.PublicRegistrars, webhookHandler.RegisterRoutes)

	validator := core.NewValidator()
	tierChangeHandler := handlers.NewTierChangeHandler(tierChangeService, validator, recorder, logger)
	srv.V1Registrars = append(srv.V1Registrars, tierChangeHandler.RegisterRoutes)

	signupHandler := handlers.NewSignupHandler(applier, validator, cfg.Trial.Duration, logger)
	srv.V1Registrars = append(srv.V1Registrars, signupHandler.RegisterRoutes)

	teams := db.NewTeamRepo(pool)
	usageCalculator := billing.NewUsageCalculator(
		stores.Subscriptions(),
		stores.Receipts(),
		teams,
		logger,
		nil,
	)
	usageRecorder := billing.NewUsageRecorder(
		stores.Subscriptions(),
		stores.Usage(),
		teams,
		registry,
		logger,
		nil,
	)
	usageHandler := handlers.NewUsageHandler(usageCalculator, usageRecorder, validator, logger)
	srv.V1Registrars = append(srv.V1Registrars, usageHandler.RegisterRoutes)

	historyHandler := handlers.NewHistoryHandler(stores.Subscriptions(), logger)
	srv.V1Registrars = append(srv.V1Registrars, historyHandler.RegisterRoutes)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newRecorder builds the metrics recorder. Metrics are best effort; when
// disabled, the rest of the wiring sees a no-op implementation.
func newRecorder(awsCfg aws.Config, cfg *config.Config, logger *slog.Logger) metrics.Recorder {
	if !cfg.Observability.EnableMetrics {
		return metrics.NoopRecorder{}
	}
	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	return metrics.NewCloudWatchRecorder(client, cfg.Observability.MetricNamespace, logger)
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}
