package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/billing"
	"github.com/vizual/metering-plane/internal/config"
	"github.com/vizual/metering-plane/internal/credits"
	"github.com/vizual/metering-plane/internal/gateway"
	"github.com/vizual/metering-plane/internal/ledger"
	"github.com/vizual/metering-plane/internal/notifications"
	"github.com/vizual/metering-plane/internal/provider"
	"github.com/vizual/metering-plane/pkg/cache"
	"github.com/vizual/metering-plane/pkg/database"
	"github.com/vizual/metering-plane/pkg/events"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting Vizual metering plane")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Stripe API key for line-item and customer lookups
	stripe.Key = cfg.Billing.StripeSecretKey

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)

	// Initialize billing alerts
	alertsCfg, err := notifications.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load alerts configuration", zap.Error(err))
	}
	alerts := notifications.NewService(alertsCfg, redisCache, logger, eventBus)
	if err := alerts.Start(context.Background()); err != nil {
		logger.Fatal("failed to start alerts service", zap.Error(err))
	}

	// Initialize ledger store
	store := ledger.NewPostgres(db, logger)

	// Initialize credit gate and usage recorder
	gate := credits.NewGate(store, nil, logger)
	recorder := credits.NewRecorder(store, eventBus, logger)
	logger.Info("initialized credit gate")

	// Initialize subscription reconciler
	resolver := billing.NewResolver(cfg.Billing)
	webhookHandler := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, store, redisCache, resolver, eventBus, logger)
	logger.Info("initialized webhook handler")

	// Initialize generation provider client
	providerClient := provider.NewClient(cfg.Provider, logger)
	defer providerClient.Close()
	logger.Info("initialized provider client",
		zap.String("base_url", cfg.Provider.BaseURL),
	)

	// Initialize API gateway
	gw := gateway.NewGateway(store, redisCache, gate, recorder, providerClient, webhookHandler, logger)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	if err := alerts.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop alerts service", zap.Error(err))
	}

	logger.Info("server exited")
}
