// cmd/grantd/main.go
// Package main implements the entry point for the grant service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopforge/shopforge-grant-go/internal/catalog"
	"github.com/shopforge/shopforge-grant-go/internal/config"
	"github.com/shopforge/shopforge-grant-go/internal/event"
	"github.com/shopforge/shopforge-grant-go/internal/filegate"
	"github.com/shopforge/shopforge-grant-go/internal/grant"
	"github.com/shopforge/shopforge-grant-go/internal/ledger"
	"github.com/shopforge/shopforge-grant-go/internal/media"
	"github.com/shopforge/shopforge-grant-go/internal/metrics"
	"github.com/shopforge/shopforge-grant-go/internal/purchase"
	"github.com/shopforge/shopforge-grant-go/internal/server"
	"github.com/shopforge/shopforge-grant-go/internal/sweeper"
	"github.com/shopforge/shopforge-grant-go/internal/telemetry"
)

// main is the entry point for the grant service.
// It initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	_, err = telemetry.InitTracer("grant-service")
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		// Shutdown the tracer provider
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize the grant ledger (PostgreSQL or in-memory)
	var store ledger.Store
	if cfg.DatabaseDSN != "" {
		// Use PostgreSQL for production
		store, err = ledger.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres ledger", "error", err)
			os.Exit(1)
		}
	} else {
		// Use in-memory ledger for development/testing
		store = ledger.NewMemory()
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisherFromEnv()
	defer pub.Close() // Ensure publisher is closed on exit

	// Collaborator clients
	purchases := purchase.New(cfg.OrdersURL)
	products := catalog.New(cfg.CatalogURL)

	// Signed file gate; always constructed since the file endpoint is
	// always routed
	gate := filegate.New(cfg.GateSecret, cfg.UploadRoot, cfg.GateTTL)

	// Delivery backend: presigned S3 URLs when configured, the local file
	// gate otherwise
	var delivery grant.Delivery
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" {
		s3Client, s3Err := media.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey, cfg.GateTTL)
		if s3Err != nil {
			logger.Error("failed to initialize S3 client", "error", s3Err)
			os.Exit(1)
		}
		delivery = s3Client
		logger.Info("using S3 delivery", "bucket", cfg.S3Bucket)
	} else {
		delivery = filegate.NewDelivery(gate, cfg.PublicURL)
		logger.Info("using local file delivery", "uploadRoot", cfg.UploadRoot)
	}

	m := metrics.NewMetrics()

	policy := grant.Policy{
		DownloadMaxUses: cfg.DownloadMaxUses,
		DownloadTTL:     cfg.DownloadTTL,
		DownloadTTLMin:  cfg.DownloadTTLMin,
		DownloadTTLMax:  cfg.DownloadTTLMax,
		LicenseTTL:      cfg.LicenseTTL,
	}
	svc := grant.NewService(store, purchases, products, pub, m, policy, delivery)

	// Start the periodic expiry sweeper
	sw := sweeper.New(store, m, cfg.SweepInterval, cfg.Retention)
	sw.Start()
	defer sw.Stop()

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(svc, store, gate, nil, cfg.JWTIssuer, cfg.JWTAudience, cfg.CORSAllowedOrigins, cfg.Retention)

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,             // Server address
		Handler:      mux,              // Request handler
		ReadTimeout:  5 * time.Second,  // Read timeout
		WriteTimeout: 30 * time.Second, // Write timeout; file responses can be slow
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	// Stop the sweeper before closing the ledger
	sw.Stop()

	// Close PostgreSQL ledger if used
	if postgresStore, ok := store.(interface{ Close() }); ok {
		postgresStore.Close()
	}

	// Note: pub.Close() is deferred above
	logger.Info("server exited")
}
