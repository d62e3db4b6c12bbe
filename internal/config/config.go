// Package config provides configuration loading and management for the grant service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the grant service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	PublicURL   string // Public base URL of this service, used in minted download URLs
	DatabaseDSN string // Ledger database connection string (PostgreSQL)
	NATSURL     string // NATS server URL for grant lifecycle events

	// Collaborator services
	OrdersURL  string // Orders service base URL (purchase lookup)
	CatalogURL string // Catalog service base URL (resource lookup)

	// Bearer-token auth
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation

	// Secure file gate
	GateSecret string        // Signing key for file-gate capabilities
	GateTTL    time.Duration // Lifetime of a minted delivery credential
	UploadRoot string        // Root directory for locally served files

	// S3 delivery (optional; presigned URLs replace the local gate when set)
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// Grant policy
	DownloadTTL     time.Duration // Default download-grant validity
	DownloadTTLMin  time.Duration // Lower bound for caller-supplied TTL
	DownloadTTLMax  time.Duration // Upper bound for caller-supplied TTL
	DownloadMaxUses int           // Default download redemption ceiling
	LicenseTTL      time.Duration // License-grant validity

	// Sweeper
	SweepInterval time.Duration // How often the sweeper runs
	Retention     time.Duration // Forensic window for retired grants

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort     = "8084"
	defaultS3Region = "us-east-1"
	defaultEnv      = "dev"

	defaultDownloadTTLHours = 72
	defaultDownloadTTLMin   = time.Hour
	defaultDownloadTTLMax   = 168 * time.Hour
	defaultDownloadMaxUses  = 5
	defaultLicenseTTLDays   = 365
	defaultGateTTLSeconds   = 3600
	defaultSweepHours       = 24
	defaultRetentionDays    = 30
	defaultUploadRoot       = "./uploads"
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. Returns an error if required parameters are missing.
func Load() (Config, error) {
	cfg := Config{
		Env:             getEnv("GRANT_ENV", defaultEnv),
		Port:            getEnv("GRANT_PORT", defaultPort),
		PublicURL:       getEnv("GRANT_PUBLIC_URL", "http://localhost:"+getEnv("GRANT_PORT", defaultPort)),
		DatabaseDSN:     os.Getenv("GRANT_DB_DSN"),
		NATSURL:         os.Getenv("GRANT_NATS_URL"),
		OrdersURL:       getEnv("GRANT_ORDERS_URL", "http://localhost:8082"),
		CatalogURL:      getEnv("GRANT_CATALOG_URL", "http://localhost:8083"),
		JWTIssuer:       os.Getenv("GRANT_JWT_ISSUER"),
		JWTAudience:     os.Getenv("GRANT_JWT_AUDIENCE"),
		GateSecret:      os.Getenv("GRANT_GATE_SECRET"),
		UploadRoot:      getEnv("GRANT_UPLOAD_ROOT", defaultUploadRoot),
		S3Endpoint:      os.Getenv("GRANT_S3_ENDPOINT"),
		S3Region:        getEnv("GRANT_S3_REGION", defaultS3Region),
		S3Bucket:        os.Getenv("GRANT_S3_BUCKET"),
		S3AccessKey:     os.Getenv("GRANT_S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("GRANT_S3_SECRET_KEY"),
		DownloadTTL:     time.Duration(getEnvInt("GRANT_DOWNLOAD_TTL_HOURS", defaultDownloadTTLHours)) * time.Hour,
		DownloadTTLMin:  defaultDownloadTTLMin,
		DownloadTTLMax:  defaultDownloadTTLMax,
		DownloadMaxUses: getEnvInt("GRANT_DOWNLOAD_MAX_USES", defaultDownloadMaxUses),
		LicenseTTL:      time.Duration(getEnvInt("GRANT_LICENSE_TTL_DAYS", defaultLicenseTTLDays)) * 24 * time.Hour,
		GateTTL:         time.Duration(getEnvInt("GRANT_GATE_TTL_SECONDS", defaultGateTTLSeconds)) * time.Second,
		SweepInterval:   time.Duration(getEnvInt("GRANT_SWEEP_INTERVAL_HOURS", defaultSweepHours)) * time.Hour,
		Retention:       time.Duration(getEnvInt("GRANT_RETENTION_DAYS", defaultRetentionDays)) * 24 * time.Hour,
	}

	// Handle CORS configuration
	if corsOrigins, exists := os.LookupEnv("GRANT_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = strings.Split(corsOrigins, ",")
		for i, origin := range cfg.CORSAllowedOrigins {
			cfg.CORSAllowedOrigins[i] = strings.TrimSpace(origin)
		}
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("GRANT_JWT_ISSUER is required")
	}

	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("GRANT_JWT_AUDIENCE is required")
	}

	if cfg.GateSecret == "" {
		return cfg, fmt.Errorf("GRANT_GATE_SECRET is required")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable, returning a fallback
// if not set or unparseable
func getEnvInt(key string, fallback int) int {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
