// Package config loads server configuration from the environment plus
// per-tenant YAML profiles. Env vars carry deployment wiring; tenant
// profiles carry delivery destinations and allowances.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	Environment string
	Build       string

	// Storage. LiteMode runs everything on a local SQLite file.
	DatabaseURL string
	RedisAddr   string
	LiteMode    bool
	LiteDBPath  string

	// Blob storage for evidence and artifacts: memory | s3 | gcs.
	ObjectStore       string
	ObjectStoreBucket string
	ObjectStorePrefix string

	// Secrets.
	IngestToken      string
	ServerSignerSeed string
	PresignSecret    string

	// Ops alerting webhook.
	OpsWebhookURL    string
	OpsWebhookSecret string

	// Tenant profile directory (tenant_<id>.yaml files).
	TenantsDir string

	// API limits.
	RateLimitRPM   int
	RateLimitBurst int

	// Global quota defaults; per-tenant profiles override. Zero means
	// unlimited.
	QuotaIngestEventsPerDay  int64
	QuotaEvidenceBytesPerDay int64

	// Delivery tuning.
	DeliveryMaxAttempts      int
	PresignMaxTTLSeconds     int
	AllowPrivateDestinations bool

	// Retention TTLs.
	IngestRetention   time.Duration
	DeliveryRetention time.Duration

	// Telemetry.
	OTLPEnabled    bool
	OTLPEndpoint   string
	OTLPSampleRate float64
	OTLPInsecure   bool
}

// Load reads configuration from environment variables, applying defaults
// suitable for local development.
func Load() *Config {
	return &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		Environment: getenv("ENVIRONMENT", "development"),
		Build:       getenv("BUILD", "dev"),

		DatabaseURL: getenv("DATABASE_URL", "postgres://settld@localhost:5432/settld?sslmode=disable"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		LiteMode:    getenvBool("LITE_MODE", false),
		LiteDBPath:  getenv("LITE_DB_PATH", "settld.db"),

		ObjectStore:       getenv("OBJECT_STORE", "memory"),
		ObjectStoreBucket: os.Getenv("OBJECT_STORE_BUCKET"),
		ObjectStorePrefix: os.Getenv("OBJECT_STORE_PREFIX"),

		IngestToken:      os.Getenv("INGEST_TOKEN"),
		ServerSignerSeed: os.Getenv("SERVER_SIGNER_SEED"),
		PresignSecret:    os.Getenv("PRESIGN_SECRET"),

		OpsWebhookURL:    os.Getenv("OPS_WEBHOOK_URL"),
		OpsWebhookSecret: os.Getenv("OPS_WEBHOOK_SECRET"),

		TenantsDir: getenv("TENANTS_DIR", "tenants"),

		RateLimitRPM:   getenvInt("RATE_LIMIT_RPM", 600),
		RateLimitBurst: getenvInt("RATE_LIMIT_BURST", 60),

		QuotaIngestEventsPerDay:  getenvInt64("QUOTA_INGEST_EVENTS_PER_DAY", 0),
		QuotaEvidenceBytesPerDay: getenvInt64("QUOTA_EVIDENCE_BYTES_PER_DAY", 0),

		DeliveryMaxAttempts:      getenvInt("DELIVERY_MAX_ATTEMPTS", 0),
		PresignMaxTTLSeconds:     getenvInt("PROXY_EVIDENCE_PRESIGN_MAX_SECONDS", 300),
		AllowPrivateDestinations: getenvBool("ALLOW_PRIVATE_DESTINATIONS", false),

		IngestRetention:   getenvDuration("INGEST_RETENTION", 0),
		DeliveryRetention: getenvDuration("DELIVERY_RETENTION", 0),

		OTLPEnabled:    getenvBool("OTEL_ENABLED", false),
		OTLPEndpoint:   getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPSampleRate: getenvFloat("OTEL_SAMPLE_RATE", 1.0),
		OTLPInsecure:   getenvBool("OTEL_INSECURE", false),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
