package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/settld-labs/settld/pkg/artifacts"
	"github.com/settld-labs/settld/pkg/auth"
	"github.com/settld-labs/settld/pkg/config"
	"github.com/settld-labs/settld/pkg/delivery"
	"github.com/settld-labs/settld/pkg/domain"
	"github.com/settld-labs/settld/pkg/governance"
	"github.com/settld-labs/settld/pkg/httpapi"
	"github.com/settld-labs/settld/pkg/metrics"
	"github.com/settld-labs/settld/pkg/objectstore"
	"github.com/settld-labs/settld/pkg/observability"
	"github.com/settld-labs/settld/pkg/quota"
	"github.com/settld-labs/settld/pkg/ratelimit"
	"github.com/settld-labs/settld/pkg/store"
	"github.com/settld-labs/settld/pkg/workers"

	_ "github.com/lib/pq" // postgres driver
)

// runServer wires the full deployment: store, blob storage, signing
// material, tenant profiles, the HTTP API, and every background worker.
// It blocks until SIGINT/SIGTERM and drains before returning.
func runServer(stdout, stderr io.Writer) int {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	fmt.Fprintf(stdout, "%sSettld %s starting...%s\n", ColorBold+ColorBlue, cfg.Build, ColorReset)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, db, lite, err := openStore(ctx, cfg, logger, stdout)
	if err != nil {
		logger.Error("store init failed", "error", err)
		return 1
	}
	defer st.Close()

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		return 1
	}
	logger.Info("object store ready", "backend", cfg.ObjectStore)

	keyring, err := openKeyring(cfg, stdout)
	if err != nil {
		logger.Error("keyring init failed", "error", err)
		return 1
	}
	fmt.Fprintf(stdout, "%sserver signer:%s %s\n", ColorBold+ColorGreen, ColorReset, keyring.Master().KeyID())
	if err := registerServerSigner(ctx, st, keyring); err != nil {
		logger.Error("signer registration failed", "error", err)
		return 1
	}

	ks, err := loadOrGenerateTokenKey(cfg.Environment, stdout)
	if err != nil {
		logger.Error("token key init failed", "error", err)
		return 1
	}

	profiles, err := config.LoadAllTenants(cfg.TenantsDir)
	if err != nil {
		logger.Error("tenant profiles failed", "dir", cfg.TenantsDir, "error", err)
		return 1
	}
	dests := config.DestinationMap(profiles)
	logger.Info("tenant profiles loaded", "tenants", len(profiles))

	m := metrics.New()
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "settld",
		ServiceVersion: cfg.Build,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.OTLPSampleRate,
		Enabled:        cfg.OTLPEnabled,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}

	meter, err := openMeter(ctx, db, lite)
	if err != nil {
		logger.Error("quota meter init failed", "error", err)
		return 1
	}
	quotas := quota.NewEnforcer(meter, cfg.LimitsFunc(profiles), time.Now)
	limiter := openLimiter(cfg, logger)

	checker := &delivery.URLChecker{AllowPrivate: cfg.AllowPrivateDestinations}
	registry := artifacts.NewRegistry(blobs, keyring.Master())

	retention := workers.NewRetentionCleanup(st, m, logger, time.Now, workers.RetentionTTLs{
		IngestRecords:    cfg.IngestRetention,
		Deliveries:       cfg.DeliveryRetention,
		DeliveryReceipts: cfg.DeliveryRetention,
	})

	runner := workers.NewRunner(logger, m)
	runner.Add(workers.NewDispatcher(st, logger, time.Now, coverageTiers()), time.Second, 32)
	runner.Add(workers.NewLiveness(st, logger, time.Now, nil), 5*time.Second, 64)
	runner.Add(workers.NewOperatorQueue(st, logger, time.Now, 0), 2*time.Second, 32)
	runner.Add(workers.NewProof(st, logger, time.Now, 0), time.Second, 32)
	runner.Add(workers.NewAccounting(st, logger, time.Now, 0), time.Second, 32)
	runner.Add(workers.NewRobotHealth(st, logger, time.Now), 10*time.Second, 64)
	runner.Add(workers.NewArtifactBuilder(st, registry, dests, logger, time.Now), time.Second, 16)
	runner.Add(workers.NewMonthCloser(st, registry, blobs, dests, nil, m, logger, time.Now), 5*time.Second, 4)
	runner.Add(workers.NewEvidenceRetention(st, blobs, logger, time.Now), time.Minute, 64)
	runner.Add(retention, 5*time.Minute, 500)

	backoff := delivery.DefaultBackoff()
	if cfg.DeliveryMaxAttempts > 0 {
		backoff.MaxAttempts = cfg.DeliveryMaxAttempts
	}
	var s3 workers.ObjectPutter
	if s3s, ok := blobs.(*objectstore.S3Store); ok {
		s3 = s3s
	}
	runner.Add(workers.NewDeliveryWorker(st, blobs, dests, s3,
		workers.DeliveryConfig{Checker: checker, Backoff: backoff}, m, logger, time.Now), time.Second, 32)

	if cfg.OpsWebhookURL != "" {
		hook := workers.OpsWebhook{URL: cfg.OpsWebhookURL, Secret: cfg.OpsWebhookSecret, Checker: checker}
		runner.Add(workers.NewOpsNotifier(st, hook, logger, time.Now), 2*time.Second, 16)
	}

	api, err := httpapi.New(httpapi.Options{
		Store:   st,
		Blobs:   blobs,
		Keyring: keyring,
		Tokens:  auth.NewValidator(ks),

		IngestToken: auth.NewIngestToken(cfg.IngestToken),

		Limiter:   limiter,
		PolicyFor: cfg.PolicyFunc(profiles),
		Quotas:    quotas,

		Metrics:       m,
		Observability: obs,

		Retention:    retention,
		Destinations: dests,

		Build:         cfg.Build,
		DefaultTenant: domain.DefaultTenantID,
		PresignSecret: cfg.PresignSecret,
		PresignMaxTTL: cfg.PresignMaxTTLSeconds,

		Log: logger,
	})
	if err != nil {
		logger.Error("api init failed", "error", err)
		return 1
	}

	runner.Start(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.Middleware(api.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info("settld listening", "port", cfg.Port, "build", cfg.Build, "lite", lite)
	fmt.Fprintf(stdout, "%sready:%s http://localhost:%s\n", ColorBold+ColorGreen, ColorReset, cfg.Port)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
		runner.Stop()
		return 1
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	runner.Stop()
	if err := obs.Shutdown(drainCtx); err != nil {
		logger.Warn("observability shutdown", "error", err)
	}
	logger.Info("settld stopped")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStore selects postgres or the embedded sqlite fallback. Lite mode is
// explicit via LITE_MODE or implied by an unset DATABASE_URL.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) (store.Store, *sql.DB, bool, error) {
	if cfg.LiteMode || os.Getenv("DATABASE_URL") == "" {
		fmt.Fprintf(stdout, "DATABASE_URL not set, falling back to %slite mode%s (sqlite)\n", ColorBold+ColorCyan, ColorReset)
		st, db, err := openLiteStore(ctx, cfg, logger)
		return st, db, true, err
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, false, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, false, fmt.Errorf("ping postgres: %w", err)
	}
	st := store.NewPostgres(db)
	if err := st.Init(ctx); err != nil {
		db.Close()
		return nil, nil, false, fmt.Errorf("init postgres store: %w", err)
	}
	logger.Info("postgres connected")
	return st, db, false, nil
}

// openBlobs selects the evidence/artifact blob backend from OBJECT_STORE.
func openBlobs(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	switch cfg.ObjectStore {
	case "", "memory":
		return objectstore.NewMemoryStore(), nil
	case "fs":
		return objectstore.NewFileStore(filepath.Join(dataDir(), "objects"))
	case "s3":
		if cfg.ObjectStoreBucket == "" {
			return nil, fmt.Errorf("OBJECT_STORE_BUCKET required for s3")
		}
		region := os.Getenv("OBJECT_STORE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return objectstore.NewS3Store(ctx, objectstore.S3Config{
			Bucket:   cfg.ObjectStoreBucket,
			Region:   region,
			Endpoint: os.Getenv("OBJECT_STORE_S3_ENDPOINT"),
			Prefix:   cfg.ObjectStorePrefix,
		})
	case "gcs":
		return objectstore.NewGCS(ctx)
	default:
		return nil, fmt.Errorf("unknown OBJECT_STORE %q", cfg.ObjectStore)
	}
}

// registerServerSigner puts the master key on the governance signer
// stream the first time the server boots against this store. Later boots
// find the stream populated and leave the rotation history alone.
func registerServerSigner(ctx context.Context, st store.Store, keyring *governance.Keyring) error {
	prior, err := st.Events(ctx, domain.DefaultTenantID, domain.GovernanceSignerStream)
	if err != nil {
		return err
	}
	if len(prior) > 0 {
		return nil
	}
	master := keyring.Master()
	reg, err := governance.BuildKeyRegistration(master, master, "server", nil, time.Now())
	if err != nil {
		return err
	}
	op, err := store.AppendGovernanceEvents(reg)
	if err != nil {
		return err
	}
	return st.CommitTx(ctx, domain.DefaultTenantID, []store.Op{op})
}

// openKeyring loads the master signing seed from env or the persisted
// seed file, generating one outside production.
func openKeyring(cfg *config.Config, stdout io.Writer) (*governance.Keyring, error) {
	seed := cfg.ServerSignerSeed
	if seed == "" {
		var err error
		seed, err = loadOrGenerateSeed(filepath.Join(dataDir(), "signer.seed"), cfg.Environment, stdout)
		if err != nil {
			return nil, err
		}
	}
	return governance.NewKeyring(seed)
}

func openMeter(ctx context.Context, db *sql.DB, lite bool) (quota.Meter, error) {
	if lite {
		return quota.NewMemoryMeter(time.Now), nil
	}
	pm := quota.NewPostgresMeter(db)
	if err := pm.Init(ctx); err != nil {
		return nil, fmt.Errorf("init quota meter: %w", err)
	}
	return pm, nil
}

// openLimiter uses redis when configured so rate limits hold across
// replicas; otherwise buckets live in process memory.
func openLimiter(cfg *config.Config, logger *slog.Logger) ratelimit.Store {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryStore(time.Now)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.Info("rate limiter on redis", "addr", cfg.RedisAddr)
	return ratelimit.NewRedisStore(client, time.Now)
}

// coverageTiers lists job tiers that require an operator shift before
// dispatch. Defaults to assisted work only.
func coverageTiers() []string {
	raw := os.Getenv("COVERAGE_TIERS")
	if raw == "" {
		return []string{"assisted"}
	}
	var tiers []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tiers = append(tiers, t)
		}
	}
	return tiers
}
