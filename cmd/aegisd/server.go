package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Veridian-Labs/aegis/core/pkg/audit"
	"github.com/Veridian-Labs/aegis/core/pkg/config"
	"github.com/Veridian-Labs/aegis/core/pkg/consensus"
	"github.com/Veridian-Labs/aegis/core/pkg/guard"
	"github.com/Veridian-Labs/aegis/core/pkg/observability"
	"github.com/Veridian-Labs/aegis/core/pkg/policy"
	"github.com/Veridian-Labs/aegis/core/pkg/resiliency"
	"github.com/Veridian-Labs/aegis/core/pkg/retry"
)

func runServer() {
	ctx := context.Background()
	cfg := config.Load()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	log.Println("[aegis] guard daemon starting")

	profile := loadProfile(cfg, logger)

	// 1. Policy engine per mode. Anything unconfigured fail-closes.
	engine := buildEngine(cfg, logger)
	log.Printf("[aegis] policy engine: %s", engine.Backend())

	cache := buildCache(ctx, cfg, logger)

	client, err := policy.NewClient(engine, cache, policy.ClientConfig{
		ExpectedConstitutionalHash: cfg.ConstitutionalHash,
		CacheTTL:                   cfg.CacheTTL,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to init policy client: %v", err)
	}

	// 2. Retry engine and failed-item store.
	failedStore := buildFailedStore(cfg, logger)
	retrier := retry.NewEngine(retry.Config{
		MaxRetries:      profile.RetryPolicy.MaxRetries,
		BaseDelay:       time.Duration(profile.RetryPolicy.BaseDelayMs) * time.Millisecond,
		MaxDelay:        time.Duration(profile.RetryPolicy.MaxDelaySeconds) * time.Second,
		ExponentialBase: profile.RetryPolicy.ExponentialBase,
		JitterFactor:    profile.RetryPolicy.JitterFactor,
		RespectHint:     profile.RetryPolicy.RespectHint,
		PersistFailures: true,
	}, failedStore, logger)

	// 3. Audit trail.
	var archive audit.Archiver
	var archiveStore *audit.ArchiveStore
	if cfg.ArchiveDatabaseURL != "" {
		archiveStore, err = audit.OpenArchiveStore(cfg.ArchiveDatabaseURL)
		if err != nil {
			log.Fatalf("Failed to init audit archive: %v", err)
		}
		archive = archiveStore
		log.Println("[aegis] audit archive: postgres")
	}

	breaker := resiliency.NewCircuitBreaker("audit",
		profile.Resilience.BreakerThreshold,
		time.Duration(profile.Resilience.BreakerResetSeconds)*time.Second)

	trail, err := audit.NewTrailClient(audit.Config{
		BatchSize:          profile.Audit.BatchSize,
		FlushInterval:      time.Duration(profile.Audit.FlushIntervalSeconds) * time.Second,
		QueueCapacity:      profile.Audit.QueueCapacity,
		BatchesPerSecond:   profile.Audit.BatchesPerSecond,
		ConstitutionalHash: cfg.ConstitutionalHash,
	}, buildAuditBackend(cfg), breaker, retrier, archive, logger)
	if err != nil {
		log.Fatalf("Failed to init audit trail: %v", err)
	}
	if _, err := trail.RecordNow(ctx, audit.EntryTypeSystem, "aegisd", "startup", map[string]string{
		"profile": profile.Code,
	}); err != nil {
		logger.Warn("startup audit entry not delivered", "error", err)
	}

	// 4. Observability.
	obsCfg := observability.DefaultConfig()
	obsCfg.Environment = profile.Code
	obsCfg.Enabled = os.Getenv("OTLP_ENDPOINT") != ""
	if obsCfg.Enabled {
		obsCfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")
		obsCfg.Insecure = os.Getenv("OTLP_INSECURE") == "true"
	}
	provider, err := observability.New(ctx, obsCfg, func() int64 {
		return int64(trail.Snapshot().QueueDepth)
	})
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}

	slo := observability.NewSLOTracker()
	for _, target := range observability.DefaultGuardTargets() {
		slo.SetTarget(target)
	}

	// 5. Guard orchestrator.
	orch, err := guard.NewOrchestrator(guard.Config{
		ExpectedConstitutionalHash: cfg.ConstitutionalHash,
		DefaultSigners:             profile.Escalation.DefaultSigners,
		SignatureThreshold:         profile.Escalation.SignatureThreshold,
		SignatureTTL:               profile.Escalation.SignatureTTL(),
		ReviewTimeout:              profile.Escalation.ReviewTimeout(),
	}, client, consensus.NewSignatureCollector(), consensus.NewReviewCollector(), trail, logger)
	if err != nil {
		log.Fatalf("Failed to init orchestrator: %v", err)
	}

	// Background sweep for overdue signature rounds.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				for _, outcome := range orch.ExpireOverdue(sweepCtx) {
					logger.Warn("signature round expired", "guard_id", outcome.GuardID)
				}
			}
		}
	}()

	srv := &server{
		client:    client,
		orch:      orch,
		trail:     trail,
		failed:    failedStore,
		archive:   archiveStore,
		provider:  provider,
		slo:       slo,
		sinkCfg:   buildSinkConfig(cfg),
		constHash: cfg.ConstitutionalHash,
		logger:    logger,
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[aegis] ready: http://localhost:%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[aegis] shutting down")

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if _, err := trail.RecordNow(shutdownCtx, audit.EntryTypeSystem, "aegisd", "shutdown", nil); err != nil {
		logger.Warn("shutdown audit entry not delivered", "error", err)
	}
	// Pending audit entries are flushed before the trail declares itself
	// stopped; nothing already queued is lost on a clean shutdown.
	trail.Stop(shutdownCtx)
	_ = provider.Shutdown(shutdownCtx)
	if archiveStore != nil {
		_ = archiveStore.Close()
	}
	log.Println("[aegis] stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func loadProfile(cfg *config.Config, logger *slog.Logger) *config.DeploymentProfile {
	if cfg.Profile == "" || cfg.ProfilesDir == "" {
		return config.DefaultProfile()
	}
	profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.Profile)
	if err != nil {
		log.Fatalf("Failed to load deployment profile: %v", err)
	}
	logger.Info("deployment profile loaded", "profile", profile.Code)
	return profile
}

func buildEngine(cfg *config.Config, logger *slog.Logger) policy.DecisionPoint {
	switch cfg.PolicyMode {
	case "remote":
		if cfg.PolicyEngineURL == "" {
			log.Println("[aegis] POLICY_ENGINE_URL not set, falling back to fail-closed mode")
			return policy.NewFallbackEngine()
		}
		return policy.NewRemoteEngine(policy.RemoteConfig{URL: cfg.PolicyEngineURL})
	case "cel":
		if cfg.PolicyBundlePath == "" {
			log.Println("[aegis] POLICY_BUNDLE_PATH not set, falling back to fail-closed mode")
			return policy.NewFallbackEngine()
		}
		bundle, err := policy.LoadBundle(cfg.PolicyBundlePath)
		if err != nil {
			log.Fatalf("Failed to load policy bundle: %v", err)
		}
		engine, err := bundle.Engine()
		if err != nil {
			log.Fatalf("Failed to compile policy bundle: %v", err)
		}
		logger.Info("policy bundle loaded", "name", bundle.Name, "version", bundle.Version)
		return engine
	default:
		return policy.NewFallbackEngine()
	}
}

func buildCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) policy.Cache {
	if cfg.RedisURL == "" {
		return policy.NewMemoryCache()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		// Cache is an optimization; a dead redis degrades to memory.
		logger.Warn("redis unreachable, using in-memory cache", "error", err)
		return policy.NewMemoryCache()
	}
	log.Println("[aegis] decision cache: redis")
	return policy.NewRedisCache(client, "aegis:policy:")
}

func buildFailedStore(cfg *config.Config, logger *slog.Logger) retry.FailedStore {
	store, err := retry.OpenSQLiteFailedStore(cfg.FailedItemDBPath)
	if err != nil {
		logger.Warn("sqlite failed-item store unavailable, using memory", "error", err)
		return retry.NewMemoryFailedStore()
	}
	log.Printf("[aegis] failed-item store: sqlite (%s)", cfg.FailedItemDBPath)
	return store
}

func buildAuditBackend(cfg *config.Config) audit.Backend {
	if cfg.AuditBackendURL == "" {
		log.Println("[aegis] AUDIT_BACKEND_URL not set, submissions will fail and queue as failed items")
	}
	return audit.NewHTTPBackend(audit.HTTPBackendConfig{URL: cfg.AuditBackendURL})
}

func buildSinkConfig(cfg *config.Config) *audit.S3SinkConfig {
	if cfg.EvidenceBucket == "" {
		return nil
	}
	return &audit.S3SinkConfig{
		Bucket:   cfg.EvidenceBucket,
		Region:   cfg.AWSRegion,
		Endpoint: cfg.S3Endpoint,
		Prefix:   "aegis",
	}
}
