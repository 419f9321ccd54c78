// Kestrel - Compliance evaluation and suspicious activity detection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/activity"
	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/baseline"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/compliance"
	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/seed"
	"github.com/opensource-finance/kestrel/internal/threatintel"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// baselineCacheTTL bounds how long a refreshed baseline stays cached
// before detection reads fall back to the repository.
const baselineCacheTTL = 15 * time.Minute

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	switch os.Getenv("KESTREL_LOG_LEVEL") {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := loadConfig()

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"async", cfg.Pipeline.Async,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Compliance Engine
	complianceEngine, err := compliance.NewEngine(repo, cfg.Pipeline.MaxConcurrentEvals)
	if err != nil {
		slog.Error("failed to initialize compliance engine", "error", err)
		os.Exit(1)
	}
	defer complianceEngine.Close()

	// Tenants served by the warm-up, rule loading and worker loops.
	tenantIDs := tenantList()

	// Initialize Threat Intel Store and warm the indicator index
	threats := threatintel.NewStore(repo)
	defer threats.Close()
	for _, tenantID := range tenantIDs {
		loaded, err := threats.Warm(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to warm threat indicators", "tenant_id", tenantID, "error", err)
			continue
		}
		if loaded > 0 {
			slog.Info("threat indicators warmed", "tenant_id", tenantID, "count", loaded)
		}
	}

	// Initialize Detection Engine
	activityWindow := time.Duration(cfg.Pipeline.ActivityWindowSecs) * time.Second
	detector := detect.NewEngine(repo, cacheImpl, threats, activityWindow)
	defer detector.Close()

	// Initialize Activity, Alert and Baseline services
	activitySvc := activity.NewService(repo, cacheImpl, busImpl, activityWindow)
	alertManager := alerts.NewManager(repo, busImpl, detector)
	baselines := baseline.NewUpdater(repo, cacheImpl, baselineCacheTTL, cfg.Pipeline.BaselineMinSamples)

	// Seed rules from a YAML pack when configured. A broken pack does
	// not block startup; rules can still be configured via the API.
	if cfg.Pipeline.RulePackPath != "" {
		if _, err := seed.ApplyFile(ctx, repo, complianceEngine, detector, cfg.Pipeline.RulePackPath); err != nil {
			slog.Warn("failed to apply rule pack", "path", cfg.Pipeline.RulePackPath, "error", err)
		}
	}

	// Load rules from database (no hardcoded defaults - configure via API)
	loadRulesFromDatabase(ctx, repo, complianceEngine, detector, tenantIDs)
	slog.Info("engines initialized",
		"compliance_rules", complianceEngine.RulesCount(),
		"detection_rules", detector.RulesCount(),
	)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Pipeline.Async {
		asyncWorker = worker.NewWorker(busImpl, detector, alertManager, baselines)

		workerCfg := worker.Config{
			TenantIDs:        tenantIDs,
			BaselineInterval: time.Duration(cfg.Pipeline.BaselineIntervalSecs) * time.Second,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:       repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Compliance: complianceEngine,
		Detector:   detector,
		Alerts:     alertManager,
		Activity:   activitySvc,
		Threats:    threats,
		Baselines:  baselines,
		Version:    Version,
		Async:      cfg.Pipeline.Async,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadConfig builds the configuration from tier defaults plus KESTREL_*
// environment overrides.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	cfg.Server.Port = getEnvInt("KESTREL_PORT", cfg.Server.Port)

	cfg.Repository.Driver = getEnv("KESTREL_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("KESTREL_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("KESTREL_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("KESTREL_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("KESTREL_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("KESTREL_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("KESTREL_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("KESTREL_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	// "two-phase" is redis with a local LRU layered in front.
	switch os.Getenv("KESTREL_CACHE") {
	case "memory":
		cfg.Cache.Type = "memory"
		cfg.Cache.EnableTwoPhase = false
	case "redis":
		cfg.Cache.Type = "redis"
		cfg.Cache.EnableTwoPhase = false
	case "two-phase":
		cfg.Cache.Type = "redis"
		cfg.Cache.EnableTwoPhase = true
	}
	cfg.Cache.RedisAddr = getEnv("KESTREL_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("KESTREL_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = getEnvInt("KESTREL_REDIS_DB", cfg.Cache.RedisDB)

	cfg.EventBus.Type = getEnv("KESTREL_BUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("KESTREL_NATS_URL", cfg.EventBus.NATSUrl)

	if v := os.Getenv("KESTREL_ASYNC"); v != "" {
		cfg.Pipeline.Async = v == "true"
	}
	cfg.Pipeline.RulePackPath = getEnv("KESTREL_RULE_PACK", cfg.Pipeline.RulePackPath)
	cfg.Pipeline.ActivityWindowSecs = getEnvInt("KESTREL_ACTIVITY_WINDOW_SECS", cfg.Pipeline.ActivityWindowSecs)
	cfg.Pipeline.BaselineIntervalSecs = getEnvInt("KESTREL_BASELINE_INTERVAL_SECS", cfg.Pipeline.BaselineIntervalSecs)
	cfg.Pipeline.BaselineMinSamples = getEnvInt("KESTREL_BASELINE_MIN_SAMPLES", cfg.Pipeline.BaselineMinSamples)
	cfg.Pipeline.MaxConcurrentEvals = getEnvInt("KESTREL_MAX_CONCURRENT_EVALS", cfg.Pipeline.MaxConcurrentEvals)

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer in environment", "key", key, "value", v)
		return fallback
	}
	return n
}

// tenantList parses KESTREL_WORKER_TENANTS. Startup loops only cover
// listed tenants; unlisted tenants load their rules lazily through the
// API reload endpoints.
func tenantList() []string {
	env := os.Getenv("KESTREL_WORKER_TENANTS")
	if env == "" {
		return nil
	}

	parts := strings.Split(env, ",")
	tenants := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tenants = append(tenants, p)
		}
	}
	return tenants
}

// loadRulesFromDatabase loads persisted rules into the engines for every
// configured tenant. All rules are configured via the API or a rule
// pack - an empty database just starts the engines empty.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, complianceEngine *compliance.Engine, detector *detect.Engine, tenantIDs []string) {
	if len(tenantIDs) == 0 {
		slog.Info("no tenants configured - rules load on first write or reload")
		return
	}

	for _, tenantID := range tenantIDs {
		rules, err := repo.ListComplianceRules(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to list compliance rules", "tenant_id", tenantID, "error", err)
		} else if len(rules) > 0 {
			if err := complianceEngine.ReloadTenantRules(tenantID, rules); err != nil {
				slog.Warn("failed to load compliance rules", "tenant_id", tenantID, "error", err)
			}
		}

		detectionRules, err := repo.ListDetectionRules(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to list detection rules", "tenant_id", tenantID, "error", err)
		} else if len(detectionRules) > 0 {
			if err := detector.ReloadTenantRules(tenantID, detectionRules); err != nil {
				slog.Warn("failed to load detection rules", "tenant_id", tenantID, "error", err)
			}
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═════════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                    ║")
	fmt.Println("  ║    Compliance & Activity Monitoring         ║")
	fmt.Println("  ║       Nothing moves unwatched.              ║")
	fmt.Println("  ╚═════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /compliance/evaluate       - Evaluate portfolio compliance")
	fmt.Println("    GET  /compliance/results        - List evaluation results")
	fmt.Println("    GET  /compliance/rules          - List compliance rules")
	fmt.Println("    POST /compliance/rules          - Create a compliance rule")
	fmt.Println("    POST /compliance/rules/reload   - Hot-reload compliance rules")
	fmt.Println("    GET  /detection/rules           - List detection rules")
	fmt.Println("    POST /detection/rules           - Create a detection rule")
	fmt.Println("    POST /detection/rules/reload    - Hot-reload detection rules")
	fmt.Println("    POST /activity                  - Ingest an activity event")
	fmt.Println("    GET  /alerts                    - Query alerts")
	fmt.Println("    PATCH /alerts/{id}/status       - Update alert status")
	fmt.Println("    POST /threat-intel              - Ingest a threat indicator")
	fmt.Println("    GET  /baselines/{userId}        - Get a user baseline")
	fmt.Println("    POST /portfolios                - Save a portfolio")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println("    GET  /metrics                   - Prometheus metrics")
	fmt.Println()
}
