package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aiserve/gpuorchestrator/internal/admission"
	"github.com/aiserve/gpuorchestrator/internal/api"
	"github.com/aiserve/gpuorchestrator/internal/config"
	"github.com/aiserve/gpuorchestrator/internal/database"
	"github.com/aiserve/gpuorchestrator/internal/logging"
	"github.com/aiserve/gpuorchestrator/internal/metrics"
	"github.com/aiserve/gpuorchestrator/internal/middleware"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/monitor"
	"github.com/aiserve/gpuorchestrator/internal/placement"
	"github.com/aiserve/gpuorchestrator/internal/providers"
	"github.com/aiserve/gpuorchestrator/internal/router"
	"github.com/aiserve/gpuorchestrator/internal/runner"
	"github.com/aiserve/gpuorchestrator/internal/scheduler"
	"github.com/aiserve/gpuorchestrator/internal/secrets"
	"github.com/aiserve/gpuorchestrator/internal/store"
	"github.com/aiserve/gpuorchestrator/pkg/runpod"
	"github.com/aiserve/gpuorchestrator/pkg/vastai"
)

const healthCheckInterval = 60 * time.Second

var (
	developerMode bool
	debugMode     bool
)

func main() {
	flag.BoolVar(&developerMode, "dv", false, "Enable developer mode (in-memory store, fake provider)")
	flag.BoolVar(&developerMode, "developer-mode", false, "Enable developer mode (in-memory store, fake provider)")
	flag.BoolVar(&debugMode, "dm", false, "Enable debug logging")
	flag.BoolVar(&debugMode, "debug-mode", false, "Enable debug logging")
	flag.Parse()

	level := logging.INFO
	if debugMode {
		level = logging.DEBUG
	}
	logging.InitStructuredLogger("gpuorchestrator", level)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	var redis *database.RedisClient
	if !developerMode {
		redis, err = database.NewRedisClient(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redis.Close()
	}

	var box *secrets.Box
	if cfg.Auth.CredentialsKey != "" {
		box, err = secrets.NewBox(cfg.Auth.CredentialsKey)
		if err != nil {
			log.Fatalf("Invalid CREDENTIALS_KEY: %v", err)
		}
	}

	registryOpts := []providers.RegistryOption{
		providers.WithHealthRecorder(st),
		providers.WithPriceTTL(cfg.Providers.PriceCacheTTL),
	}
	if redis != nil {
		registryOpts = append(registryOpts, providers.WithRedis(redis))
	}
	registry := providers.NewRegistry(registryOpts...)

	if err := registerAdapters(ctx, registry, st, cfg); err != nil {
		log.Fatalf("Failed to register providers: %v", err)
	}

	strategy := placement.StrategyFromString(cfg.Scheduler.PlacementStrategy)
	planner := placement.NewPlanner(registry, st, strategy)
	mon := monitor.New(st, registry, cfg.Scheduler.PollInterval)
	run := runner.New(st, registry, planner, mon, runner.NewHTTPWorkload(), runner.Config{
		ReadinessTimeout: cfg.Scheduler.ReadinessTimeout,
	})

	sched := scheduler.New(st, run, cfg.Scheduler)
	janitor := scheduler.NewJanitor(st, registry, cfg.Scheduler)
	adm := admission.New(st, registry, cfg, sched.Wake)

	go sched.Run(ctx)
	go janitor.Run(ctx)
	go probeHealth(ctx, registry)
	metrics.GetMetrics().StartCollection(ctx)

	authMW := middleware.NewAuthMiddleware(cfg.Auth.JWTSecret)
	var rateLimiter *middleware.RateLimiter
	if redis != nil {
		rateLimiter = middleware.NewRateLimiter(redis)
	}

	mux := router.New(router.Deps{
		Jobs:              api.NewJobHandler(st, adm, run),
		Queue:             api.NewQueueHandler(st, cfg.Scheduler),
		Providers:         api.NewProviderHandler(st, registry),
		Templates:         api.NewTemplateHandler(st),
		Instances:         api.NewInstanceHandler(st, registry),
		Admin:             api.NewAdminHandler(st, registry, box),
		WS:                api.NewWebSocketHandler(st, 2*time.Second),
		Auth:              authMW,
		RateLimiter:       rateLimiter,
		RequestsPerMinute: 100,
	})

	// IPv6 hosts need brackets
	host := cfg.Server.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logging.Info("http server starting", map[string]interface{}{
			"addr":           addr,
			"developer_mode": developerMode,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info("shutting down", nil)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("HTTP server forced to shutdown: %v", err)
	}
	logging.Info("server exited", nil)
}

// openStore wires the persistence backend. Developer mode runs entirely in
// memory; otherwise the configured SQL engine is migrated and used.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if developerMode {
		return store.NewMemoryStore(), func() {}, nil
	}

	var (
		db  *sql.DB
		err error
	)
	if cfg.Database.Type == "sqlite" {
		db, err = database.NewSQLiteDB(cfg.Database.DBName)
	} else {
		db, err = database.NewPostgresDB(cfg.Database)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store.NewSQLStore(db), func() { db.Close() }, nil
}

// registerAdapters builds the provider fleet from configured API keys. Each
// adapter picks up its persisted config when one exists.
func registerAdapters(ctx context.Context, registry *providers.Registry, st store.Store, cfg *config.Config) error {
	if developerMode {
		registry.Register(providers.NewFakeAdapter("fake", 1, []providers.GPUOffering{
			{GPUType: "A100", MemoryGB: 80, HourlyPriceUSD: 2.49, AvailableCount: 8, Regions: []string{"dev"}},
			{GPUType: "RTX4090", MemoryGB: 24, HourlyPriceUSD: 0.69, AvailableCount: 16, Regions: []string{"dev"}},
		}), nil)
		return nil
	}

	registered := 0
	if cfg.Providers.RunPodAPIKey != "" {
		client := runpod.NewClient(cfg.Providers.RunPodAPIKey, cfg.Providers.RequestTimeout)
		pc := loadProviderConfig(ctx, st, "runpod")
		registry.Register(providers.NewRunPodAdapter(client, pc), pc)
		registered++
	}
	if cfg.Providers.VastAIAPIKey != "" {
		client := vastai.NewClient(cfg.Providers.VastAIAPIKey, cfg.Providers.RequestTimeout)
		pc := loadProviderConfig(ctx, st, "vastai")
		registry.Register(providers.NewVastAdapter(client, pc), pc)
		registered++
	}
	if cfg.Providers.AWSEnabled {
		pc := loadProviderConfig(ctx, st, "aws")
		adapter, err := providers.NewHyperscalerAdapter(ctx, pc, cfg.Providers.AWSRegion)
		if err != nil {
			return fmt.Errorf("aws adapter: %w", err)
		}
		registry.Register(adapter, pc)
		registered++
	}

	if registered == 0 {
		return fmt.Errorf("no provider API keys configured (set RUNPOD_API_KEY, VASTAI_API_KEY or AWS_PROVIDER_ENABLED)")
	}
	return nil
}

func loadProviderConfig(ctx context.Context, st store.Store, name string) *models.ProviderConfig {
	pc, err := st.GetProviderConfig(ctx, name)
	if err != nil {
		return nil
	}
	return pc
}

// probeHealth keeps provider health fresh so placement can skip dead
// providers between scheduler ticks.
func probeHealth(ctx context.Context, registry *providers.Registry) {
	registry.CheckHealth(ctx)
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.CheckHealth(ctx)
		}
	}
}
