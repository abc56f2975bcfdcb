// Command weaver runs the orchestration service: request pipeline,
// declarative workflows, health probes, and Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/weaverhq/weaver/internal/agents"
	"github.com/weaverhq/weaver/internal/approval"
	"github.com/weaverhq/weaver/internal/budget"
	"github.com/weaverhq/weaver/internal/circuitbreaker"
	"github.com/weaverhq/weaver/internal/config"
	"github.com/weaverhq/weaver/internal/connections"
	"github.com/weaverhq/weaver/internal/coordinator"
	"github.com/weaverhq/weaver/internal/db"
	"github.com/weaverhq/weaver/internal/decompose"
	"github.com/weaverhq/weaver/internal/events"
	"github.com/weaverhq/weaver/internal/health"
	"github.com/weaverhq/weaver/internal/httpapi"
	"github.com/weaverhq/weaver/internal/llm"
	"github.com/weaverhq/weaver/internal/orchestrator"
	"github.com/weaverhq/weaver/internal/policy"
	"github.com/weaverhq/weaver/internal/pricing"
	"github.com/weaverhq/weaver/internal/router"
	"github.com/weaverhq/weaver/internal/session"
	"github.com/weaverhq/weaver/internal/skills"
	"github.com/weaverhq/weaver/internal/spawn"
	"github.com/weaverhq/weaver/internal/tools"
	"github.com/weaverhq/weaver/internal/tracing"
	"github.com/weaverhq/weaver/internal/workflow"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to weaver.yaml (default config/weaver.yaml)")
	flag.Parse()

	bootstrapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("initialize logger: %v", err)
	}
	configManager, err := config.NewManager(configPath, bootstrapLogger)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	cfg := configManager.Get()

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	if cfg.Budget.PricingPath != "" {
		// The pricing package resolves its file lazily through this env.
		os.Setenv("PRICING_CONFIG_PATH", cfg.Budget.PricingPath)
	}

	circuitbreaker.StartMetricsCollection()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Initialize(cfg.Tracing, logger)
		if err != nil {
			logger.Warn("Tracing initialization failed, continuing without traces", zap.Error(err))
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	dbClient, err := db.NewClient(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database client", zap.Error(err))
	}
	defer dbClient.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		logger.Fatal("Failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cancelPing()
	defer redisClient.Close()

	sessionRedis := circuitbreaker.NewRedisWrapper(redisClient, "session", logger)
	routerRedis := circuitbreaker.NewRedisWrapper(redisClient, "router-cache", logger)
	toolsRedis := circuitbreaker.NewRedisWrapper(redisClient, "tools-cache", logger)
	spawnRedis := circuitbreaker.NewRedisWrapper(redisClient, "spawn-limiter", logger)

	sessions := session.NewManagerWithClient(sessionRedis, cfg.Session, logger)

	agentRegistry := agents.NewRegistry()
	skillRegistry := skills.NewRegistry()
	if err := skillRegistry.LoadDirectory(cfg.Skills.Dir); err != nil {
		logger.Warn("Skill catalog load failed, routing without skill definitions",
			zap.String("dir", cfg.Skills.Dir), zap.Error(err))
	} else if err := skillRegistry.Validate(); err != nil {
		logger.Warn("Skill catalog has dangling references", zap.Error(err))
	}

	enforcer := budget.NewEnforcer(dbClient, cfg.Budget.Backpressure, logger)

	toolRegistry := tools.NewRegistry()
	toolRegistry.Register(tools.NewSlackProvider(logger))
	toolRegistry.Register(tools.NewWebhookProvider(logger))

	var dispatcher *tools.Dispatcher
	if cfg.Tools.ConnectionKeyB64 != "" {
		cipher, err := connections.NewCipher(cfg.Tools.ConnectionKeyB64)
		if err != nil {
			logger.Fatal("Invalid connection encryption key", zap.Error(err))
		}
		connStore := connections.NewStore(dbClient, cipher, logger)
		refresher := connections.NewRefresher(connStore, cfg.Tools.TokenRefreshWindow, logger)
		dispatcher = tools.NewDispatcher(toolRegistry, connStore, refresher, toolsRedis, cfg.Tools, logger)
	} else {
		logger.Warn("No connection key configured; provider tool dispatch disabled")
	}

	toolRunner := tools.NewRunner(toolRegistry, dispatcher, logger)
	executor := llm.NewExecutor(cfg.LLM, toolRunner, logger)

	coord := coordinator.New(agentRegistry, executor, logger)
	decomposer := decompose.New(agentRegistry, logger)

	// Sub-agent delegation rides the tool loop; the spawner shares the
	// coordinator so children execute under the same model stack.
	limiter := spawn.NewLimiter(spawnRedis, cfg.Spawn, logger)
	spawner := spawn.New(coord, limiter, sessions, dbClient, cfg.Limits, logger)
	toolRunner.WithSpawner(spawner)

	var classifier router.Classifier
	if cfg.Router.LLMFallbackEnabled {
		if provider := classifierProvider(cfg.LLM, logger); provider != nil {
			classifier = router.NewLLMClassifier(
				provider, cfg.LLM.Models["haiku"], skillNames(skillRegistry), logger)
		} else {
			logger.Warn("LLM routing fallback enabled but no provider key configured")
		}
	}
	routeCache := router.NewCache(routerRedis, cfg.Router.CacheTTL, logger)
	requestRouter := router.New(cfg.Router, skillRegistry, routeCache, enforcer, sessions, classifier, logger)

	orch := orchestrator.New(decomposer, coord, dbClient, cfg.Limits, logger)

	policyEngine, err := policy.NewOPAEngine(cfg.Policy, logger)
	if err != nil {
		logger.Fatal("Failed to initialize policy engine", zap.Error(err))
	}

	// Hot reload: .rego edits recompile policies, config edits refresh
	// the pricing table. Everything else requires a restart.
	configManager.OnPolicyChange(policyEngine.LoadPolicies)
	configManager.OnChange(func(_, _ *config.Config) { pricing.Reload() })
	if err := configManager.Start(ctx); err != nil {
		logger.Warn("Config hot reload unavailable", zap.Error(err))
	} else if cfg.Policy.Path != "" {
		if err := configManager.WatchDir(cfg.Policy.Path); err != nil {
			logger.Warn("Policy directory not watched", zap.String("path", cfg.Policy.Path), zap.Error(err))
		}
	}
	defer func() { _ = configManager.Stop() }()

	bus := events.NewBus(cfg.Events.RingCapacity, logger)

	service := orchestrator.NewService(orchestrator.ServiceDeps{
		Router:       requestRouter,
		Budget:       enforcer,
		Planner:      decomposer,
		Orchestrator: orch,
		Sessions:     sessions,
		Bus:          bus,
		Policy:       policyEngine,
		Store:        dbClient,
		Logger:       logger,
	})

	library := workflow.NewLibrary(logger)
	if err := library.LoadDirectory(cfg.Workflows.Dir); err != nil {
		logger.Warn("Workflow definitions load failed",
			zap.String("dir", cfg.Workflows.Dir), zap.Error(err))
	}
	approvals := approval.New(dbClient, logger)
	engine := workflow.NewEngine(library, coord, approvals, dbClient, cfg.Workflows, logger)

	api := httpapi.New(service, engine, approvals, bus, cfg.Service.APIAuthToken, logger)
	apiServer := httpapi.Start(cfg.Service.APIPort, api, logger)

	healthManager := health.NewManager(30*time.Second, logger)
	registerCheckers(healthManager, redisClient, sessionRedis, dbClient, dispatcher, logger)
	healthManager.Start()
	defer healthManager.Stop()

	healthMux := http.NewServeMux()
	health.NewHTTPHandler(healthManager, logger).RegisterRoutes(healthMux)
	healthServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.HealthPort),
		Handler:      healthMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Health server listening", zap.Int("port", cfg.Service.HealthPort))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server failed", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("Weaver started",
		zap.String("service", cfg.Service.Name),
		zap.Strings("workflows", library.Names()),
		zap.Bool("policy_enabled", policyEngine.IsEnabled()),
		zap.String("policy_mode", string(policyEngine.Mode())),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down")

	graceful := cfg.Service.GracefulTimeout
	if graceful <= 0 {
		graceful = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), graceful)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Health server shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", zap.Error(err))
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", zap.Error(err))
	}
}

// buildLogger constructs the zap logger from the logging section.
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Encoding != "" {
		zcfg.Encoding = cfg.Encoding
	}
	return zcfg.Build()
}

// classifierProvider picks the cheapest configured provider for routing
// fallback calls.
func classifierProvider(cfg config.LLMConfig, logger *zap.Logger) llm.Provider {
	for _, name := range cfg.Priority {
		switch name {
		case "anthropic":
			if cfg.AnthropicAPIKey != "" {
				return llm.NewAnthropicProvider(cfg.AnthropicAPIKey, logger)
			}
		case "openai":
			if cfg.OpenAIAPIKey != "" {
				return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, logger)
			}
		}
	}
	return nil
}

func skillNames(reg *skills.Registry) []string {
	all := reg.All()
	names := make([]string, 0, len(all))
	for _, sk := range all {
		names = append(names, sk.Name)
	}
	return names
}

func registerCheckers(
	hm *health.Manager,
	client *redis.Client,
	wrapper *circuitbreaker.RedisWrapper,
	dbClient *db.Client,
	dispatcher *tools.Dispatcher,
	logger *zap.Logger,
) {
	if err := hm.Register(health.NewRedisChecker(client, wrapper)); err != nil {
		logger.Warn("Failed to register redis checker", zap.Error(err))
	}
	if err := hm.Register(health.NewDatabaseChecker(dbClient)); err != nil {
		logger.Warn("Failed to register database checker", zap.Error(err))
	}
	if dispatcher != nil {
		for _, providerID := range []string{"slack", "webhook"} {
			id := providerID
			checker := health.NewBreakerChecker("tools-"+id, func() circuitbreaker.State {
				return dispatcher.BreakerState(id)
			})
			if err := hm.Register(checker); err != nil {
				logger.Warn("Failed to register breaker checker",
					zap.String("provider", id), zap.Error(err))
			}
		}
	}
}
