package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/medgate-ai/medgate/backend"
	"github.com/medgate-ai/medgate/backend/claude"
	"github.com/medgate-ai/medgate/backend/openai"
	"github.com/medgate-ai/medgate/config"
	"github.com/medgate-ai/medgate/executor"
	"github.com/medgate-ai/medgate/health"
	"github.com/medgate-ai/medgate/monitoring"
	"github.com/medgate-ai/medgate/ratelimit"
	"github.com/medgate-ai/medgate/registry"
	"github.com/medgate-ai/medgate/secrets"
	"github.com/medgate-ai/medgate/selector"
	"github.com/medgate-ai/medgate/server"
	"github.com/medgate-ai/medgate/state"
	"github.com/medgate-ai/medgate/store"
	"github.com/medgate-ai/medgate/utils"
)

func setupStateManager(valkeyEndpoint string) (state.Manager, func(), error) {
	if valkeyEndpoint == "" {
		memoryManager, cleanup := state.NewMemoryManager()
		return memoryManager, cleanup, nil
	}

	valkeyClient, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{valkeyEndpoint},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Valkey client: %v", err)
	}
	return state.NewValkeyManager(valkeyClient), nil, nil
}

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}
	if cfg.MasterKey == "" {
		sugar.Fatalw("Master key is required; set master_key or MEDGATE_MASTER_KEY")
	}

	cipher, err := secrets.NewCipher(cfg.MasterKey)
	if err != nil {
		sugar.Fatalw("Failed to initialize credential cipher", "error", err)
	}

	providerStore, err := store.NewSqliteStore(cfg.DatabasePath)
	if err != nil {
		sugar.Fatalw("Failed to open database", "path", cfg.DatabasePath, "error", err)
	}
	defer providerStore.Close()

	stateManager, cleanup, err := setupStateManager(cfg.ValkeyEndpoint)
	if err != nil {
		sugar.Fatalw("Failed to setup state manager", "error", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	requestTimeout := utils.Must(cfg.RequestTimeoutDuration())
	rateLimitCooldown := utils.Must(cfg.RateLimitCooldownDuration())
	healthCheckTimeout := utils.Must(cfg.HealthCheckTimeoutDuration())

	limiter := ratelimit.NewLimiter()
	reg, err := registry.New(context.Background(), providerStore, cipher, limiter, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load provider registry", "error", err)
	}

	backends := backend.NewRegistry(openai.NewCaller(), claude.NewCaller())
	metrics := monitoring.NewMetrics()

	exec := executor.New(executor.Config{
		Registry:          reg,
		Backends:          backends,
		Limiter:           limiter,
		StateManager:      stateManager,
		Store:             providerStore,
		Metrics:           metrics,
		Logger:            sugar,
		DefaultTimeout:    requestTimeout,
		RateLimitCooldown: rateLimitCooldown,
	})
	sel := selector.New(reg, sugar)

	checker := health.NewChecker(reg, backends, providerStore, metrics, sugar, healthCheckTimeout)
	reg.SetProber(checker)
	if err := checker.Start(cfg.HealthCheckSchedule); err != nil {
		sugar.Fatalw("Failed to start health checker", "error", err)
	}
	defer checker.Stop()

	gateway := server.New(reg, sel, exec, providerStore, metrics, cfg.ApiKey, sugar)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		Debug:          false,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: corsMiddleware.Handler(gateway.Handler()),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugar.Errorw("Failed to shutdown server gracefully", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}
	sugar.Infow("Server stopped")
}
