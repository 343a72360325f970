package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/cart"
	"github.com/hanko-field/checkout/internal/checkout"
	"github.com/hanko-field/checkout/internal/handlers"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
	"github.com/hanko-field/checkout/internal/platform/secrets"
	"github.com/hanko-field/checkout/internal/repositories"
	"github.com/hanko-field/checkout/internal/storefront"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	logger, err := observability.NewLogger("storefront")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	ctx = requestctx.WithLogger(ctx, logger)

	project, err := config.Lookup("STOREFRONT_SECRETS_PROJECT_ID")
	if err != nil {
		logger.Fatal("failed to read secrets project", zap.Error(err))
	}
	fetcher, err := secrets.NewFetcher(ctx, secrets.WithProject(project), secrets.WithLogger(logger.Named("secrets")))
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.LoadStorefront(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	var (
		carts  cart.Store
		checks []repositories.DependencyCheck
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		store := cart.NewRedisStore(client, cart.WithTTL(cfg.Redis.CartTTL))
		carts = store
		checks = append(checks, repositories.DependencyCheck{Name: "redis", Timeout: time.Second, Check: store.Ping})
	} else {
		logger.Warn("no redis configured; carts are kept in memory")
		carts = cart.NewMemoryStore()
	}

	client, err := checkout.NewClient(checkout.ClientConfig{BaseURL: cfg.API.BaseURL, Timeout: cfg.API.Timeout})
	if err != nil {
		logger.Fatal("failed to initialise order api client", zap.Error(err))
	}
	orchestrator, err := checkout.NewOrchestrator(checkout.OrchestratorDeps{
		API:      client,
		Pricing:  cfg.Pricing.Policy(),
		Currency: cfg.Pricing.Currency,
		Logger:   observability.EventLogger(logger.Named("checkout")),
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout orchestrator", zap.Error(err))
	}

	var health repositories.HealthRepository
	if len(checks) > 0 {
		if health, err = repositories.NewDependencyHealthRepository(checks); err != nil {
			logger.Fatal("failed to initialise health checks", zap.Error(err))
		}
	}

	router := storefront.NewRouter(
		storefront.NewHandlers(storefront.Deps{
			Carts:        carts,
			Orchestrator: orchestrator,
			Orders:       client,
			Pricing:      cfg.Pricing.Policy(),
		}),
		storefront.WithRouterMiddlewares(
			observability.Trace(""),
			observability.RequestLogger(logger.Named("http")),
			observability.Recoverer,
		),
		storefront.WithSessionOptions(
			storefront.WithSessionCookie(cfg.SessionCookie),
			storefront.WithSecureCookie(cfg.Environment != "local"),
		),
		storefront.WithHealth(handlers.NewHealthHandlers(health, handlers.WithHealthStartedAt(startedAt))),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("api", cfg.API.BaseURL))
	go func() {
		serverLogger.Info("storefront listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
