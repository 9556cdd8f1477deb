package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/audit"
	"github.com/xela07ax/agentfleet/internal/container"
	"github.com/xela07ax/agentfleet/internal/hub"
	"github.com/xela07ax/agentfleet/internal/infra"
	"github.com/xela07ax/agentfleet/internal/infra/auth"
	"github.com/xela07ax/agentfleet/internal/metrics"
	"github.com/xela07ax/agentfleet/internal/repository/postgres"
	"github.com/xela07ax/agentfleet/internal/runtime/docker"
	"github.com/xela07ax/agentfleet/internal/stream"
	"github.com/xela07ax/agentfleet/internal/tokens"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизни фоновых горутин: SIGINT/SIGTERM отменяет его
	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура
	repo, err := postgres.NewRepo(appCtx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer repo.Close()

	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	metricsSrv := metrics.Serve(cfg.Server.MetricsAddr, reg, logger)

	// 2. Контейнеры агентов
	tokenStore := tokens.NewStore(repo, cfg.Gateway.TokenCacheTTL, logger)
	rt, err := docker.New(cfg.Runtime, tokenStore, logger)
	if err != nil {
		logger.Fatal("failed to init docker runtime", zap.Error(err))
	}
	manager := container.NewManager(rt, m, logger, container.Options{
		StartTimeout: cfg.Runtime.StartTimeout,
		CallTimeout:  cfg.Runtime.CallTimeout,
	})

	// 3. Поток событий
	broadcaster := stream.NewBroadcaster(repo, repo, m, logger, stream.Options{})
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		relay := stream.NewRedisRelay(rdb, infra.RedisChanGlobalEvents, logger)
		broadcaster.WithRelay(relay)
		go relay.Listen(appCtx, broadcaster.DeliverGlobal)

		// Отзыв токена при teardown сразу доходит до шлюзов
		tokenStore.WithPublisher(tokens.NewRedisRevocations(rdb, infra.RedisChanTokenRevoked, logger))
	} else {
		logger.Info("redis is not configured, global events stay local")
	}

	// 4. API
	hopts := hub.HandlerOptions{Heartbeat: cfg.Server.Heartbeat}
	validator, err := auth.ValidatorFromPEM(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("invalid auth public key", zap.Error(err))
	}
	if validator != nil {
		hopts.Auth = validator
	} else {
		logger.Warn("operator auth disabled: no public key configured")
	}

	service := hub.NewService(repo, repo, manager, broadcaster, tokenStore, logger, hub.ServiceOptions{})
	handler := hub.NewHandler(service, broadcaster, audit.NewService(repo), logger, hopts)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	srv.RegisterOnShutdown(handler.CloseStreams)

	go func() {
		logger.Info("hub started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// 5. Graceful Shutdown
	<-appCtx.Done()
	logger.Info("hub stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	broadcaster.Close()
	manager.StopAll(shutdownCtx)
	if err := rt.Close(); err != nil {
		logger.Warn("docker client close failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	logger.Info("hub exited properly")
}
