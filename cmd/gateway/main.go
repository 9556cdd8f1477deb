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
	"github.com/xela07ax/agentfleet/internal/gateway"
	"github.com/xela07ax/agentfleet/internal/infra"
	"github.com/xela07ax/agentfleet/internal/metrics"
	"github.com/xela07ax/agentfleet/internal/repository/postgres"
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
	metricsSrv := metrics.Serve(cfg.Gateway.MetricsAddr, reg, logger)

	// 2. Аудит пишется пачками в фоне
	auditWriter := audit.NewWriter(repo, m, logger, audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
	})
	auditWriter.Start()

	// 3. Шлюз. Без Redis отозванный токен живёт в кэше до token_cache_ttl
	tokenStore := tokens.NewStore(repo, cfg.Gateway.TokenCacheTTL, logger)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		go tokens.NewRedisRevocations(rdb, infra.RedisChanTokenRevoked, logger).Listen(appCtx, tokenStore.Evict)
	}

	proxy := gateway.New(cfg.Gateway, gateway.Deps{
		Tokens:  tokenStore,
		Servers: repo,
		Auditor: auditWriter,
		Metrics: m,
		Logger:  logger,
	})

	// WriteTimeout не ставим: ответы удалённых серверов бывают потоковыми
	srv := &http.Server{
		Addr:              cfg.Gateway.Addr(),
		Handler:           proxy.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("gateway started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// 4. Graceful Shutdown: сначала запросы, потом фоновые очереди
	<-appCtx.Done()
	logger.Info("gateway stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	proxy.Close()
	auditWriter.Stop()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	logger.Info("gateway exited properly")
}
