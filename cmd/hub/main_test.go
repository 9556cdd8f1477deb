package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/audit"
	"github.com/xela07ax/agentfleet/internal/container"
	"github.com/xela07ax/agentfleet/internal/hub"
	"github.com/xela07ax/agentfleet/internal/metrics"
	"github.com/xela07ax/agentfleet/internal/repository/postgres"
	"github.com/xela07ax/agentfleet/internal/runtime"
	"github.com/xela07ax/agentfleet/internal/runtime/docker"
	"github.com/xela07ax/agentfleet/internal/stream"
	"github.com/xela07ax/agentfleet/internal/tokens"
)

// Один репозиторий Postgres обслуживает все хранилища hub.
var (
	_ hub.SessionStore    = (*postgres.Repo)(nil)
	_ hub.ServerCatalog   = (*postgres.Repo)(nil)
	_ stream.SessionStore = (*postgres.Repo)(nil)
	_ stream.MessageStore = (*postgres.Repo)(nil)
	_ tokens.Repository   = (*postgres.Repo)(nil)
	_ audit.LogProvider   = (*postgres.Repo)(nil)
	_ hub.TokenRevoker    = (*tokens.Store)(nil)
	_ runtime.TokenIssuer = (*tokens.Store)(nil)
	_ runtime.Runtime     = (*docker.Runtime)(nil)
	_ stream.Relay        = (*stream.RedisRelay)(nil)
	_ tokens.Publisher    = (*tokens.RedisRevocations)(nil)
	_ stream.EventSource  = (*container.Client)(nil)
	_ hub.AuditReader     = (*audit.Service)(nil)
)

// Сборка графа зависимостей как в main, без базы и Docker.
func TestWiring(t *testing.T) {
	logger := zap.NewNop()
	repo := &postgres.Repo{}
	m := metrics.New(nil)

	tokenStore := tokens.NewStore(repo, 0, logger)
	manager := container.NewManager(nil, m, logger, container.Options{})
	broadcaster := stream.NewBroadcaster(repo, repo, m, logger, stream.Options{})
	defer broadcaster.Close()

	assert.NotPanics(t, func() {
		service := hub.NewService(repo, repo, manager, broadcaster, tokenStore, logger, hub.ServiceOptions{})
		handler := hub.NewHandler(service, broadcaster, audit.NewService(repo), logger, hub.HandlerOptions{})
		assert.NotNil(t, handler.Routes())
		handler.CloseStreams()
	})
}
