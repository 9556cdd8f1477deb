package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/audit"
	"github.com/xela07ax/agentfleet/internal/gateway"
	"github.com/xela07ax/agentfleet/internal/infra"
	"github.com/xela07ax/agentfleet/internal/metrics"
	"github.com/xela07ax/agentfleet/internal/repository/postgres"
	"github.com/xela07ax/agentfleet/internal/tokens"
)

var (
	_ gateway.ServerStore    = (*postgres.Repo)(nil)
	_ gateway.TokenValidator = (*tokens.Store)(nil)
	_ audit.Storage          = (*postgres.Repo)(nil)
	_ audit.Auditor          = (*audit.Writer)(nil)
)

// Сборка шлюза как в main, без базы и Redis.
func TestWiring(t *testing.T) {
	logger := zap.NewNop()
	repo := &postgres.Repo{}
	m := metrics.New(nil)

	auditWriter := audit.NewWriter(repo, m, logger, audit.Options{})
	auditWriter.Start()
	defer auditWriter.Stop()

	proxy := gateway.New(infra.GatewayConfig{}, gateway.Deps{
		Tokens:  tokens.NewStore(repo, 0, logger),
		Servers: repo,
		Auditor: auditWriter,
		Metrics: m,
		Logger:  logger,
	})
	defer proxy.Close()

	// Без bearer запрос отклоняется до обращения к хранилищу
	rec := httptest.NewRecorder()
	proxy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/research-bot/srv1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
