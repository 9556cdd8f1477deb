package gateway

import (
	"context"

	"github.com/xela07ax/agentfleet/internal/domain"
)

// TokenValidator — хранилище proxy-токенов (tokens.Store).
type TokenValidator interface {
	// Validate возвращает slug агента или domain.ErrAuthentication.
	Validate(ctx context.Context, token string) (string, error)
}

// ServerStore — внешние MCP-серверы и их связь с агентами.
type ServerStore interface {
	// ServerForAgent возвращает domain.ErrNotFound, если сервер не назначен агенту.
	ServerForAgent(ctx context.Context, agentSlug, serverID string) (*domain.RemoteServer, error)
	// SaveTokens сохраняет обновлённые токены и сбрасывает состояние ошибки (status=active).
	SaveTokens(ctx context.Context, serverID string, ts domain.TokenSet) error
	MarkAuthRequired(ctx context.Context, serverID, reason string) error
}
