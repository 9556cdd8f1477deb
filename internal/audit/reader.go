package audit

import (
	"context"
	"fmt"

	"github.com/xela07ax/agentfleet/internal/domain"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Query — фильтр чтения. Пустые поля не фильтруют.
type Query struct {
	AgentSlug   string
	RemoteMcpID string
	Limit       int
}

// LogProvider описывает контракт для чтения данных аудита.
type LogProvider interface {
	FetchLogs(ctx context.Context, q Query) ([]domain.AuditEntry, error)
}

type Service struct {
	repo LogProvider
}

func NewService(repo LogProvider) *Service {
	return &Service{repo: repo}
}

// FetchLogs возвращает последние записи, новые первыми.
func (s *Service) FetchLogs(ctx context.Context, q Query) ([]domain.AuditEntry, error) {
	switch {
	case q.Limit <= 0:
		q.Limit = defaultLimit
	case q.Limit > maxLimit:
		q.Limit = maxLimit
	}

	logs, err := s.repo.FetchLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to fetch logs: %w", err)
	}
	return logs, nil
}
