package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/agentfleet/internal/domain"
)

const sessionColumns = `id, agent_slug, COALESCE(container_session_id, ''), is_active, created_at, updated_at`

func (r *Repo) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session
	err := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id).Scan(
		&s.ID, &s.AgentSlug, &s.ContainerSessionID, &s.IsActive, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get session %s: %w", id, mapErr(err))
	}
	return &s, nil
}

// CreateSession заводит сессию; агент регистрируется при первой сессии.
func (r *Repo) CreateSession(ctx context.Context, s *domain.Session) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO agents (slug) VALUES ($1) ON CONFLICT (slug) DO NOTHING`, s.AgentSlug); err != nil {
		return fmt.Errorf("postgres: ensure agent: %w", err)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO sessions (id, agent_slug) VALUES ($1, $2)
		RETURNING created_at, updated_at`, s.ID, s.AgentSlug).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", mapErr(err))
	}
	return tx.Commit(ctx)
}

func (r *Repo) ListSessionsByAgent(ctx context.Context, agentSlug string) ([]domain.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE agent_slug = $1 ORDER BY updated_at DESC`, agentSlug)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query sessions: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	out := make([]domain.Session, 0)
	for rows.Next() {
		var s domain.Session
		if err := rows.Scan(&s.ID, &s.AgentSlug, &s.ContainerSessionID, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetContainerSession запоминает сессию внутри контейнера. Пустая строка сбрасывает привязку.
func (r *Repo) SetContainerSession(ctx context.Context, id, containerSessionID string) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE sessions SET container_session_id = NULLIF($1, ''), updated_at = NOW()
		WHERE id = $2`, containerSessionID, id)
	if err != nil {
		return fmt.Errorf("postgres: set container session: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: session %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *Repo) SetSessionActive(ctx context.Context, id string, active bool) error {
	ct, err := r.pool.Exec(ctx,
		`UPDATE sessions SET is_active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("postgres: set session active: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: session %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
