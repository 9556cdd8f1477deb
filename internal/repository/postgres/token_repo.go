package postgres

import (
	"context"
	"fmt"
)

func (r *Repo) TokenByAgent(ctx context.Context, agentSlug string) (string, error) {
	var token string
	err := r.pool.QueryRow(ctx, `SELECT token FROM proxy_tokens WHERE agent_slug = $1`, agentSlug).Scan(&token)
	if err != nil {
		return "", fmt.Errorf("postgres: proxy token for %s: %w", agentSlug, mapErr(err))
	}
	return token, nil
}

func (r *Repo) AgentByToken(ctx context.Context, token string) (string, error) {
	var slug string
	err := r.pool.QueryRow(ctx, `SELECT agent_slug FROM proxy_tokens WHERE token = $1`, token).Scan(&slug)
	if err != nil {
		return "", fmt.Errorf("postgres: agent by proxy token: %w", mapErr(err))
	}
	return slug, nil
}

// InsertToken возвращает domain.ErrConflict, если токен агенту уже выдан параллельно.
func (r *Repo) InsertToken(ctx context.Context, agentSlug, token string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO agents (slug) VALUES ($1) ON CONFLICT (slug) DO NOTHING`, agentSlug); err != nil {
		return fmt.Errorf("postgres: ensure agent: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO proxy_tokens (agent_slug, token) VALUES ($1, $2)`, agentSlug, token); err != nil {
		return fmt.Errorf("postgres: insert proxy token: %w", mapErr(err))
	}
	return tx.Commit(ctx)
}

func (r *Repo) DeleteToken(ctx context.Context, agentSlug string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM proxy_tokens WHERE agent_slug = $1`, agentSlug); err != nil {
		return fmt.Errorf("postgres: delete proxy token: %w", err)
	}
	return nil
}
