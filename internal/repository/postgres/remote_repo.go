package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/agentfleet/internal/domain"
)

const remoteColumns = `
	s.id, s.name, s.url, s.auth_type,
	COALESCE(s.access_token, ''), COALESCE(s.refresh_token, ''), s.token_expires_at,
	COALESCE(s.oauth_token_endpoint, ''), COALESCE(s.oauth_client_id, ''),
	COALESCE(s.oauth_client_secret, ''), COALESCE(s.oauth_resource, ''),
	s.status, COALESCE(s.error_message, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRemote(row rowScanner) (*domain.RemoteServer, error) {
	var s domain.RemoteServer
	err := row.Scan(
		&s.ID, &s.Name, &s.URL, &s.AuthType,
		&s.AccessToken, &s.RefreshToken, &s.TokenExpiresAt,
		&s.OAuthTokenEndpoint, &s.OAuthClientID, &s.OAuthClientSecret, &s.OAuthResource,
		&s.Status, &s.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ServerForAgent возвращает сервер, только если он назначен агенту.
func (r *Repo) ServerForAgent(ctx context.Context, agentSlug, serverID string) (*domain.RemoteServer, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+remoteColumns+`
		FROM remote_mcp_servers s
		JOIN agent_remote_mcps a ON a.remote_mcp_id = s.id
		WHERE a.agent_slug = $1 AND s.id = $2`, agentSlug, serverID)
	srv, err := scanRemote(row)
	if err != nil {
		return nil, fmt.Errorf("postgres: remote server %s for agent %s: %w", serverID, agentSlug, mapErr(err))
	}
	return srv, nil
}

func (r *Repo) ListServersForAgent(ctx context.Context, agentSlug string) ([]domain.RemoteServer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+remoteColumns+`
		FROM remote_mcp_servers s
		JOIN agent_remote_mcps a ON a.remote_mcp_id = s.id
		WHERE a.agent_slug = $1
		ORDER BY s.name`, agentSlug)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query remote servers: %w", err)
	}
	defer rows.Close()

	out := make([]domain.RemoteServer, 0)
	for rows.Next() {
		srv, err := scanRemote(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan remote server: %w", err)
		}
		out = append(out, *srv)
	}
	return out, rows.Err()
}

// SaveTokens фиксирует результат refresh и снимает пометку auth_required.
func (r *Repo) SaveTokens(ctx context.Context, serverID string, ts domain.TokenSet) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE remote_mcp_servers
		SET access_token = $1, refresh_token = $2, token_expires_at = $3,
		    status = $4, error_message = NULL, updated_at = NOW()
		WHERE id = $5`,
		ts.AccessToken, ts.RefreshToken, ts.ExpiresAt, domain.RemoteActive, serverID)
	if err != nil {
		return fmt.Errorf("postgres: save tokens: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: remote server %s: %w", serverID, domain.ErrNotFound)
	}
	return nil
}

func (r *Repo) MarkAuthRequired(ctx context.Context, serverID, reason string) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE remote_mcp_servers SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3`, domain.RemoteAuthRequired, reason, serverID)
	if err != nil {
		return fmt.Errorf("postgres: mark auth_required: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: remote server %s: %w", serverID, domain.ErrNotFound)
	}
	return nil
}
