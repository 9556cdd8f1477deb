package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/agentfleet/internal/audit"
	"github.com/xela07ax/agentfleet/internal/domain"
)

var auditColumns = []string{
	"id", "trace_id", "agent_slug", "remote_mcp_id", "remote_mcp_name", "method",
	"request_path", "method_info", "status_code", "error_message", "duration_ms", "created_at",
}

// WriteBatch пишет пачку записей через COPY. Слайс не удерживается после возврата.
func (r *Repo) WriteBatch(ctx context.Context, entries []domain.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"mcp_audit_logs"},
		auditColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			var errMsg *string
			if e.ErrorMessage != "" {
				errMsg = &e.ErrorMessage
			}
			return []any{
				e.ID, e.TraceID, e.AgentSlug, e.RemoteMcpID, e.RemoteMcpName, e.Method,
				e.RequestPath, e.MethodInfo, e.StatusCode, errMsg, e.DurationMs, e.CreatedAt,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to write audit batch: %w", err)
	}
	return nil
}

// FetchLogs — последние записи аудита, новые первыми.
func (r *Repo) FetchLogs(ctx context.Context, q audit.Query) ([]domain.AuditEntry, error) {
	query := `SELECT id, trace_id, agent_slug, remote_mcp_id, remote_mcp_name, method,
	                 request_path, method_info, status_code, COALESCE(error_message, ''), duration_ms, created_at
	          FROM mcp_audit_logs`

	var (
		where []string
		args  []any
	)
	if q.AgentSlug != "" {
		args = append(args, q.AgentSlug)
		where = append(where, "agent_slug = $"+strconv.Itoa(len(args)))
	}
	if q.RemoteMcpID != "" {
		args = append(args, q.RemoteMcpID)
		where = append(where, "remote_mcp_id = $"+strconv.Itoa(len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.Limit)
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit logs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TraceID, &e.AgentSlug, &e.RemoteMcpID, &e.RemoteMcpName, &e.Method,
			&e.RequestPath, &e.MethodInfo, &e.StatusCode, &e.ErrorMessage, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
