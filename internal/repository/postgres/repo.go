// Package postgres — хранилище agentfleet на pgxpool: сессии, сообщения, вызовы инструментов,
// внешние MCP-серверы, proxy-токены и аудит шлюза.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xela07ax/agentfleet/internal/domain"
	"github.com/xela07ax/agentfleet/internal/infra"
)

const uniqueViolation = "23505"

type Repo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepo поднимает пул соединений и проверяет доступность базы.
func NewRepo(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*Repo, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}
	r := &Repo{pool: pool, logger: logger.With(zap.String("mod", "postgres"))}
	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	r.logger.Info("connected to postgres", zap.Int32("max_conns", poolCfg.MaxConns))
	return r, nil
}

// Ping проверяет доступность базы при старте
func (r *Repo) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: database unreachable: %w", err)
	}
	return nil
}

func (r *Repo) Close() {
	r.pool.Close()
}

// mapErr переводит ошибки драйвера в ошибки ядра.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.ConstraintName)
	}
	return err
}
