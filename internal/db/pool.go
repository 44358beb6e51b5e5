// Package db holds the PostgreSQL connection surface and bulk write helpers.
package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of *pgxpool.Pool the stores use. pgxmock pools satisfy it.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// PoolConfig tunes the connection pool. Zero values fall back to defaults.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, url string, tune PoolConfig) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, eris.New("db: database url is empty")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, eris.Wrap(err, "db: parse database url")
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	if tune.MaxConns > 0 {
		cfg.MaxConns = tune.MaxConns
	}
	if tune.MinConns > 0 {
		cfg.MinConns = tune.MinConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "db: open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "db: ping")
	}
	return pool, nil
}
