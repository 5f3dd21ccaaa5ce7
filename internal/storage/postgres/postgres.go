// Package postgres stores lobby accounts in PostgreSQL using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/chessence/internal/config"
)

// readyTimeout bounds a readiness ping issued by the health service.
const readyTimeout = 2 * time.Second

// Pool owns the pgx connection pool shared by the account repository.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects to the database described by cfg and verifies it with a ping.
//
// Precondition: cfg passed config validation.
// Postcondition: Returns a usable Pool or a non-nil error; no connections
// are left open on error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "chessence-lobby"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Pool{pool: pool}, nil
}

// Health pings the database, failing if it does not answer within timeout.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Ready is Health with the default readiness timeout. Its signature matches
// the readiness checks used by the HTTP and gRPC health endpoints.
func (p *Pool) Ready(ctx context.Context) error {
	return p.Health(ctx, readyTimeout)
}

// Accounts returns an account repository backed by this pool.
func (p *Pool) Accounts() *AccountRepository {
	return NewAccountRepository(p.pool)
}

// InUse reports how many connections are currently acquired.
func (p *Pool) InUse() int32 {
	return p.pool.Stat().AcquiredConns()
}

func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the underlying pgxpool.Pool.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
