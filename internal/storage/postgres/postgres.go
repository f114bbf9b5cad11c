// Package postgres provides Postgres-backed persistence implementations: a
// seed backlog, a row sink, and the run progress repository.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PoolConfig controls the shared pgx connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of *pgxpool.Pool the stores use. pgxmock pools satisfy it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Connect opens a pgxpool using cfg.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id          text PRIMARY KEY,
	payload     text NOT NULL,
	depth       integer NOT NULL DEFAULT 0,
	attrs       jsonb NOT NULL DEFAULT '{}'::jsonb,
	status      text NOT NULL DEFAULT 'pending',
	created_at  timestamptz NOT NULL DEFAULT now(),
	leased_at   timestamptz,
	finished_at timestamptz
);
CREATE INDEX IF NOT EXISTS %[1]s_pending_idx ON %[1]s (created_at, id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS cobweb_runs (
	id            uuid PRIMARY KEY,
	started_at    timestamptz NOT NULL,
	finished_at   timestamptz,
	status        text NOT NULL,
	error_message text,
	acked         bigint NOT NULL DEFAULT 0,
	committed     bigint NOT NULL DEFAULT 0,
	failed        bigint NOT NULL DEFAULT 0,
	retried       bigint NOT NULL DEFAULT 0,
	polled        bigint NOT NULL DEFAULT 0,
	dropped       bigint NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cobweb_run_sinks (
	run_id      uuid NOT NULL REFERENCES cobweb_runs (id),
	sink        text NOT NULL,
	last_update timestamptz NOT NULL,
	batches     bigint NOT NULL DEFAULT 0,
	rows        bigint NOT NULL DEFAULT 0,
	rolled_back bigint NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, sink)
);
`

// Migrate creates the backlog table and the run progress tables if missing.
// Sink tables are owned by whoever consumes them and are not created here.
func Migrate(ctx context.Context, pool Pool, backlogTable string) error {
	if backlogTable == "" {
		backlogTable = DefaultBacklogTable
	}
	if !validIdentifier.MatchString(backlogTable) {
		return fmt.Errorf("invalid table name %q", backlogTable)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(schema, backlogTable)); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
