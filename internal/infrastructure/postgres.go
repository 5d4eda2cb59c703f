package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	Pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresClient opens a pool against connString and verifies it with a ping.
// The schema is not migrated here; call Migrate from the migrate command or at startup.
func NewPostgresClient(ctx context.Context, connString string, log *slog.Logger) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	return &PostgresClient{Pool: pool, log: log}, nil
}

// sharedSchema holds everything outside tenant partitions: the namespace
// registry and the workflow ledger.
var sharedSchema = []struct {
	name string
	ddl  string
}{
	{"vector extension", `CREATE EXTENSION IF NOT EXISTS vector`},
	{"tenants table", `
		CREATE TABLE IF NOT EXISTS tenants (
			tenant_id VARCHAR(56) PRIMARY KEY CHECK (tenant_id ~ '^[a-z0-9_-]+$'),
			schema_name VARCHAR(63) UNIQUE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`},
	{"workflow_runs table", `
		CREATE TABLE IF NOT EXISTS workflow_runs (
			event_name VARCHAR(255) NOT NULL,
			dedup_key VARCHAR(255) NOT NULL,
			tenant_id VARCHAR(56) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (event_name, dedup_key)
		)`},
	{"workflow_steps table", `
		CREATE TABLE IF NOT EXISTS workflow_steps (
			event_name VARCHAR(255) NOT NULL,
			dedup_key VARCHAR(255) NOT NULL,
			step_name VARCHAR(100) NOT NULL,
			status VARCHAR(20) NOT NULL,
			result JSONB,
			halted BOOLEAN NOT NULL DEFAULT false,
			attempts INT NOT NULL DEFAULT 0,
			owner VARCHAR(255),
			lease_until TIMESTAMPTZ,
			error TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (event_name, dedup_key, step_name)
		)`},
	{"workflow_runs status index", `CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status, updated_at)`},
}

// Migrate creates the shared tables. Tenant partitions are created on demand by
// the provisioning workflow.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	for _, stmt := range sharedSchema {
		if _, err := p.Pool.Exec(ctx, stmt.ddl); err != nil {
			return fmt.Errorf("create %s: %w", stmt.name, err)
		}
	}
	p.log.Info("database schema up to date", slog.Int("statements", len(sharedSchema)))
	return nil
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
