package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool configures and returns a PostgreSQL connection pool.
func NewPostgresPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, fmt.Errorf("database url is required")
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	// Publisher scans, executor workers and HTTP handlers share the pool.
	cfg.MaxConns = 25
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		id UUID PRIMARY KEY,
		owner_id TEXT NOT NULL UNIQUE,
		balance NUMERIC(20, 2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		currency VARCHAR(3) NOT NULL,
		status TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		id UUID PRIMARY KEY,
		transaction_id UUID NOT NULL REFERENCES transactions (id),
		wallet_id UUID NOT NULL REFERENCES wallets (id),
		amount NUMERIC(20, 2) NOT NULL,
		balance_after NUMERIC(20, 2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS entries_wallet ON entries (wallet_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS scheduled_transfers (
		id UUID PRIMARY KEY,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		amount NUMERIC(20, 2) NOT NULL CHECK (amount > 0),
		description TEXT NOT NULL DEFAULT '',
		scheduled_at TIMESTAMPTZ NOT NULL,
		status VARCHAR(16) NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		processed_at TIMESTAMPTZ,
		executed_at TIMESTAMPTZ,
		retry_count INT NOT NULL DEFAULT 0,
		last_retry_at TIMESTAMPTZ,
		failure_reason TEXT NOT NULL DEFAULT '',
		recurrence VARCHAR(16) NOT NULL DEFAULT 'NONE',
		recurrence_end TIMESTAMPTZ,
		total_occurrences INT NOT NULL DEFAULT 0,
		current_occurrence INT NOT NULL DEFAULT 1,
		parent_id UUID,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS scheduled_transfers_chain_occurrence
		ON scheduled_transfers (parent_id, current_occurrence) WHERE parent_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS scheduled_transfers_due
		ON scheduled_transfers (status, processed, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS scheduled_transfers_sender
		ON scheduled_transfers (sender_id, scheduled_at)`,
}

// Migrate creates the tables the service needs when they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
