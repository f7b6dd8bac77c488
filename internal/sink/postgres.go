package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createListingsTable = `
CREATE TABLE IF NOT EXISTS scraped_listings (
	id          BIGSERIAL PRIMARY KEY,
	task_id     TEXT        NOT NULL,
	query       TEXT        NOT NULL,
	name        TEXT        NOT NULL,
	address     TEXT        NOT NULL,
	phone       TEXT        NOT NULL,
	website     TEXT        NOT NULL,
	scraped_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS scraped_listings_task_idx ON scraped_listings (task_id);`

// PostgresArchive copies completed batches into the scraped_listings table
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive connects and makes sure the table exists.
func NewPostgresArchive(ctx context.Context, dsn string, maxConns int32) (*PostgresArchive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createListingsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create listings table: %w", err)
	}
	return &PostgresArchive{pool: pool}, nil
}

// Name identifies the sink in logs.
func (a *PostgresArchive) Name() string {
	return "postgres"
}

// Append copies the batch in one round trip. Error records are skipped.
func (a *PostgresArchive) Append(ctx context.Context, batch Batch) error {
	rows := make([][]any, 0, len(batch.Listings))
	now := time.Now()
	for _, l := range batch.Listings {
		if l.Failed() {
			continue
		}
		rows = append(rows, []any{batch.TaskID, batch.Query, l.Name, l.Address, l.Phone, l.Website, now})
	}
	if len(rows) == 0 {
		return nil
	}

	_, err := a.pool.CopyFrom(ctx,
		pgx.Identifier{"scraped_listings"},
		[]string{"task_id", "query", "name", "address", "phone", "website", "scraped_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy listings: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (a *PostgresArchive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close releases the connection pool.
func (a *PostgresArchive) Close() {
	a.pool.Close()
}
