package db

import (
	"context"
	"time"

	"tracksure/internal/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	newPoolFn  = pgxpool.New
	pingPoolFn = func(ctx context.Context, pool *pgxpool.Pool) error { return pool.Ping(ctx) }
)

func ConnectPostgres(cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := newPoolFn(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	if err := pingPoolFn(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// schema holds the feed tables. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id          TEXT PRIMARY KEY,
		device_id   TEXT NOT NULL,
		alert_type  TEXT NOT NULL,
		distance_cm DOUBLE PRECISION,
		lat         DOUBLE PRECISION,
		lon         DOUBLE PRECISION,
		observed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS alerts_device_observed_idx ON alerts (device_id, observed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS locations (
		id          TEXT PRIMARY KEY,
		device_id   TEXT NOT NULL,
		lat         DOUBLE PRECISION NOT NULL,
		lon         DOUBLE PRECISION NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS locations_device_observed_idx ON locations (device_id, observed_at DESC)`,
}

// EnsureSchema creates the feed tables if they are missing.
func EnsureSchema(ctx context.Context, q Querier) error {
	for _, stmt := range schema {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
