package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const pingTimeout = 5 * time.Second

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS game_results (
		id         TEXT PRIMARY KEY,
		player1    TEXT NOT NULL,
		player2    TEXT NOT NULL,
		winner     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS game_results_created_at_idx ON game_results (created_at DESC)`,
}

type PostgresStorage struct {
	Pool *pgxpool.Pool
}

func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err = pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	return &PostgresStorage{Pool: pool}, nil
}

// Migrate creates the game_results table when it does not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, statement := range migrations {
		if _, err := pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("failed to migrate game_results: %w", err)
		}
	}

	return nil
}

func (that *PostgresStorage) Close() {
	that.Pool.Close()
}
