package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rocketscienceinc/tictactoe-arena/internal/entity"
)

type postgresHistory struct {
	pool *pgxpool.Pool
}

func NewPostgresHistory(pool *pgxpool.Pool) HistoryRepository {
	return &postgresHistory{pool: pool}
}

func (that *postgresHistory) Save(ctx context.Context, record entity.GameRecord) error {
	_, err := that.pool.Exec(ctx,
		`INSERT INTO game_results (id, player1, player2, winner, created_at) VALUES ($1, $2, $3, $4, $5)`,
		record.ID, record.Player1Name, record.Player2Name, record.WinnerName, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert game result: %w", err)
	}

	return nil
}

func (that *postgresHistory) RecentHistory(ctx context.Context, limit int) ([]entity.GameRecord, error) {
	// LIMIT NULL means no limit
	var maxRows any
	if limit > 0 {
		maxRows = limit
	}

	rows, err := that.pool.Query(ctx,
		`SELECT id, player1, player2, winner, created_at FROM game_results ORDER BY created_at DESC LIMIT $1`,
		maxRows,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query game history: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.GameRecord, error) {
		var record entity.GameRecord
		err := row.Scan(&record.ID, &record.Player1Name, &record.Player2Name, &record.WinnerName, &record.CreatedAt)
		return record, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read game history: %w", err)
	}

	return records, nil
}
