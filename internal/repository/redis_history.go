package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rocketscienceinc/tictactoe-arena/internal/entity"
)

const DefaultHistoryKey = "game:history"

type redisHistory struct {
	client   *redis.Client
	key      string
	capacity int
}

// NewRedisHistory keeps the results as a JSON list under key, trimmed to capacity.
func NewRedisHistory(client *redis.Client, key string, capacity int) HistoryRepository {
	if key == "" {
		key = DefaultHistoryKey
	}

	return &redisHistory{
		client:   client,
		key:      key,
		capacity: capacity,
	}
}

func (that *redisHistory) Save(ctx context.Context, record entity.GameRecord) error {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("could not marshal game record: %w", err)
	}

	pipe := that.client.TxPipeline()
	pipe.LPush(ctx, that.key, recordJSON)
	if that.capacity > 0 {
		pipe.LTrim(ctx, that.key, 0, int64(that.capacity-1))
	}

	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save game record: %w", err)
	}

	return nil
}

func (that *redisHistory) RecentHistory(ctx context.Context, limit int) ([]entity.GameRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	response, err := that.client.LRange(ctx, that.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read game history: %w", err)
	}

	records := make([]entity.GameRecord, 0, len(response))
	for _, item := range response {
		var record entity.GameRecord
		if err = json.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal game record: %w", err)
		}

		records = append(records, record)
	}

	return records, nil
}
