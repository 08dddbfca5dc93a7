package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/rocketscienceinc/tictactoe-arena/internal/entity"
)

// HistoryRepository stores finished game results, newest first on read.
type HistoryRepository interface {
	Save(ctx context.Context, record entity.GameRecord) error
	RecentHistory(ctx context.Context, limit int) ([]entity.GameRecord, error)
}

type memoryHistory struct {
	mu      sync.RWMutex
	records []entity.GameRecord
	limit   int
}

// NewMemoryHistory keeps up to capacity records in process memory. A capacity
// of zero or less keeps everything.
func NewMemoryHistory(capacity int) HistoryRepository {
	return &memoryHistory{limit: capacity}
}

func (that *memoryHistory) Save(ctx context.Context, record entity.GameRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	that.mu.Lock()
	defer that.mu.Unlock()

	that.records = append(that.records, record)
	if that.limit > 0 && len(that.records) > that.limit {
		that.records = that.records[len(that.records)-that.limit:]
	}

	return nil
}

func (that *memoryHistory) RecentHistory(ctx context.Context, limit int) ([]entity.GameRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	that.mu.RLock()
	records := make([]entity.GameRecord, len(that.records))
	copy(records, that.records)
	that.mu.RUnlock()

	// saved order breaks ties between equal timestamps
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}
