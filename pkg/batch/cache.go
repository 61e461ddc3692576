package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neuroqc/platform/pkg/common/models"
	"github.com/redis/go-redis/v9"
)

// SnapshotCache mirrors batch progress into Redis so status pollers can be
// served without touching coordinator state. Entries expire on their own.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

func progressKey(batchID string) string {
	return fmt.Sprintf("batch_progress:%s", batchID)
}

func (c *SnapshotCache) Store(ctx context.Context, snapshot models.BatchSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	return c.client.Set(ctx, progressKey(snapshot.BatchID), data, c.ttl).Err()
}

func (c *SnapshotCache) Fetch(ctx context.Context, batchID string) (*models.BatchSnapshot, error) {
	data, err := c.client.Get(ctx, progressKey(batchID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var snapshot models.BatchSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snapshot, nil
}
