package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Quota key pattern:
// - quota:{user_id}:uploads:{yyyymmdd} - 48h TTL, uploads completed that UTC day

const dailyCounterTTL = 48 * time.Hour

// DailyUploadCounter counts completed uploads per user and UTC day.
type DailyUploadCounter struct {
	client *goredis.Client
	now    func() time.Time
}

func NewDailyUploadCounter(client *goredis.Client) *DailyUploadCounter {
	return &DailyUploadCounter{client: client, now: time.Now}
}

func (c *DailyUploadCounter) key(userID uuid.UUID) string {
	return fmt.Sprintf("quota:%s:uploads:%s", userID, c.now().UTC().Format("20060102"))
}

// Count returns today's upload count for userID.
func (c *DailyUploadCounter) Count(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := c.client.Get(ctx, c.key(userID)).Int()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read daily upload count: %w", err)
	}
	return n, nil
}

// Increment records one completed upload and returns the new count.
func (c *DailyUploadCounter) Increment(ctx context.Context, userID uuid.UUID) (int, error) {
	key := c.key(userID)
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, dailyCounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("increment daily upload count: %w", err)
	}
	return int(incr.Val()), nil
}
