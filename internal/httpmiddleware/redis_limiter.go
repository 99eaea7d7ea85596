package httpmiddleware

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow is a fixed one-minute window counter shared by every API
// instance.
type RedisWindow struct {
	client    redis.UniversalClient
	perMinute int64
	now       func() time.Time
}

// NewRedisWindow builds a limiter allowing perMinute requests per key.
func NewRedisWindow(client redis.UniversalClient, perMinute int) *RedisWindow {
	return &RedisWindow{client: client, perMinute: int64(perMinute), now: time.Now}
}

func (w *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	window := w.now().Unix() / 60
	k := "ratelimit:" + key + ":" + strconv.FormatInt(window, 10)

	pipe := w.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= w.perMinute, nil
}
