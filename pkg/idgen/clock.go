package idgen

import (
	"context"
	"time"

	"github.com/anthanhphan/gosdk/logger"
	"github.com/redis/go-redis/v9"
)

// Clock abstracts the time source for the ID generator.
type Clock interface {
	// Now returns the current timestamp in milliseconds.
	Now() int64
}

// SystemClock uses the local system time.
type SystemClock struct{}

func (SystemClock) Now() int64 {
	return time.Now().UnixMilli()
}

// timeSource is the slice of the redis client used by RedisClock.
type timeSource interface {
	Time(ctx context.Context) *redis.TimeCmd
}

// RedisClock reads the shared Redis server time so every ingest node
// stamps task IDs from the same clock.
type RedisClock struct {
	client  timeSource
	timeout time.Duration
}

func NewRedisClock(client redis.UniversalClient, timeout time.Duration) *RedisClock {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	return &RedisClock{client: client, timeout: timeout}
}

// Now falls back to the local clock when Redis cannot answer in time.
func (r *RedisClock) Now() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	res, err := r.client.Time(ctx).Result()
	if err != nil {
		logger.Warnw("Redis TIME failed, using local clock", "error", err.Error())
		return time.Now().UnixMilli()
	}
	return res.UnixMilli()
}
