package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/port"
	"github.com/anthanhphan/gosdk/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ingest:lock:"

// ErrLockUnavailable is returned when the lock could not be taken before
// the context ended.
var ErrLockUnavailable = errors.New("session lock unavailable")

// Readers live in a sorted set scored by lease expiry. A writer first
// publishes an intent, which turns new readers away, then takes the write
// key once the live readers have drained.
var (
	rlockScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[3]) == 1 then
  return 0
end
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[3])
redis.call("PEXPIRE", KEYS[2], ARGV[4])
return 1
`)

	lockScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local intent = redis.call("GET", KEYS[3])
if intent and intent ~= ARGV[3] then
  return 0
end
redis.call("SET", KEYS[3], ARGV[3], "PX", ARGV[4])
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
if redis.call("ZCARD", KEYS[2]) > 0 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[3], "PX", ARGV[4])
redis.call("DEL", KEYS[3])
return 1
`)

	renewWriteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	renewReadScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
  return 1
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisLocker shares session locks between ingest nodes. Every hold is a
// lease of ttl so a crashed holder cannot block a session forever. Live
// holders extend their lease every renewEvery until they unlock.
type RedisLocker struct {
	client     redis.UniversalClient
	ttl        time.Duration
	retry      time.Duration
	renewEvery time.Duration
	now        func() time.Time
}

var _ port.SessionLocker = (*RedisLocker)(nil)

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{
		client:     client,
		ttl:        ttl,
		retry:      20 * time.Millisecond,
		renewEvery: ttl / 3,
		now:        time.Now,
	}
}

func keys(sessionID string) []string {
	base := keyPrefix + "{" + sessionID + "}"
	return []string{base + ":w", base + ":r", base + ":intent"}
}

func (l *RedisLocker) RLock(ctx context.Context, sessionID string) (func(), error) {
	token := uuid.NewString()
	k := keys(sessionID)
	err := l.poll(ctx, func() (int64, error) {
		now := l.now()
		return rlockScript.Run(ctx, l.client, k,
			now.UnixMilli(), now.Add(l.ttl).UnixMilli(), token, l.ttl.Milliseconds()).Int64()
	})
	if err != nil {
		return nil, fmt.Errorf("read lock %s: %w", sessionID, err)
	}
	stop := l.keepAlive(sessionID, func(ctx context.Context) (int64, error) {
		return renewReadScript.Run(ctx, l.client, k[1:2],
			token, l.now().Add(l.ttl).UnixMilli(), l.ttl.Milliseconds()).Int64()
	})
	return func() {
		stop()
		if err := l.client.ZRem(context.Background(), k[1], token).Err(); err != nil {
			logger.Warnw("Failed to release read lock", "session_id", sessionID, "error", err.Error())
		}
	}, nil
}

func (l *RedisLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	token := uuid.NewString()
	k := keys(sessionID)
	err := l.poll(ctx, func() (int64, error) {
		return lockScript.Run(ctx, l.client, k,
			l.now().UnixMilli(), 0, token, l.ttl.Milliseconds()).Int64()
	})
	if err != nil {
		// Withdraw the intent so readers are not held back by a writer that gave up.
		_ = releaseScript.Run(context.Background(), l.client, k[2:], token).Err()
		return nil, fmt.Errorf("write lock %s: %w", sessionID, err)
	}
	stop := l.keepAlive(sessionID, func(ctx context.Context) (int64, error) {
		return renewWriteScript.Run(ctx, l.client, k[:1], token, l.ttl.Milliseconds()).Int64()
	})
	return func() {
		stop()
		if err := releaseScript.Run(context.Background(), l.client, k[:1], token).Err(); err != nil {
			logger.Warnw("Failed to release write lock", "session_id", sessionID, "error", err.Error())
		}
	}, nil
}

func (l *RedisLocker) poll(ctx context.Context, try func() (int64, error)) error {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := try()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if ok == 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrLockUnavailable, ctx.Err())
		case <-ticker.C:
		}
	}
}

// keepAlive renews a held lease until the returned stop func is called or
// the lease is found to belong to someone else.
func (l *RedisLocker) keepAlive(sessionID string, renew func(ctx context.Context) (int64, error)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := renew(ctx)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				logger.Warnw("Failed to renew session lock", "session_id", sessionID, "error", err.Error())
			case ok == 0:
				logger.Errorw("Session lock lease lost", "session_id", sessionID)
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
