package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/quickclean-notifier/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 10
	keyPrefix                = "quickclean:email:ratelimit"
	window                   = time.Second
	minWait                  = 10 * time.Millisecond
)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter caps sends per transport with fixed one-second windows
// counted in Redis, so every notifier instance draws from the same budget.
type RedisRateLimiter struct {
	client      goredis.Cmdable
	limitPerSec int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return newRedisRateLimiter(client, int64(limitPerSec), time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client goredis.Cmdable,
	limitPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:      client,
		limitPerSec: limitPerSec,
		now:         nowFn,
		sleep:       sleepFn,
	}, nil
}

// Allow counts one send against the current window of bucket and reports
// whether it fits under the limit.
func (r *RedisRateLimiter) Allow(ctx context.Context, bucket string) (bool, error) {
	if r == nil || r.client == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	transport := strings.ToLower(strings.TrimSpace(bucket))
	if transport == "" {
		return false, fmt.Errorf("rate limit bucket is required")
	}

	key := windowKey(transport, r.now())

	var incr *goredis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to count send for %s: %w", transport, err)
	}

	return incr.Val() <= r.limitPerSec, nil
}

// Wait blocks until the bucket admits one more send or ctx ends. A refused
// send sleeps until the next window opens.
func (r *RedisRateLimiter) Wait(ctx context.Context, bucket string) error {
	for {
		allowed, err := r.Allow(ctx, bucket)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, untilNextWindow(r.now())); err != nil {
			return err
		}
	}
}

func windowKey(transport string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d", keyPrefix, transport, now.UTC().Unix())
}

func untilNextWindow(now time.Time) time.Duration {
	d := now.Truncate(window).Add(window).Sub(now)
	return max(d, minWait)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
