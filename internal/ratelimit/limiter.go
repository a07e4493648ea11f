package ratelimit

import "context"

// RateLimiter caps outbound sends per bucket. Buckets are named after the
// email transport so that every instance of the service shares one budget.
type RateLimiter interface {
	Allow(ctx context.Context, bucket string) (bool, error)
	Wait(ctx context.Context, bucket string) error
}
