package ratelimit

import "context"

// Limiter admits or rejects one action for key within a shared window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
