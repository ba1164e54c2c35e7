package queue

import (
	"context"
	"time"
)

// retryDelay doubles from base up to ceiling. The zero value is not usable.
type retryDelay struct {
	base    time.Duration
	ceiling time.Duration
	current time.Duration
}

func newRetryDelay(base, ceiling time.Duration) *retryDelay {
	if ceiling < base {
		ceiling = base
	}
	return &retryDelay{base: base, ceiling: ceiling}
}

// next returns the delay before the coming attempt.
func (r *retryDelay) next() time.Duration {
	if r.current == 0 {
		r.current = r.base
		return r.current
	}
	r.current *= 2
	if r.current > r.ceiling {
		r.current = r.ceiling
	}
	return r.current
}

func (r *retryDelay) reset() {
	r.current = 0
}

// pause waits d or until ctx is done, reporting whether the full delay elapsed.
func pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
