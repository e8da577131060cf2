package cache

import (
	"context"
	"time"
)

// IdempotencyCache guards sale creation against client retries. Reserve
// either claims key (reserved == true) or reports the sale id stored by an
// earlier completed attempt. An empty id with reserved == false means the
// first attempt is still running.
type IdempotencyCache interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (saleID string, reserved bool, err error)
	Complete(ctx context.Context, key string, saleID string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type NoopIdempotencyCache struct{}

func (NoopIdempotencyCache) Reserve(_ context.Context, _ string, _ time.Duration) (string, bool, error) {
	return "", true, nil
}

func (NoopIdempotencyCache) Complete(_ context.Context, _ string, _ string, _ time.Duration) error {
	return nil
}

func (NoopIdempotencyCache) Release(_ context.Context, _ string) error {
	return nil
}
