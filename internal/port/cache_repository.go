package port

import (
	"context"
	"time"
)

type CacheRepository interface {
	// SetIdempotency claims a key, returns false if it already exists
	SetIdempotency(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// GetIdempotency returns the value stored for a claimed key, empty while pending
	GetIdempotency(ctx context.Context, key string) (string, error)

	// CompleteIdempotency stores the result of the request that claimed the key
	CompleteIdempotency(ctx context.Context, key, value string, ttl time.Duration) error

	// ReleaseIdempotency drops a claim so the request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error
}
