package port

import "context"

// Locker serializes work on the same keys across request handlers.
type Locker interface {
	// Lock blocks until every key is held or ctx is done. Keys are taken in
	// ascending order. The returned release frees all of them.
	Lock(ctx context.Context, keys ...string) (release func(), err error)
}
