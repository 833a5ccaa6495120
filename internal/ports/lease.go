package ports

import (
	"context"
	"time"
)

// RefreshLease coordinates token refreshes for one domain across processes.
type RefreshLease interface {
	// Acquire takes the lease for domain on behalf of owner for at most ttl.
	// Returns (true,nil) if granted; (false,nil) if another owner holds an unexpired lease.
	Acquire(ctx context.Context, domain, owner string, ttl time.Duration) (bool, error)

	// Release drops the lease only if owner still holds it.
	Release(ctx context.Context, domain, owner string) error
}
