package memory

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Lease is an in-process ports.RefreshLease. Expired leases are dropped lazily by the cache.
type Lease struct {
	mu sync.Mutex
	c  *gocache.Cache
}

func NewLease() *Lease {
	return &Lease{c: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (l *Lease) Acquire(_ context.Context, domain, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Add fails while an unexpired item exists.
	if err := l.c.Add(domain, owner, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (l *Lease) Release(_ context.Context, domain, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.c.Get(domain); ok && v.(string) == owner {
		l.c.Delete(domain)
	}
	return nil
}
