package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease implements ports.RefreshLease with SET NX PX.
type Lease struct {
	cli *redis.Client
}

func NewLease(cli *redis.Client) *Lease {
	return &Lease{cli: cli}
}

func (l *Lease) Acquire(ctx context.Context, domain, owner string, ttl time.Duration) (bool, error) {
	return l.cli.SetNX(ctx, getLeaseKey(domain), owner, ttl).Result()
}

func (l *Lease) Release(ctx context.Context, domain, owner string) error {
	return releaseScript.Run(ctx, l.cli, []string{getLeaseKey(domain)}, owner).Err()
}
