package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only while we still own it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type redisCoordinator struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCoordinator coordinates gateway instances across hosts. The TTL
// on the SET key doubles as crash recovery: a dead holder's lease simply
// expires.
func NewRedisCoordinator(redisURL string, prefix string) (Coordinator, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	if prefix == "" {
		prefix = "meshgate"
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &redisCoordinator{client: client, prefix: prefix}, nil
}

func (c *redisCoordinator) leaseKey(key string) string {
	return c.prefix + ":lease:" + key
}

func (c *redisCoordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	ttl = normalizeTTL(ttl)
	owner, err := newOwnerToken()
	if err != nil {
		return nil, err
	}
	fullKey := c.leaseKey(key)

	for {
		ok, err := c.client.SetNX(ctx, fullKey, owner, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return &redisLease{client: c.client, key: fullKey, owner: owner}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire redis lease %q: %w", key, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	owner  string
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release redis lease: %w", err)
	}
	return nil
}
