package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL outlives any realistic validity window. Once a key expires
// the counters it guarded are already outside the window.
const DefaultRedisTTL = 10 * time.Minute

// acceptScript sets KEYS[1] to ARGV[1] only if it is absent or smaller
var acceptScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RedisGuard shares counters between instances through Redis
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisGuard creates a guard. ttl must exceed (2*window+1)*period.
func NewRedisGuard(client redis.UniversalClient, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisGuard{
		client: client,
		prefix: "totp:last_counter:",
		ttl:    ttl,
	}
}

// Accept runs the compare-and-set script
func (g *RedisGuard) Accept(ctx context.Context, principalID string, counter int64) (bool, error) {
	res, err := acceptScript.Run(ctx, g.client, []string{g.prefix + principalID}, counter, g.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to check replay counter: %w", err)
	}
	return res == 1, nil
}

// Forget removes the principal's counter
func (g *RedisGuard) Forget(ctx context.Context, principalID string) error {
	if err := g.client.Del(ctx, g.prefix+principalID).Err(); err != nil {
		return fmt.Errorf("failed to delete replay counter: %w", err)
	}
	return nil
}
