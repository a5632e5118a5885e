package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard shares the rolling counters across worker processes. The check
// and the increment happen in one Lua script so concurrent workers cannot
// both slip under the limit.
type RedisGuard struct {
	client *redis.Client
	limits Limits
	script *redis.Script
}

const allowScript = `
local hour_key = KEYS[1]
local day_key = KEYS[2]
local hour_limit = tonumber(ARGV[1])
local day_limit = tonumber(ARGV[2])

local hour = tonumber(redis.call("GET", hour_key) or "0")
local day = tonumber(redis.call("GET", day_key) or "0")

if hour_limit > 0 and hour >= hour_limit then
	return 0
end
if day_limit > 0 and day >= day_limit then
	return 0
end

if redis.call("INCR", hour_key) == 1 then
	redis.call("EXPIRE", hour_key, 3600)
end
if redis.call("INCR", day_key) == 1 then
	redis.call("EXPIRE", day_key, 86400)
end
return 1
`

func NewRedisGuard(client *redis.Client, limits Limits) *RedisGuard {
	return &RedisGuard{
		client: client,
		limits: limits,
		script: redis.NewScript(allowScript),
	}
}

func (g *RedisGuard) Allow(ctx context.Context, scope string) (bool, error) {
	keys := []string{
		fmt.Sprintf("relay:rate:%s:h", scope),
		fmt.Sprintf("relay:rate:%s:d", scope),
	}
	res, err := g.script.Run(ctx, g.client, keys, g.limits.PerHour, g.limits.PerDay).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis allow: %w", err)
	}
	return res == 1, nil
}

// Ping verifies connectivity at startup so a bad Redis address fails fast
// instead of silently stalling every delivery.
func (g *RedisGuard) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return g.client.Ping(ctx).Err()
}
