package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript 在 Redis 內原子地補充並扣除令牌
//
// KEYS[1]: 桶的 hash key（欄位 tokens / ts）
// ARGV[1]: 容量
// ARGV[2]: 每秒補充速率
// ARGV[3]: 目前時間（毫秒）
// ARGV[4]: 過期秒數
//
// 回傳 1 放行、0 拒絕
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, ttl)
return allowed
`)

// RedisTokenBucket 多個實例共享的令牌桶
type RedisTokenBucket struct {
	client     redis.Scripter
	prefix     string
	capacity   int64
	refillRate int64
	ttl        time.Duration
}

// NewRedisTokenBucket 建立 RedisTokenBucket；key 會加上 prefix
func NewRedisTokenBucket(client redis.Scripter, prefix string, capacity, refillRate int64) *RedisTokenBucket {
	ttl := time.Hour
	if refillRate > 0 {
		// 桶補滿所需時間之後狀態與新桶相同
		ttl = time.Duration(capacity/refillRate+1) * time.Second
	}
	return &RedisTokenBucket{
		client:     client,
		prefix:     prefix,
		capacity:   capacity,
		refillRate: refillRate,
		ttl:        ttl,
	}
}

// Allow 實現 Limiter
//
// Redis 出錯時回傳 true 與錯誤，由呼叫端決定是否放行。
func (b *RedisTokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	result, err := tokenBucketScript.Run(ctx, b.client,
		[]string{b.prefix + key},
		b.capacity,
		b.refillRate,
		time.Now().UnixMilli(),
		int64(b.ttl/time.Second),
	).Int()
	if err != nil {
		return true, fmt.Errorf("redis token bucket: %w", err)
	}
	return result == 1, nil
}
