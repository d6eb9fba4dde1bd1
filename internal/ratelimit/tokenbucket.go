// Package ratelimit 令牌桶限流與 HTTP 中介軟體
//
// 用於地圖上傳 API：每個客戶端 IP 一個桶。
// 單實例使用本地記憶體（KeyedLimiter）；地圖索引放在 Redis 時改用 RedisTokenBucket，
// 讓多個實例共享同一組桶。
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter 依 key 判斷是否放行
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// TokenBucket 令牌桶
//
//  1. 固定容量，以固定速率補充令牌
//  2. 請求取走一個令牌；沒有令牌則拒絕
//  3. 桶內可累積令牌，允許短時間突發
type TokenBucket struct {
	capacity   int64
	tokens     float64
	refillRate float64 // 每秒補充的令牌數
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 建立令牌桶（初始為滿）
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow 嘗試取出一個令牌
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Tokens 目前可用的令牌數（無條件捨去）
func (tb *TokenBucket) Tokens() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

// refill 呼叫端必須持有 tb.mu
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(float64(tb.capacity), tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// full 桶已滿（閒置夠久，可以回收）
func (tb *TokenBucket) full() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens >= float64(tb.capacity)
}

// KeyedLimiter 每個 key 一個令牌桶
//
// 桶滿代表該 key 已閒置到與新桶無異，定期清掉避免 map 無限成長。
type KeyedLimiter struct {
	capacity   int64
	refillRate int64
	now        func() time.Time

	mu        sync.Mutex
	buckets   map[string]*TokenBucket
	calls     int
	sweepEach int
}

// NewKeyedLimiter 建立 KeyedLimiter
func NewKeyedLimiter(capacity, refillRate int64) *KeyedLimiter {
	return &KeyedLimiter{
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
		buckets:    make(map[string]*TokenBucket),
		sweepEach:  1024,
	}
}

// Allow 實現 Limiter；本地限流不會失敗
func (l *KeyedLimiter) Allow(_ context.Context, key string) (bool, error) {
	return l.bucket(key).Allow(), nil
}

// Len 目前追蹤的 key 數
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) bucket(key string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%l.sweepEach == 0 {
		for k, b := range l.buckets {
			if b.full() {
				delete(l.buckets, k)
			}
		}
	}

	b, ok := l.buckets[key]
	if !ok {
		b = newTokenBucket(l.capacity, l.refillRate, l.now)
		l.buckets[key] = b
	}
	return b
}
