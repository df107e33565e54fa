// Package ratelimit throttles enqueue traffic per library with Redis-backed
// token buckets, so one misbehaving scanner cannot flood the job table for
// every library at once.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limit is a bucket's capacity and refill rate.
type Limit struct {
	Capacity        int
	RefillPerSecond float64
}

// LibraryLimiter keeps one token bucket per library. Libraries start on the
// default limit; heavier ones (a large library mid-rescan) can be given their
// own via SetLibraryLimit.
type LibraryLimiter struct {
	client *redis.Client
	def    Limit
	ttl    time.Duration

	mu        sync.RWMutex
	overrides map[int64]Limit
}

// NewLibraryLimiter constructs a limiter with the default per-library limit.
func NewLibraryLimiter(client *redis.Client, def Limit, ttl time.Duration) *LibraryLimiter {
	return &LibraryLimiter{
		client:    client,
		def:       def,
		ttl:       ttl,
		overrides: make(map[int64]Limit),
	}
}

// SetLibraryLimit overrides the limit for one library. A zero-capacity limit
// restores the default.
func (l *LibraryLimiter) SetLibraryLimit(libraryID int64, limit Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit.Capacity <= 0 {
		delete(l.overrides, libraryID)
		return
	}
	l.overrides[libraryID] = limit
}

// AllowLibrary consumes one token from the library's bucket if available.
// Returns the allowed flag and the remaining token count.
func (l *LibraryLimiter) AllowLibrary(ctx context.Context, libraryID int64) (bool, float64, error) {
	limit := l.limitFor(libraryID)
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{libraryKey(libraryID)},
		limit.Capacity, limit.RefillPerSecond, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket script result %v", res)
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

func (l *LibraryLimiter) limitFor(libraryID int64) Limit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit, ok := l.overrides[libraryID]; ok {
		return limit
	}
	return l.def
}

func libraryKey(libraryID int64) string {
	return fmt.Sprintf("ingest:rl:lib:%d", libraryID)
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
