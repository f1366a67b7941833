package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/textpulse/internal/provider"
)

// RateLimiter provides atomic rate limiting using Redis Lua scripts
// Prevents race conditions that occur with GET → check → INCR patterns
type RateLimiter struct {
	redis *redis.Client

	// Pre-compiled Lua script for atomicity
	multiLimitScript *redis.Script
}

// RateLimit defines limits for an SMS gateway
type RateLimit struct {
	RequestsPerSecond int
	RequestsPerMinute int
	DailyLimit        int
}

// ProviderLimits defines rate limits per gateway. Twilio long codes top out
// around 1 msg/sec per number; these figures assume a messaging service with
// pooled numbers.
var ProviderLimits = map[provider.Kind]RateLimit{
	provider.KindTwilio: {RequestsPerSecond: 100, RequestsPerMinute: 5000, DailyLimit: 500000},
	provider.KindVonage: {RequestsPerSecond: 30, RequestsPerMinute: 1500, DailyLimit: 250000},
	provider.KindSNS:    {RequestsPerSecond: 20, RequestsPerMinute: 1000, DailyLimit: 100000},
	provider.KindMock:   {RequestsPerSecond: 10000, RequestsPerMinute: 600000, DailyLimit: 10000000},
}

// Lua script for atomic multi-key rate limit check
// This script atomically checks all limits and only increments if ALL pass
const multiLimitLuaScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local dailyKey = KEYS[3]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local minuteLimit = tonumber(ARGV[3])
local dailyLimit = tonumber(ARGV[4])
local secondTTL = tonumber(ARGV[5])
local minuteTTL = tonumber(ARGV[6])
local dailyTTL = tonumber(ARGV[7])

-- Get current values
local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dailyKey) or "0")

-- Check all limits BEFORE incrementing
if secCurrent + increment > secondLimit then
    return {0, 1, secCurrent}  -- denied, reason=second limit
end
if minCurrent + increment > minuteLimit then
    return {0, 2, minCurrent}  -- denied, reason=minute limit
end
if dayCurrent + increment > dailyLimit then
    return {0, 3, dayCurrent}  -- denied, reason=daily limit
end

-- All checks passed - atomically increment all counters
local newSec = redis.call("INCRBY", secondKey, increment)
if newSec == increment then
    redis.call("EXPIRE", secondKey, secondTTL)
end

local newMin = redis.call("INCRBY", minuteKey, increment)
if newMin == increment then
    redis.call("EXPIRE", minuteKey, minuteTTL)
end

local newDay = redis.call("INCRBY", dailyKey, increment)
if newDay == increment then
    redis.call("EXPIRE", dailyKey, dailyTTL)
end

return {1, 0, newDay}  -- allowed, no denial reason
`

// NewRateLimiter creates a rate limiter with a pre-compiled Lua script
func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		redis:            redisClient,
		multiLimitScript: redis.NewScript(multiLimitLuaScript),
	}
}

// NewRateLimiterFromURL creates a rate limiter by connecting to Redis
func NewRateLimiterFromURL(redisURL string) (*RateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Printf("[RateLimiter] Connected to Redis at %s", redisURL)

	return NewRateLimiter(client), nil
}

// CheckAndIncrement atomically checks and increments rate limit counters
func (r *RateLimiter) CheckAndIncrement(ctx context.Context, kind provider.Kind, batchSize int) (allowed bool, waitTime time.Duration, err error) {
	limits, ok := ProviderLimits[kind]
	if !ok {
		return false, 0, fmt.Errorf("unknown provider: %s", kind)
	}

	now := time.Now()

	// Keys with time-based bucketing
	secondKey := fmt.Sprintf("ratelimit:%s:sec:%d", kind, now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:%s:min:%d", kind, now.Unix()/60)
	dailyKey := fmt.Sprintf("ratelimit:%s:day:%s", kind, now.Format("2006-01-02"))

	// Execute atomic Lua script
	result, err := r.multiLimitScript.Run(ctx, r.redis,
		[]string{secondKey, minuteKey, dailyKey},
		batchSize,
		limits.RequestsPerSecond,
		limits.RequestsPerMinute,
		limits.DailyLimit,
		2,     // second TTL
		120,   // minute TTL
		90000, // daily TTL (25 hours)
	).Slice()

	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowedInt := result[0].(int64)
	denialReason := result[1].(int64)

	allowed = allowedInt == 1

	if !allowed {
		switch denialReason {
		case 1: // Second limit
			waitTime = time.Second
		case 2: // Minute limit
			waitTime = time.Duration(60-now.Second()) * time.Second
		case 3: // Daily limit
			return false, 0, fmt.Errorf("daily limit exceeded for %s", kind)
		}
	}

	return allowed, waitTime, nil
}

// GetCurrentUsage returns current usage for a gateway
func (r *RateLimiter) GetCurrentUsage(ctx context.Context, kind provider.Kind) (map[string]int64, error) {
	now := time.Now()

	secondKey := fmt.Sprintf("ratelimit:%s:sec:%d", kind, now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:%s:min:%d", kind, now.Unix()/60)
	dailyKey := fmt.Sprintf("ratelimit:%s:day:%s", kind, now.Format("2006-01-02"))

	pipe := r.redis.Pipeline()
	secCmd := pipe.Get(ctx, secondKey)
	minCmd := pipe.Get(ctx, minuteKey)
	dayCmd := pipe.Get(ctx, dailyKey)
	pipe.Exec(ctx)

	sec, _ := secCmd.Int64()
	min, _ := minCmd.Int64()
	day, _ := dayCmd.Int64()

	limits := ProviderLimits[kind]

	return map[string]int64{
		"second_current": sec,
		"second_limit":   int64(limits.RequestsPerSecond),
		"minute_current": min,
		"minute_limit":   int64(limits.RequestsPerMinute),
		"daily_current":  day,
		"daily_limit":    int64(limits.DailyLimit),
	}, nil
}

// Close closes the Redis connection
func (r *RateLimiter) Close() error {
	return r.redis.Close()
}
