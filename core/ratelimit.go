package core

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"argus/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// tokenBucketScript refills and consumes in a single server-side EVAL so
// concurrent callers cannot race a read-then-write pair.
// KEYS[1] = bucket key, ARGV = refill_rate, capacity, now_seconds, ttl_seconds.
// Returns {allowed(0|1), tokens_remaining}.
var tokenBucketScript = redis.NewScript(`
local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
local last = tonumber(redis.call('HGET', KEYS[1], 'last_refill'))
local refill = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
if tokens == nil then
  tokens = capacity
  last = now
end
local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * refill)
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last_refill', tostring(now))
redis.call('EXPIRE', KEYS[1], ARGV[4])
return {allowed, tostring(tokens)}
`)

// RateLimiterConfig holds token-bucket parameters shared by all keys.
type RateLimiterConfig struct {
	// RefillRate is tokens added per second
	RefillRate float64
	// Capacity is the maximum token count per bucket
	Capacity float64
	// KeyTTL is how long idle bucket state is kept in Redis
	KeyTTL time.Duration
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RefillRate: 10,
		Capacity:   100,
		KeyTTL:     10 * time.Minute,
	}
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// RateLimiter gates tenant load with a token bucket per (tenant, source)
// key. When Redis is configured the check-and-consume runs as one atomic
// server-side script; otherwise a mutex-guarded in-process limiter is used.
type RateLimiter struct {
	config RateLimiterConfig
	redis  *RedisClient
	logger *zap.SugaredLogger

	localMu sync.Mutex
	local   map[string]*rate.Limiter

	// now is injectable for tests
	now func() time.Time
}

// NewRateLimiter creates a rate limiter. redis may be nil, in which case
// all checks use the in-process fallback.
func NewRateLimiter(config RateLimiterConfig, redisClient *RedisClient, logger *zap.SugaredLogger) *RateLimiter {
	return &RateLimiter{
		config: config,
		redis:  redisClient,
		logger: logger,
		local:  make(map[string]*rate.Limiter),
		now:    time.Now,
	}
}

// Check attempts to consume one token for the (tenant, source) key. Denial
// returns a Decision with Allowed=false and a positive RetryAfter; the
// caller converts that into a RateLimitError where appropriate.
func (rl *RateLimiter) Check(ctx context.Context, tenantID, source string) (Decision, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", tenantID, source)

	if rl.redis != nil {
		decision, err := rl.checkRedis(ctx, key)
		if err == nil {
			if !decision.Allowed {
				metrics.RateLimitDenials.WithLabelValues(tenantID, source).Inc()
			}
			return decision, nil
		}
		// Redis failure degrades to the in-process limiter rather than
		// blocking all tenant traffic.
		rl.logger.Warnf("Redis rate limit check failed for %s, falling back to local limiter: %v", key, err)
	}

	decision := rl.checkLocal(key)
	if !decision.Allowed {
		metrics.RateLimitDenials.WithLabelValues(tenantID, source).Inc()
	}
	return decision, nil
}

// CheckErr is Check with the denial mapped to a RateLimitError.
func (rl *RateLimiter) CheckErr(ctx context.Context, tenantID, source string) error {
	decision, err := rl.Check(ctx, tenantID, source)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &RateLimitError{
			Key:        fmt.Sprintf("%s/%s", tenantID, source),
			RetryAfter: decision.RetryAfter,
		}
	}
	return nil
}

func (rl *RateLimiter) checkRedis(ctx context.Context, key string) (Decision, error) {
	now := float64(rl.now().UnixNano()) / float64(time.Second)
	ttl := int(rl.config.KeyTTL.Seconds())
	if ttl < 1 {
		ttl = 1
	}

	res, err := rl.redis.Run(ctx, tokenBucketScript, []string{key},
		rl.config.RefillRate, rl.config.Capacity, now, ttl)
	if err != nil {
		return Decision{}, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("unexpected token bucket script result: %v", res)
	}

	allowed, _ := vals[0].(int64)
	var remaining float64
	if s, ok := vals[1].(string); ok {
		fmt.Sscanf(s, "%f", &remaining)
	}

	decision := Decision{
		Allowed:   allowed == 1,
		Remaining: remaining,
	}
	if !decision.Allowed {
		decision.RetryAfter = rl.retryAfter(remaining)
	}
	return decision, nil
}

func (rl *RateLimiter) checkLocal(key string) Decision {
	rl.localMu.Lock()
	defer rl.localMu.Unlock()

	limiter, exists := rl.local[key]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(rl.config.RefillRate), int(rl.config.Capacity))
		rl.local[key] = limiter
	}

	if limiter.Allow() {
		return Decision{Allowed: true, Remaining: limiter.Tokens()}
	}

	remaining := limiter.Tokens()
	return Decision{
		Allowed:    false,
		Remaining:  remaining,
		RetryAfter: rl.retryAfter(remaining),
	}
}

// retryAfter computes ceil((1 - tokens_remaining) / refill_rate) seconds,
// the earliest point a single-token consume can succeed.
func (rl *RateLimiter) retryAfter(remaining float64) time.Duration {
	if rl.config.RefillRate <= 0 {
		return time.Minute
	}
	deficit := 1 - remaining
	if deficit < 0 {
		deficit = 0
	}
	seconds := math.Ceil(deficit / rl.config.RefillRate)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}
