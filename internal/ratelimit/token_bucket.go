package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens), ts}
`

const keyAggregatorBucket = "evv:aggregator:bucket:%s"

const minBucketWait = 10 * time.Millisecond

var ErrLimiterNotConfigured = errors.New("rate_limiter_not_configured")

type RateLimitResult struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket is a redis backed bucket shared by every process that uses
// the same key.
type TokenBucket struct {
	client redis.Scripter
	script *redis.Script
}

func NewTokenBucket(client redis.Scripter) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	if t == nil || t.client == nil {
		return nil, ErrLimiterNotConfigured
	}
	if key == "" {
		return nil, errors.New("rate limiter key is empty")
	}
	if rate <= 0 || burst <= 0 {
		return nil, fmt.Errorf("rate limiter rate and burst must be positive, got %v/%d", rate, burst)
	}

	ttl := bucketTTL(rate, burst)
	res, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, err
	}
	if len(res) < 3 {
		return nil, errors.New("invalid rate limit script response")
	}

	allowed := toInt(res[0]) == 1
	remaining := toFloat(res[1])

	var retryAfter time.Duration
	if !allowed {
		if needed := 1.0 - remaining; needed > 0 {
			retryAfter = time.Duration(needed / rate * float64(time.Second))
		}
	}
	return &RateLimitResult{Allowed: allowed, Remaining: remaining, RetryAfter: retryAfter}, nil
}

type allower interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error)
}

// BucketPacer paces calls through a shared token bucket so several replicas
// together stay under the aggregator limit.
type BucketPacer struct {
	bucket allower
	key    string
	rate   float64
	burst  int
	sleep  SleepFunc
}

func NewBucketPacer(bucket *TokenBucket, scope string, rate float64, burst int) *BucketPacer {
	return newBucketPacer(bucket, scope, rate, burst, Sleep)
}

func newBucketPacer(bucket allower, scope string, rate float64, burst int, sleep SleepFunc) *BucketPacer {
	if burst <= 0 {
		burst = 1
	}
	return &BucketPacer{
		bucket: bucket,
		key:    fmt.Sprintf(keyAggregatorBucket, scope),
		rate:   rate,
		burst:  burst,
		sleep:  sleep,
	}
}

func (p *BucketPacer) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := p.bucket.Allow(ctx, p.key, p.rate, p.burst)
		if err != nil {
			return fmt.Errorf("aggregator pacer: %w", err)
		}
		if res.Allowed {
			return nil
		}
		wait := res.RetryAfter
		if wait < minBucketWait {
			wait = minBucketWait
		}
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func toInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}
