package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/docpipe/docpipe/internal/models"
	"github.com/docpipe/docpipe/pkg/logger"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed      bool  `json:"allowed"`
	Limit        int   `json:"limit"`
	Remaining    int   `json:"remaining"`
	CurrentCount int   `json:"currentCount"`
	ResetInMs    int64 `json:"resetInMs"`
	RetryAfterMs int64 `json:"retryAfterMs"`
}

// Limiter implements sliding-window-log admission control on a Redis ZSET
// of request timestamps. Eviction, the admit decision and the timestamp
// insert run as one Lua script, so concurrent workers across processes
// cannot race the count past the configured maximum.
//
// When Redis itself is unavailable the limiter fails open: work is never
// blocked by limiter infrastructure, only logged as degraded.
type Limiter struct {
	rdb    redis.UniversalClient
	logger logger.Logger
	now    func() time.Time
}

func NewLimiter(rdb redis.UniversalClient, log logger.Logger) *Limiter {
	return &Limiter{rdb: rdb, logger: log, now: time.Now}
}

// KEYS[1] timestamp zset
// ARGV[1] now ms, ARGV[2] window ms, ARGV[3] max requests,
// ARGV[4] 1 to consume a slot, ARGV[5] unique member for the insert.
// Returns {allowed, count after the call, retryAfterMs, resetInMs}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local consume = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

local reset = 0
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest == 2 then
  reset = tonumber(oldest[2]) + window - now
  if reset < 0 then
    reset = 0
  end
end

if count < max then
  if consume == 1 then
    redis.call('ZADD', key, now, ARGV[5])
    redis.call('PEXPIRE', key, window)
    count = count + 1
    if reset == 0 then
      reset = window
    end
  end
  return {1, count, 0, reset}
end

return {0, count, reset, reset}
`)

// CheckAndConsume admits the request and records its timestamp when budget
// remains, or denies it with a retry hint computed from the oldest
// surviving timestamp.
func (l *Limiter) CheckAndConsume(ctx context.Context, resourceKey string, cfg models.RateLimitConfig) (*Decision, error) {
	return l.run(ctx, resourceKey, cfg, true)
}

// Status reads the remaining budget without consuming a slot.
func (l *Limiter) Status(ctx context.Context, resourceKey string, cfg models.RateLimitConfig) (*Decision, error) {
	return l.run(ctx, resourceKey, cfg, false)
}

func (l *Limiter) run(ctx context.Context, resourceKey string, cfg models.RateLimitConfig, consume bool) (*Decision, error) {
	windowMs := cfg.WindowDuration().Milliseconds()
	nowMs := l.now().UnixMilli()

	consumeFlag := 0
	if consume {
		consumeFlag = 1
	}
	member := uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{"ratelimit:" + resourceKey},
		nowMs, windowMs, cfg.MaxRequests, consumeFlag, member,
	).Int64Slice()
	if err != nil {
		// Fail open: availability beats strict limiting when the shared
		// store is down.
		l.logger.Warn("Rate limiter store unavailable, failing open",
			logger.String("resourceKey", resourceKey),
			logger.Error(err),
		)
		return &Decision{
			Allowed:   true,
			Limit:     cfg.MaxRequests,
			Remaining: cfg.MaxRequests,
		}, nil
	}

	allowed := res[0] == 1
	count := int(res[1])
	remaining := cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}

	return &Decision{
		Allowed:      allowed,
		Limit:        cfg.MaxRequests,
		Remaining:    remaining,
		CurrentCount: count,
		RetryAfterMs: res[2],
		ResetInMs:    res[3],
	}, nil
}
