package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courierhq/notification-delivery/internal/domain"
)

const rateLimitKeyPrefix = "ratelimit:"

// consumeScript is the whole token bucket: refill from the elapsed time,
// then take one token or report how long until one exists. Running it as a
// single script keeps the bucket consistent across every worker process
// sharing the coordination store.
//
// KEYS[1] = tokens key, KEYS[2] = last-refill key.
// ARGV[1] = max tokens, ARGV[2] = refill per second, ARGV[3] = now epoch ms.
// Returns {allowed, remaining, retry_after_ms}.
var consumeScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = tonumber(redis.call('GET', KEYS[1]))
local last = tonumber(redis.call('GET', KEYS[2]))
if tokens == nil then tokens = max end
if last == nil then last = now end

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = math.min(max, tokens + (elapsed / 1000) * rate)

if tokens >= 1 then
	tokens = tokens - 1
	redis.call('SET', KEYS[1], tostring(tokens))
	redis.call('SET', KEYS[2], tostring(now))
	return {1, math.floor(tokens), 0}
end

local wait = math.ceil((1 - tokens) * 1000 / rate)
return {0, 0, wait}
`)

// RateLimiter implements domain.RateLimiter as a per-channel token bucket in
// Redis. The per-channel limits come from the resolver (the plugin registry),
// which falls back to the global defaults.
type RateLimiter struct {
	client   *Client
	resolver domain.RateLimitResolver
	now      func() time.Time
}

// NewRateLimiter creates a new RateLimiter.
func NewRateLimiter(client *Client, resolver domain.RateLimitResolver) *RateLimiter {
	return &RateLimiter{
		client:   client,
		resolver: resolver,
		now:      time.Now,
	}
}

func tokensKey(channel domain.Channel) string {
	return rateLimitKeyPrefix + string(channel) + ":tokens"
}

func refillKey(channel domain.Channel) string {
	return rateLimitKeyPrefix + string(channel) + ":refill"
}

// Consume takes one token from the channel's bucket, or reports how long to
// wait for the next one. Denials write no state, so waiting callers do not
// starve each other.
func (r *RateLimiter) Consume(ctx context.Context, channel domain.Channel) (*domain.RateLimitDecision, error) {
	cfg := r.resolver.RateLimitFor(channel)

	res, err := consumeScript.Run(ctx, r.client.client,
		[]string{tokensKey(channel), refillKey(channel)},
		cfg.MaxTokens, cfg.RefillPerSec, r.now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to consume rate limit token: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected rate limit script result: %v", res)
	}

	return &domain.RateLimitDecision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
