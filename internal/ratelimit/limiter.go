// Package ratelimit gates message admission with a per-sender fixed window.
// Two implementations share the Admitter interface: WindowLimiter keeps the
// windows in process memory and is the default for a single relay instance;
// RedisLimiter runs the same check-and-increment atomically in Redis via a
// Lua script so multiple relay instances can share sender windows.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window defines a rate limiting policy: the maximum number of admitted
// messages and the window duration, anchored at the first message.
type Window struct {
	Limit  int
	Length time.Duration
}

// DefaultWindow allows 5 messages per 10 seconds per sender.
var DefaultWindow = Window{Limit: 5, Length: 10 * time.Second}

// Result is the outcome of an admission check.
type Result struct {
	Blocked   bool
	Remaining int
}

// Admitter decides whether a sender may send another message right now.
// Implementations must treat the check-and-increment as a single atomic
// unit, and must not advance a rejected sender's counter past the limit
// (rejection is idempotent).
type Admitter interface {
	Admit(ctx context.Context, senderID string) (Result, error)
}

// admitScript atomically checks and increments a sender's counter. The
// counter never advances past the limit, and the window expiry (set on the
// first increment) stays anchored at the first message.
//
// Returns remaining capacity (>= 0) if admitted, -1 if blocked.
const admitScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local count = tonumber(redis.call('GET', key) or '0')
if count >= limit then
    return -1
end

count = redis.call('INCR', key)
if count == 1 then
    redis.call('PEXPIRE', key, window_ms)
end
return limit - count
`

// RedisLimiter performs admission checks against Redis.
type RedisLimiter struct {
	client *redis.Client
	window Window
	script *redis.Script
	prefix string
}

// NewRedisLimiter creates a RedisLimiter backed by the given client.
func NewRedisLimiter(client *redis.Client, window Window) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		window: window,
		script: redis.NewScript(admitScript),
		prefix: "rl:msg:",
	}
}

// Admit checks whether senderID may send another message. On Redis errors
// the method fails open (admits) so a Redis outage does not block
// legitimate traffic; the error is still returned for logging.
func (l *RedisLimiter) Admit(ctx context.Context, senderID string) (Result, error) {
	key := l.prefix + senderID

	remaining, err := l.script.Run(ctx, l.client, []string{key},
		l.window.Limit, l.window.Length.Milliseconds()).Int()
	if err != nil {
		log.Printf("[ratelimit] redis admit error key=%s: %v (failing open)", key, err)
		return Result{Blocked: false, Remaining: l.window.Limit}, err
	}

	if remaining < 0 {
		return Result{Blocked: true, Remaining: 0}, nil
	}
	return Result{Blocked: false, Remaining: remaining}, nil
}
