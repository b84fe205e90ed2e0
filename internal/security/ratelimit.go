package security

import (
    "context"
    "fmt"
    "net/http"
    "strconv"
    "time"

    "github.com/redis/go-redis/v9"
)

// Limiter is a redis-backed token bucket keyed per caller. A nil redis
// client or zero capacity disables limiting, which keeps dev setups and
// tests free of a redis dependency.
type Limiter struct {
    Redis      *redis.Client
    Prefix     string
    Capacity   int
    RefillRate float64 // tokens per second
}

// The bucket state lives in one hash per key; refill and take happen in a
// single script execution so concurrent requests cannot double-spend.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(data[1])
local last = tonumber(data[2])

if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = now - last
if delta < 0 then delta = 0 end

local filled = tokens + (delta * refill_rate)
if filled > capacity then filled = capacity end

local allowed = 0
if filled >= 1 then
  allowed = 1
  filled = filled - 1
end

redis.call('HSET', key, 'tokens', filled, 'last', now)
redis.call('EXPIRE', key, ttl)

return {allowed, filled}
`)

// Allow takes one token for the key. It reports whether the request may
// proceed and roughly how many tokens remain.
func (l *Limiter) Allow(ctx context.Context, rawKey string) (bool, int, error) {
    if l.Redis == nil || l.Capacity <= 0 || l.RefillRate <= 0 {
        return true, 0, nil
    }

    key := rawKey
    if l.Prefix != "" {
        key = l.Prefix + ":" + rawKey
    }

    now := float64(time.Now().UnixNano()) / 1e9
    ttl := int64(float64(l.Capacity)/l.RefillRate) + 1

    res, err := bucketScript.Run(ctx, l.Redis, []string{key}, l.Capacity, l.RefillRate, now, ttl).Result()
    if err != nil {
        return false, 0, err
    }

    vals, ok := res.([]interface{})
    if !ok || len(vals) != 2 {
        return false, 0, fmt.Errorf("unexpected script reply %T", res)
    }

    allowed, err := scriptNumber(vals[0])
    if err != nil {
        return false, 0, err
    }
    remaining, err := scriptNumber(vals[1])
    if err != nil {
        return false, 0, err
    }
    return allowed >= 1, int(remaining), nil
}

func scriptNumber(v interface{}) (float64, error) {
    switch t := v.(type) {
    case int64:
        return float64(t), nil
    case float64:
        return t, nil
    case string:
        return strconv.ParseFloat(t, 64)
    default:
        return 0, fmt.Errorf("unexpected script value %T", v)
    }
}

// RateLimit rejects requests whose bucket is empty. Requests with no key
// (keyFn returned "") pass through unlimited.
func RateLimit(l *Limiter, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
    return func(next http.Handler) http.Handler {
        return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            key := ""
            if keyFn != nil {
                key = keyFn(r)
            }
            if key == "" {
                next.ServeHTTP(w, r)
                return
            }

            allowed, _, err := l.Allow(r.Context(), key)
            if err != nil {
                WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
                return
            }
            if !allowed {
                WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
                return
            }

            next.ServeHTTP(w, r)
        })
    }
}
