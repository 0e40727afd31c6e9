package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ComUnity/web3analytics/internal/util/logger"
)

// RouteLimit overrides the default budget for paths under PathPrefix.
type RouteLimit struct {
	PathPrefix      string
	RatePerInterval int
	Interval        time.Duration
	Burst           int
	Cost            int
}

type LimiterConfig struct {
	RatePerInterval int
	Interval        time.Duration
	Burst           int
	HeaderKeys      []string
	RouteLimits     []RouteLimit

	// Redis mode (optional). Buckets are shared between agents.
	Redis     redis.Scripter
	KeyPrefix string
	BucketTTL time.Duration

	TrustedProxyIPHeaders []string
	TrustedProxyCIDRs     []string
}

type RateLimiter struct {
	mu       sync.RWMutex
	cfg      LimiterConfig
	buckets  map[string]*tokenBucket
	trustedN []*net.IPNet
	now      func() time.Time
}

func NewRateLimiter(cfg LimiterConfig) *RateLimiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:"
	}
	if cfg.BucketTTL <= 0 {
		cfg.BucketTTL = time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerInterval
	}
	return &RateLimiter{
		cfg:      cfg,
		buckets:  make(map[string]*tokenBucket),
		trustedN: parseCIDRs(cfg.TrustedProxyCIDRs),
		now:      time.Now,
	}
}

// Enabled reports whether any budget is configured. A zero rate disables
// limiting entirely.
func (rl *RateLimiter) Enabled() bool {
	return rl.cfg.RatePerInterval > 0
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	if !rl.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rate, interval, burst, cost := rl.limitsFor(r.URL.Path)
		key := rl.buildKey(r)

		if rl.cfg.Redis != nil {
			ok, err := redisAllow(r.Context(), rl.cfg.Redis, rl.cfg.KeyPrefix+key,
				rate, interval, burst, cost, rl.cfg.BucketTTL, rl.now())
			if err != nil {
				// Fail open while the shared store is unreachable.
				logger.Warn("rate limit: redis unavailable: %v", err)
				w.Header().Set("X-RateLimit-Degraded", "true")
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				writeTooMany(w)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if !rl.getOrCreateBucket(key, rate, interval, burst).allow(cost, rl.now()) {
			writeTooMany(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeTooMany(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

func (rl *RateLimiter) limitsFor(path string) (rate int, interval time.Duration, burst, cost int) {
	rate, interval, burst, cost = rl.cfg.RatePerInterval, rl.cfg.Interval, rl.cfg.Burst, 1
	for _, rlmt := range rl.cfg.RouteLimits {
		if !strings.HasPrefix(path, rlmt.PathPrefix) {
			continue
		}
		if rlmt.RatePerInterval > 0 {
			rate = rlmt.RatePerInterval
		}
		if rlmt.Interval > 0 {
			interval = rlmt.Interval
		}
		if rlmt.Burst > 0 {
			burst = rlmt.Burst
		}
		if rlmt.Cost > 0 {
			cost = rlmt.Cost
		}
		break
	}
	return rate, interval, burst, cost
}

func (rl *RateLimiter) buildKey(r *http.Request) string {
	ipStr := clientIP(r, rl.cfg.TrustedProxyIPHeaders, rl.trustedN).String()
	if len(rl.cfg.HeaderKeys) == 0 {
		return ipStr
	}
	parts := []string{ipStr}
	for _, h := range rl.cfg.HeaderKeys {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "|")
}

type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
}

func newBucket(rate int, interval time.Duration, burst int, now time.Time) *tokenBucket {
	return &tokenBucket{
		capacity:   float64(burst),
		tokens:     float64(burst),
		refillRate: float64(rate) / interval.Seconds(),
		lastRefill: now,
	}
}

func (b *tokenBucket) allow(cost int, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true
	}
	return false
}

func (rl *RateLimiter) getOrCreateBucket(key string, rate int, interval time.Duration, burst int) *tokenBucket {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if exists {
		return b
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, exists := rl.buckets[key]; exists {
		return b
	}
	b = newBucket(rate, interval, burst, rl.now())
	rl.buckets[key] = b
	return b
}

var tokenBucketScript = redis.NewScript(`
-- KEYS = bucket key
-- ARGV = now_ms, rate_per_sec, capacity, cost, ttl_sec
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if not tokens or not ts then
  tokens = cap
  ts = now
else
  local elapsed = (now - ts) / 1000
  tokens = math.min(cap, tokens + (elapsed * rate))
  ts = now
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "ts", tostring(ts))
redis.call("EXPIRE", key, ttl)

return allowed
`)

func redisAllow(ctx context.Context, rdb redis.Scripter, key string,
	rate int, interval time.Duration, burst, cost int, ttl time.Duration, now time.Time,
) (bool, error) {
	ratePerSec := float64(rate) / interval.Seconds()
	res, err := tokenBucketScript.Run(ctx, rdb, []string{key},
		now.UnixMilli(),
		ratePerSec,
		burst,
		cost,
		int(ttl.Seconds()),
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
