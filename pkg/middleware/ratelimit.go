package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/ngoyal88/promptrelay/pkg/cache"
	"github.com/ngoyal88/promptrelay/pkg/config"
	"github.com/ngoyal88/promptrelay/pkg/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Paths that are never limited.
var unlimitedPrefixes = []string{"/health", "/metrics", "/admin"}

const localIdleTTL = 10 * time.Minute

// RateLimiter caps requests per client IP per minute. With Redis the count
// is shared between relay instances; otherwise each instance keeps its own
// token buckets. A Redis failure lets the request through.
type RateLimiter struct {
	limit  redis_rate.Limit
	redis  *redis_rate.Limiter
	logger *zap.Logger

	mu        sync.Mutex
	local     map[string]*localBucket
	lastSweep time.Time
}

type localBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds the limiter. rdb may be nil.
func NewRateLimiter(cfg config.RateLimitConfig, rdb *cache.Client, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 100
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = perMinute
	}

	rl := &RateLimiter{
		limit:  redis_rate.Limit{Rate: perMinute, Burst: burst, Period: time.Minute},
		logger: logger.With(logging.Component("ratelimit")),
		local:  make(map[string]*localBucket),
	}
	if rdb != nil {
		rl.redis = redis_rate.NewLimiter(rdb.Redis())
	}
	return rl
}

// Middleware applies the limit in front of next.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range unlimitedPrefixes {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := ClientIP(r)
		allowed, remaining, retryAfter := l.allow(r.Context(), ip)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit.Rate))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			rejections.WithLabelValues("rate_limited").Inc()
			l.logger.Warn("rate limit exceeded", zap.String("client_ip", ip))
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds()+0.5)))
			}
			respondError(w, http.StatusTooManyRequests, apiError{
				Message: "Too many requests. Please try again later.",
				Type:    errTypeRateLimit,
				Code:    "rate_limit_exceeded",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) allow(ctx context.Context, ip string) (bool, int, time.Duration) {
	if l.redis != nil {
		ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()

		res, err := l.redis.Allow(ctx, "promptrelay:ratelimit:"+ip, l.limit)
		if err == nil {
			return res.Allowed > 0, res.Remaining, res.RetryAfter
		}
		l.logger.Warn("rate limit backend unavailable, allowing request", zap.Error(err))
		return true, l.limit.Rate, 0
	}
	return l.allowLocal(ip)
}

func (l *RateLimiter) allowLocal(ip string) (bool, int, time.Duration) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > time.Minute {
		for k, b := range l.local {
			if now.Sub(b.lastSeen) > localIdleTTL {
				delete(l.local, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.local[ip]
	if !ok {
		every := l.limit.Period / time.Duration(l.limit.Rate)
		b = &localBucket{lim: rate.NewLimiter(rate.Every(every), l.limit.Burst)}
		l.local[ip] = b
	}
	b.lastSeen = now

	res := b.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, 0, delay
	}
	remaining := int(b.lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining, 0
}
