package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	// Max requests per Window.
	Max    int
	Window time.Duration
	// KeyFunc picks the bucket for a request. Defaults to ClientIP.
	KeyFunc func(*http.Request) string
	// Limiter defaults to an in-process SlidingWindow.
	Limiter Limiter
}

// window tracks two adjacent fixed windows for the sliding estimate.
type window struct {
	prevCount float64
	prevStart time.Time
	currCount float64
	currStart time.Time
}

// SlidingWindow approximates a sliding window by weighting the previous fixed
// window by its overlap with the current one. State is per process.
type SlidingWindow struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

// NewSlidingWindow creates an in-process limiter.
func NewSlidingWindow(maxRequests int, d time.Duration) *SlidingWindow {
	return &SlidingWindow{
		max:     maxRequests,
		window:  d,
		windows: make(map[string]*window),
	}
}

// Allow implements Limiter. It never fails.
func (l *SlidingWindow) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{currStart: now.Truncate(l.window)}
		l.windows[key] = w
	}
	if now.Sub(w.currStart) >= l.window {
		w.prevCount, w.prevStart = w.currCount, w.currStart
		w.currCount = 0
		w.currStart = now.Truncate(l.window)
		if now.Sub(w.prevStart) >= 2*l.window {
			w.prevCount = 0
		}
	}

	overlap := max(1-now.Sub(w.currStart).Seconds()/l.window.Seconds(), 0)
	count := w.prevCount*overlap + w.currCount
	resetAt := w.currStart.Add(l.window)
	if count >= float64(l.max) {
		return Decision{ResetAt: resetAt}, nil
	}
	w.currCount++
	return Decision{
		Allowed:   true,
		Remaining: max(int(float64(l.max)-count-1), 0),
		ResetAt:   resetAt,
	}, nil
}

// evict drops keys idle for two windows.
func (l *SlidingWindow) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if now.Sub(w.currStart) >= 2*l.window {
			delete(l.windows, key)
		}
	}
}

// RunEviction evicts idle keys every two windows until ctx is done.
func (l *SlidingWindow) RunEviction(ctx context.Context) {
	ticker := time.NewTicker(2 * l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

// RedisCounter is the subset of redis.Cmdable used by RedisWindow.
type RedisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	ExpireAt(ctx context.Context, key string, tm time.Time) *redis.BoolCmd
}

// RedisWindow counts fixed windows in Redis so that every API instance shares
// one budget per key.
type RedisWindow struct {
	client RedisCounter
	prefix string
	max    int
	window time.Duration
}

// NewRedisWindow creates a shared limiter. Keys are stored as
// prefix:key:windowStartUnix.
func NewRedisWindow(client RedisCounter, prefix string, maxRequests int, d time.Duration) *RedisWindow {
	return &RedisWindow{client: client, prefix: prefix, max: maxRequests, window: d}
}

// Allow implements Limiter.
func (l *RedisWindow) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	start := now.Truncate(l.window)
	resetAt := start.Add(l.window)
	k := l.prefix + ":" + key + ":" + strconv.FormatInt(start.Unix(), 10)

	n, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return Decision{}, errors.Wrap(err, "incr")
	}
	if n == 1 {
		if err := l.client.ExpireAt(ctx, k, resetAt.Add(time.Second)).Err(); err != nil {
			return Decision{}, errors.Wrap(err, "expire")
		}
	}
	if n > int64(l.max) {
		return Decision{ResetAt: resetAt}, nil
	}
	return Decision{
		Allowed:   true,
		Remaining: l.max - int(n),
		ResetAt:   resetAt,
	}, nil
}

// RateLimit rejects requests over the budget with 429 and sets the
// X-RateLimit-* headers on every response. Limiter errors let the request
// through.
func RateLimit(cfg RateLimitConfig) Middleware {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = ClientIP
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewSlidingWindow(cfg.Max, cfg.Window)
	}
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			d, err := limiter.Allow(r.Context(), keyFunc(r), now)
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				wait := max(d.ResetAt.Sub(now), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys by the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
