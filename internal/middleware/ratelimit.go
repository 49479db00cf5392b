package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/dify-chat/backend/pkg/utils"
)

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

// Limiter hands out one token bucket per session.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*limiterEntry
	limit   rate.Limit
	burst   int
}

// NewLimiter allows perMinute requests per session with the given burst.
// A non-positive perMinute disables limiting.
func NewLimiter(perMinute float64, burst int) *Limiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	return &Limiter{
		buckets: make(map[string]*limiterEntry),
		limit:   limit,
		burst:   burst,
	}
}

// Allow reports whether key may make another request now.
func (l *Limiter) Allow(key string) bool {
	if l.limit == rate.Inf {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	entry, ok := l.buckets[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = entry
	}
	entry.seen = now
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Prune forgets buckets unused for longer than idle.
func (l *Limiter) Prune(now time.Time, idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, entry := range l.buckets {
		if now.Sub(entry.seen) > idle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// RateLimit rejects requests from sessions that exceed l.
func RateLimit(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := GetSession(r.Context())
			if sess != nil && !l.Allow(sess.ID) {
				log.Debug().Str("session", sess.ID).Msg("rate limited")
				w.Header().Set("Retry-After", "60")
				utils.RespondError(w, http.StatusTooManyRequests, "Too many requests, please wait a moment.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
