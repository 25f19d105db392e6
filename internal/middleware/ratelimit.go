package middleware

import (
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TenantLimiter allows each tenant limit requests per window, refilled evenly.
type TenantLimiter struct {
	limit  int
	window time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewTenantLimiter(limit int, window time.Duration) *TenantLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &TenantLimiter{
		limit:    limit,
		window:   window,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *TenantLimiter) limiter(tenant string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.window/time.Duration(l.limit)), l.limit)
		l.limiters[tenant] = lim
	}
	return lim
}

// Reserve takes one token for tenant. It returns zero when the request may proceed, or
// how long the caller should wait otherwise.
func (l *TenantLimiter) Reserve(tenant string, now time.Time) time.Duration {
	res := l.limiter(tenant).ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
	}
	return delay
}

// Middleware rejects requests over the tenant's budget with 429. Must run after
// RequireTenant.
func (l *TenantLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wait := l.Reserve(GetTenant(r), time.Now()); wait > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(wait.Seconds()))))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"detail": fmt.Sprintf("Rate limit exceeded, retry in %s", wait.Round(time.Second)),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
