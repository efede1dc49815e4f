package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/wisbric/fleetswitch/internal/authtenant"
	"github.com/wisbric/fleetswitch/internal/httpserver"
)

// TenantLimiter enforces a per-tenant leaky-bucket rate limit on the
// authenticated API surface (spec.md §5 backpressure), mirroring the
// teacher's Redis-backed auth.RateLimiter but kept in-process since this
// system is scoped to a single control-plane process (SPEC_FULL.md §5).
type TenantLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewTenantLimiter creates a limiter allowing rps requests per second per
// tenant, with burst capacity burst.
func NewTenantLimiter(rps float64, burst int) *TenantLimiter {
	return &TenantLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *TenantLimiter) limiterFor(tenant string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[tenant] = lim
	}
	return lim
}

// Middleware rejects requests past the calling tenant's allotment with 429.
func (l *TenantLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := authtenant.FromContext(r.Context())
		if id == nil {
			next.ServeHTTP(w, r)
			return
		}
		if !l.limiterFor(id.TenantID.String()).Allow() {
			w.Header().Set("Retry-After", "1")
			httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "tenant request rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
