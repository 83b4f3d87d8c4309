package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"receiptscanner/internal/util"
)

// Limiter takes one unit of quota for key.
type Limiter interface {
	Take(ctx context.Context, key string) Decision
}

// Middleware rejects requests over quota with 429. Keys are the client IP
// under scope, so each route family has its own budget. A nil limiter
// disables limiting.
func Middleware(l Limiter, scope string, trusted *util.TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Take(r.Context(), util.ClientKey(r, trusted, scope))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			util.LoggerFromContext(r.Context()).Warn("rate limited", "scope", scope, "client", util.ClientIP(r, trusted))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.ResetAt, time.Now())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
		})
	}
}

func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(secs, 1)
}
