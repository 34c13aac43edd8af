package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/kuitang/rcprobe/internal/obs"
)

// Middleware throttles requests by key. key returning "" skips limiting;
// perMinute is read on every request so a settings change applies at once.
// Rejected requests get 429 with Retry-After and X-RateLimit-Remaining.
func Middleware(limiter *RateLimiter, key func(r *http.Request) string, perMinute func(r *http.Request) int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}
			perMin := perMinute(r)
			l := limiter.GetLimiter(k, perMin)
			res := l.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				retry := int(math.Ceil(delay.Seconds()))
				if delay == rate.InfDuration || retry < 1 {
					retry = 1
				}
				obs.From(r.Context()).Warn("login_rate_limited", "pkg", "ratelimit", "per_minute", perMin)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte("Too many login attempts, please try again later"))
				return
			}
			if perMin > 0 {
				remaining := max(int(l.Tokens()), 0)
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the request's remote host without the port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
