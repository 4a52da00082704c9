package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/platinummonkey/tenantry/pkg/httputil"
	"github.com/platinummonkey/tenantry/pkg/observability"
	"github.com/platinummonkey/tenantry/pkg/rbac"
)

// RateLimitOption configures a RateLimitMiddleware
type RateLimitOption func(*RateLimitMiddleware)

// WithRejectionHook is called with the middleware name for every 429
func WithRejectionHook(hook func(limiter string)) RateLimitOption {
	return func(m *RateLimitMiddleware) {
		m.onReject = hook
	}
}

// WithFailClosed answers 503 when the limiter backend fails instead of
// letting the request through.
func WithFailClosed() RateLimitOption {
	return func(m *RateLimitMiddleware) {
		m.failOpen = false
	}
}

// RateLimitMiddleware limits principals by id and anonymous callers by
// client IP, each with its own limiter.
type RateLimitMiddleware struct {
	name      string
	user      Limiter
	anonymous Limiter
	failOpen  bool
	onReject  func(limiter string)
}

// NewRateLimitMiddleware creates a middleware named name, which labels
// metrics and logs.
func NewRateLimitMiddleware(name string, user, anonymous Limiter, opts ...RateLimitOption) *RateLimitMiddleware {
	m := &RateLimitMiddleware{
		name:      name,
		user:      user,
		anonymous: anonymous,
		failOpen:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		limiter, key := m.anonymous, "ip:"+httputil.ClientIP(r)
		if principal := rbac.PrincipalFromContext(ctx); principal.Authenticated() {
			limiter, key = m.user, "user:"+principal.ID
		}

		res, err := limiter.Allow(ctx, key)
		if err != nil {
			log := observability.FromContext(ctx).WithError(err).WithField("limiter", m.name)
			if m.failOpen {
				log.Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			log.Error("rate limiter unavailable")
			httputil.WriteServiceUnavailable(w, "service temporarily unavailable")
			return
		}

		setRateLimitHeaders(w, res)
		if !res.Allowed {
			if m.onReject != nil {
				m.onReject(m.name)
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.ResetAfter)))
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, res Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(res.ResetAfter).Unix(), 10))
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
