// Package middleware provides the HTTP middleware in front of the history API:
// principal extraction, request ids and rate limiting.
//
// The identity layer verifies callers before they reach this service and
// forwards the result in X-Principal-Id and X-Principal-Super-Admin.
// PrincipalMiddleware turns those headers into an *rbac.Principal in the
// request context; it never authenticates anything itself.
//
// Rate limiting keys principals by id and anonymous callers by client IP.
// RateLimiter keeps token buckets in process; DistributedRateLimiter keeps a
// fixed window counter in Redis so replicas share limits:
//
//	limiter := middleware.NewRateLimitMiddleware("redis",
//		middleware.NewDistributedRateLimiter(client, middleware.PerUserRateLimitConfig(), "tenantry:rl:user"),
//		middleware.NewDistributedRateLimiter(client, middleware.DefaultRateLimitConfig(), "tenantry:rl:anon"),
//		middleware.WithRejectionHook(metrics.ObserveRateLimited),
//	)
//	router.Use(limiter.Handler)
//
// Backend failures let requests through unless WithFailClosed is set.
package middleware
