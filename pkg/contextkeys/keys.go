// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/tenantry/pkg/contextkeys"
//	ctx = contextkeys.WithRequestID(ctx, id)
//	principal := rbac.PrincipalFromContext(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains *rbac.Principal
	// Set by: middleware.PrincipalMiddleware (pkg/middleware/principal.go)
	// Required by: rbac.Guard, audit handlers
	// Type: *rbac.Principal
	PrincipalKey Key = "principal"

	// DecisionKey contains rbac.Decision for the guarded operation
	// Set by: rbac.Guard (pkg/rbac/middleware.go)
	// Used by: handlers that need the resolved organisation and role
	// Type: rbac.Decision
	DecisionKey Key = "authorization_decision"

	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestIDMiddleware
	// Used by: Logger, audit request metadata, tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// SessionIDKey contains the caller's session ID string
	// Set by: middleware.RequestIDMiddleware (from X-Session-Id)
	// Used by: audit request metadata
	// Type: string
	SessionIDKey Key = "session_id"

	// UserIDKey contains user ID string
	// Set by: middleware.PrincipalMiddleware
	// Used by: Logger
	// Type: string
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.LoggingMiddleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithPrincipal adds the verified principal to the context
func WithPrincipal(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// WithDecision adds an authorization decision to the context
func WithDecision(ctx context.Context, decision interface{}) context.Context {
	return context.WithValue(ctx, DecisionKey, decision)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithSessionID adds session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetSessionID retrieves session ID from context
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}
