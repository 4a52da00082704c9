package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/tenantry/pkg/contextkeys"
)

const (
	HeaderRequestID = "X-Request-Id"
	HeaderSessionID = "X-Session-Id"

	maxRequestIDLength = 128
)

// RequestIDMiddleware keeps a caller supplied X-Request-Id or generates one,
// echoes it on the response and stores it with the session id in the context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		ctx := contextkeys.WithRequestID(r.Context(), requestID)
		if sessionID := strings.TrimSpace(r.Header.Get(HeaderSessionID)); sessionID != "" {
			ctx = contextkeys.WithSessionID(ctx, sessionID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
