package audit

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantry/pkg/contextkeys"
	"github.com/platinummonkey/tenantry/pkg/httputil"
)

const (
	headerRequestID = "X-Request-Id"
	headerSessionID = "X-Session-Id"
)

// MetadataFromRequest describes r for history entries. Request and session ids
// come from the context when middleware set them, otherwise from headers. The
// endpoint is the route template when the request was routed by mux.
func MetadataFromRequest(r *http.Request) RequestMetadata {
	ctx := r.Context()

	requestID := contextkeys.GetRequestID(ctx)
	if requestID == "" {
		requestID = r.Header.Get(headerRequestID)
	}
	sessionID := contextkeys.GetSessionID(ctx)
	if sessionID == "" {
		sessionID = r.Header.Get(headerSessionID)
	}

	endpoint := r.URL.Path
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			endpoint = tpl
		}
	}

	return RequestMetadata{
		RequestID:   optional(requestID),
		SessionID:   optional(sessionID),
		IPAddress:   optional(httputil.ClientIP(r)),
		UserAgent:   optional(r.UserAgent()),
		APIEndpoint: optional(endpoint),
		HTTPMethod:  optional(r.Method),
	}
}
