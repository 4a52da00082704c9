// Package api composes the history service's HTTP surface.
//
// NewServer wires the membership store, the authorizer, the audit writer and
// query service, and the history and membership handlers onto one gorilla/mux
// router. Every
// route is guarded by an operation from the rbac registry, and the server
// refuses to start when one of its operations is missing from that table.
//
// Request flow, outermost first:
//
//	otelhttp span
//	RequestIDMiddleware     X-Request-Id / X-Session-Id into the context
//	PrincipalMiddleware     X-Principal-Id / X-Principal-Super-Admin
//	LoggingMiddleware       request logger, one line per request
//	RecoveryMiddleware      panics become 500
//	CORS, body size, JSON content type
//	router.Use              Prometheus and OTel HTTP metrics, rate limiting
//	Guard                   authorization, 403 on every denial
//	handler
//
// Routes:
//
//	GET    /history                                          history visible to the caller
//	GET    /history/export?format=json|csv|ndjson            same scope, encoded
//	GET    /history/{tableName}/{recordId}                   one record, newest first
//	GET    /organisations/{organisationId}/history           one organisation
//	POST   /organisations/{organisationId}/history           record a change
//	GET    /organisations/{organisationId}/members           active members
//	POST   /organisations/{organisationId}/members           assign a role
//	PATCH  /organisations/{organisationId}/members/{userId}  change a role
//	DELETE /organisations/{organisationId}/members/{userId}  soft-delete a membership
//
// Membership changes are written to the history trail under the
// role_assignments table.
//
// Health probes and /metrics are served by NewOpsServer on a separate port.
package api
