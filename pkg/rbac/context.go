package rbac

import (
	"context"

	"github.com/platinummonkey/tenantry/pkg/contextkeys"
)

// WithPrincipal stores the verified principal in the context
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return contextkeys.WithPrincipal(ctx, principal)
}

// PrincipalFromContext returns the principal, or nil when the request is anonymous
func PrincipalFromContext(ctx context.Context) *Principal {
	principal, _ := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return principal
}

// WithDecision stores the decision of the guarded operation in the context
func WithDecision(ctx context.Context, decision Decision) context.Context {
	return contextkeys.WithDecision(ctx, decision)
}

// DecisionFromContext returns the decision attached by Guard
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	decision, ok := ctx.Value(contextkeys.DecisionKey).(Decision)
	return decision, ok
}
