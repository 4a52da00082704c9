package rbac

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/platinummonkey/tenantry/pkg/httputil"
	"github.com/platinummonkey/tenantry/pkg/observability"
)

// Guard enforces registry declarations on HTTP routes
type Guard struct {
	authorizer *Authorizer
	registry   *Registry
}

// NewGuard creates a guard over the given authorizer and operation table
func NewGuard(authorizer *Authorizer, registry *Registry) *Guard {
	return &Guard{
		authorizer: authorizer,
		registry:   registry,
	}
}

// Require returns middleware enforcing the declaration for op. The lookup happens
// once, here, so routes bind to their role set at registration time.
func (g *Guard) Require(op Operation) (func(http.Handler) http.Handler, error) {
	required, ok := g.registry.Lookup(op)
	if !ok {
		return nil, fmt.Errorf("operation %q is not declared", op)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := observability.FromContext(r.Context()).WithField("operation", string(op))

			var orgID string
			if required != nil {
				var err error
				orgID, err = OrganisationIDFromRequest(r)
				if err != nil {
					httputil.WriteBadRequest(w, err.Error())
					return
				}
			}

			decision, err := g.authorizer.Authorize(r.Context(), PrincipalFromContext(r.Context()), required, orgID)
			if err != nil {
				var denied *DeniedError
				if errors.As(err, &denied) {
					logger.WithField("reason", string(denied.Reason)).Info("request denied")
					httputil.WriteForbidden(w, denied.Error())
					return
				}
				logger.WithError(err).Error("authorization check failed")
				httputil.WriteErrorMessage(w, http.StatusInternalServerError, "authorization check failed")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithDecision(r.Context(), decision)))
		})
	}, nil
}

// MustRequire is Require for route tables built at startup; it panics on an
// undeclared operation.
func (g *Guard) MustRequire(op Operation) func(http.Handler) http.Handler {
	mw, err := g.Require(op)
	if err != nil {
		panic(err)
	}
	return mw
}
